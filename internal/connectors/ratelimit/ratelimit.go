// Package ratelimit paces outbound vendor requests per adapter kind.
//
// Every kind gets a per-second and a per-minute token bucket. Workers call
// Wait before each request; a 429 or an exhausted quota calls Backoff, which
// holds every worker of the kind until the vendor's reset time.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// DefaultBackoff is used when a vendor asks us to slow down without saying
// for how long.
const DefaultBackoff = 60 * time.Second

// Config holds the buckets for one adapter kind. Zero rates are unlimited.
type Config struct {
	// PerSecond is the sustained request rate.
	PerSecond float64 `toml:"per_second"`

	// Burst is the per-second bucket size.
	Burst int `toml:"burst"`

	// PerMinute caps requests over any minute.
	PerMinute int `toml:"per_minute"`
}

// DefaultLimits are conservative defaults, well below published vendor
// limits. GitHub allows 5000 requests an hour to an authenticated client.
var DefaultLimits = map[string]Config{
	"github":          {PerSecond: 1.2, Burst: 1, PerMinute: 80},
	"googleworkspace": {PerSecond: 5, Burst: 10, PerMinute: 240},
	"timewindow":      {PerSecond: 5, Burst: 5},
	"objectindex":     {PerSecond: 10, Burst: 10},
}

// Limiter combines the two buckets with a shared backoff deadline.
type Limiter struct {
	second *rate.Limiter
	minute *rate.Limiter

	mu      sync.Mutex
	retryAt time.Time
	now     func() time.Time
}

// Ensure Limiter implements the interface.
var _ driven.RateLimiter = (*Limiter)(nil)

// New creates a limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{now: time.Now}
	if cfg.PerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.second = rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
	}
	if cfg.PerMinute > 0 {
		l.minute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute)
	}
	return l
}

// Wait blocks until the backoff deadline has passed and both buckets hold
// a token.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := l.retryAt.Sub(l.now())
		l.mu.Unlock()
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if l.minute != nil {
		if err := l.minute.Wait(ctx); err != nil {
			return err
		}
	}
	if l.second != nil {
		if err := l.second.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Backoff holds every caller for d. A later deadline is never shortened.
func (l *Limiter) Backoff(d time.Duration) {
	if d <= 0 {
		d = DefaultBackoff
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.now().Add(d); until.After(l.retryAt) {
		l.retryAt = until
	}
}

// RetryAt returns the current backoff deadline.
func (l *Limiter) RetryAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryAt
}

// Allow reports whether a request may be made now without blocking.
// It consumes tokens when it returns true.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	blocked := l.now().Before(l.retryAt)
	l.mu.Unlock()
	if blocked {
		return false
	}
	if l.minute != nil && !l.minute.Allow() {
		return false
	}
	return l.second == nil || l.second.Allow()
}

// Registry hands out one limiter per adapter kind.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]Config
	limiters map[string]*Limiter
}

// NewRegistry creates a registry. Overrides replace DefaultLimits per kind.
func NewRegistry(overrides map[string]Config) *Registry {
	configs := make(map[string]Config, len(DefaultLimits)+len(overrides))
	for k, v := range DefaultLimits {
		configs[k] = v
	}
	for k, v := range overrides {
		configs[k] = v
	}
	return &Registry{configs: configs, limiters: make(map[string]*Limiter)}
}

// For returns the limiter of kind, creating it on first use. Kinds without
// a configuration get an unlimited limiter that still honours Backoff.
func (r *Registry) For(kind string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[kind]; ok {
		return l
	}
	l := New(r.configs[kind])
	r.limiters[kind] = l
	return l
}
