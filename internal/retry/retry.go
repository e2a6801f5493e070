// Package retry implements the engine's single retry policy: exponential
// backoff with jitter, parameterised by an error classifier.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// Policy defaults.
const (
	DefaultBase        = 1 * time.Second
	DefaultFactor      = 2.0
	DefaultMax         = 120 * time.Second
	DefaultJitter      = 0.5
	DefaultMaxAttempts = 5
)

// Policy configures exponential backoff.
type Policy struct {
	// Base is the first delay.
	Base time.Duration

	// Factor multiplies the delay after every attempt.
	Factor float64

	// Max caps a single delay. Server wait hints may exceed it.
	Max time.Duration

	// Jitter is the randomisation factor in [0, 1].
	Jitter float64

	// MaxAttempts bounds the number of calls. Zero means unbounded.
	MaxAttempts int

	// MaxElapsed bounds the total time spent retrying. Zero means unbounded.
	MaxElapsed time.Duration
}

// DefaultPolicy returns base 1s, factor 2, cap 120s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Factor:      DefaultFactor,
		Max:         DefaultMax,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// NewBackOff returns a fresh backoff sequence for the policy.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Max
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = p.MaxElapsed
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultBase
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultFactor
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMax
	}
	b.Reset()
	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}

// Classifier decides whether err may be retried and how long the server
// asked us to wait.
type Classifier func(err error) (retry bool, wait time.Duration)

// ByKind retries transient and rate-limited errors, honouring their wait hints.
func ByKind(err error) (bool, time.Duration) {
	return domain.KindOf(err).Retryable(), domain.WaitHintOf(err)
}

// Notify is called before each sleep.
type Notify func(err error, wait time.Duration, attempt int)

// Do calls op until it succeeds, classify refuses the error, the policy is
// exhausted or ctx is done. It returns the last error from op.
func Do(ctx context.Context, p Policy, classify Classifier, op func(ctx context.Context) error, notify Notify) error {
	if classify == nil {
		classify = ByKind
	}
	b := p.NewBackOff()
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		retry, hint := classify(err)
		if !retry {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if hint > wait {
			wait = hint
		}
		if notify != nil {
			notify(err, wait, attempt)
		}
		if serr := Sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
