// Package vendorhttp is the HTTP client shared by source adapters that talk
// to plain JSON or object APIs.
//
// A Client waits on the adapter kind's rate limiter before every request,
// bounds each request by the stream's adapter timeout, retries transient
// failures with the engine's backoff policy and maps responses to error
// kinds the worker understands:
//
//	401                      auth (the worker refreshes once)
//	403 + quota exhausted    rate-limited until the reset time
//	403                      fatal-auth
//	408, 5xx, network        transient (retried here first)
//	429                      rate-limited, honouring Retry-After
//	other 4xx                fatal-config
//
// Credentials are attached by the HTTP client's transport, not here.
package vendorhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/retry"
)

const (
	// DefaultMaxBodyBytes caps a buffered response body.
	DefaultMaxBodyBytes = 32 << 20

	// UserAgent identifies the engine to vendors.
	UserAgent = "ingestd"
)

// StatusError carries a non-2xx response. It is wrapped in a StreamError
// so adapters can special-case codes with errors.As.
type StatusError struct {
	Code   int
	URL    string
	Header http.Header
	Body   []byte
}

func (e *StatusError) Error() string {
	snippet := e.Body
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.Code, bytes.TrimSpace(snippet))
}

// StatusCode returns the code of a wrapped StatusError, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// BuildFunc creates a request. It is called once per attempt because a
// request body cannot be replayed.
type BuildFunc func(ctx context.Context) (*http.Request, error)

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client performs vendor requests for one stream.
type Client struct {
	http         *http.Client
	limiter      driven.RateLimiter
	policy       retry.Policy
	timeout      time.Duration
	maxBodyBytes int64
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBodyBytes overrides the buffered body cap.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBodyBytes = n }
}

// WithRetryPolicy overrides the retry policy. Tests use short delays.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a client from the stream's timeouts and the shared deps.
func New(stream domain.Stream, deps driven.AdapterDeps, opts ...Option) *Client {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = stream.AdapterMaxAttempts
	c := &Client{
		http:         deps.HTTPClient,
		limiter:      deps.Limiter,
		policy:       policy,
		timeout:      stream.AdapterTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       deps.Logger,
		now:          deps.Now,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// transientOnly retries transient failures. Rate limits are surfaced at
// once so the worker sleeps with its cursor held.
func transientOnly(err error) (bool, time.Duration) {
	return domain.KindOf(err) == domain.KindTransient, domain.WaitHintOf(err)
}

// Do performs the request and buffers the body.
func (c *Client) Do(ctx context.Context, op string, build BuildFunc) (*Response, error) {
	var out *Response
	err := retry.Do(ctx, c.policy, transientOnly, func(ctx context.Context) error {
		resp, cancel, err := c.attempt(ctx, op, build)
		if err != nil {
			return err
		}
		defer cancel()
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
		if err != nil {
			return domain.Transient(op, fmt.Errorf("reading body: %w", err))
		}
		if int64(len(body)) > c.maxBodyBytes {
			return domain.FatalConfig(op, fmt.Errorf("response larger than %d bytes, lower the page size", c.maxBodyBytes))
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	}, c.notify(op))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Open performs the request and returns the unread body. Retries stop once
// a 2xx response is returned. The caller must close the body; the request
// timeout stays in force until it does.
func (c *Client) Open(ctx context.Context, op string, build BuildFunc) (io.ReadCloser, http.Header, error) {
	var (
		body   io.ReadCloser
		header http.Header
	)
	err := retry.Do(ctx, c.policy, transientOnly, func(ctx context.Context) error {
		resp, cancel, err := c.attempt(ctx, op, build)
		if err != nil {
			return err
		}
		body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		header = resp.Header
		return nil
	}, c.notify(op))
	if err != nil {
		return nil, nil, err
	}
	return body, header, nil
}

// attempt runs one request. On success the response body is open and the
// returned cancel releases the request timeout.
func (c *Client) attempt(ctx context.Context, op string, build BuildFunc) (*http.Response, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, domain.Transient(op, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	rctx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	req, err := build(rctx)
	if err != nil {
		cancel()
		return nil, nil, domain.FatalConfig(op, fmt.Errorf("building request: %w", err))
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		// Credential failures raised by the auth transport keep their kind.
		if domain.KindOf(err) != domain.KindTransient {
			return nil, nil, err
		}
		return nil, nil, domain.Transient(op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, cancel, nil
	}

	defer cancel()
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, nil, c.classify(op, &StatusError{
		Code:   resp.StatusCode,
		URL:    req.URL.Redacted(),
		Header: resp.Header,
		Body:   snippet,
	})
}

// classify maps a non-2xx response to an error kind.
func (c *Client) classify(op string, se *StatusError) error {
	now := c.now()
	switch {
	case se.Code == http.StatusUnauthorized:
		return domain.AuthRejected(op, se)
	case se.Code == http.StatusTooManyRequests:
		wait := RetryAfter(se.Header, now)
		c.backoff(wait)
		return domain.RateLimited(op, wait, se)
	case se.Code == http.StatusForbidden && QuotaExhausted(se.Header):
		wait := ResetAfter(se.Header, now)
		c.backoff(wait)
		return domain.RateLimited(op, wait, se)
	case se.Code == http.StatusForbidden:
		return domain.FatalAuth(op, errors.Join(domain.ErrAuthInvalid, se))
	case se.Code == http.StatusRequestTimeout || se.Code >= 500:
		return &domain.StreamError{Kind: domain.KindTransient, Op: op, WaitHint: RetryAfter(se.Header, now), Err: se}
	default:
		return domain.FatalConfig(op, se)
	}
}

func (c *Client) backoff(d time.Duration) {
	if c.limiter != nil {
		c.limiter.Backoff(d)
	}
}

func (c *Client) notify(op string) retry.Notify {
	return func(err error, wait time.Duration, attempt int) {
		c.logger.Debug("retrying vendor request",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
