// Package httpintake pushes records to an HTTP intake.
//
// Each push is a single POST to {url}/events carrying the intake key and the
// encoded records. The Idempotency-Key header is derived from the chunk's
// dedup ids, so a retried chunk carries the same key and the intake can
// discard the replay.
package httpintake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// eventsPath is appended to the configured base URL.
const eventsPath = "/events"

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 512

// idempotencyNamespace scopes the derived idempotency keys.
var idempotencyNamespace = uuid.MustParse("7d1c4f7e-2b61-4b8e-9a57-3f0a6c1e5d24")

// HTTPDoer abstracts the http.Client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the intake client.
type Config struct {
	URL     string            `toml:"url" validate:"required,url"`
	Token   string            `toml:"token"`
	Headers map[string]string `toml:"headers"`
}

// Intake implements driven.Intake over HTTP.
type Intake struct {
	cfg    Config
	client HTTPDoer
}

// Ensure Intake implements the interface.
var _ driven.Intake = (*Intake)(nil)

// Option configures an Intake.
type Option func(*Intake)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(i *Intake) { i.client = c }
}

// New creates an HTTP intake. Request deadlines come from the caller's
// context, so the default client sets no timeout of its own.
func New(cfg Config, opts ...Option) (*Intake, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("intake url: %w", domain.ErrInvalidInput)
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	i := &Intake{cfg: cfg, client: &http.Client{}}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

type pushRequest struct {
	IntakeKey string            `json:"intake_key"`
	Records   []json.RawMessage `json:"records"`
}

type pushResponse struct {
	IDs        []string `json:"ids"`
	RetryAfter float64  `json:"retry_after,omitempty"`
}

// Push posts one chunk of records.
func (i *Intake) Push(ctx context.Context, intakeKey string, records []domain.EncodedRecord) (driven.IntakeResponse, error) {
	const op = "intake push"

	body := pushRequest{IntakeKey: intakeKey, Records: make([]json.RawMessage, len(records))}
	for n, r := range records {
		body.Records[n] = json.RawMessage(r.Body)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return driven.IntakeResponse{}, domain.PermanentFail(op, fmt.Errorf("encoding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.URL+eventsPath, bytes.NewReader(data))
	if err != nil {
		return driven.IntakeResponse{}, domain.FatalConfig(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(intakeKey, records))
	for k, v := range i.cfg.Headers {
		req.Header.Set(k, v)
	}
	if i.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.Token)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return driven.IntakeResponse{}, domain.Transient(op, err)
	}
	defer resp.Body.Close()

	wait := retryAfter(resp.Header)
	if err := checkStatus(op, resp, wait); err != nil {
		return driven.IntakeResponse{}, err
	}

	out := driven.IntakeResponse{RetryAfter: wait}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	var pr pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil && err != io.EOF {
		return driven.IntakeResponse{}, domain.Transient(op, fmt.Errorf("decoding response: %w", err))
	}
	out.IDs = pr.IDs
	if pr.RetryAfter > 0 {
		out.RetryAfter = time.Duration(pr.RetryAfter * float64(time.Second))
	}
	return out, nil
}

// Close releases idle connections.
func (i *Intake) Close() error {
	if c, ok := i.client.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// IdempotencyKey derives a stable key for a chunk from its dedup ids.
func IdempotencyKey(intakeKey string, records []domain.EncodedRecord) string {
	var b strings.Builder
	b.WriteString(intakeKey)
	for _, r := range records {
		b.WriteByte(0)
		b.WriteString(r.DedupID)
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(b.String())).String()
}

// checkStatus maps an HTTP status to an error kind: 408, 429 and 5xx are
// retried, any other 4xx is a permanent rejection.
func checkStatus(op string, resp *http.Response, wait time.Duration) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(snippet)))

	switch {
	case code == http.StatusTooManyRequests:
		return domain.RateLimited(op, wait, err)
	case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return &domain.StreamError{Kind: domain.KindTransient, Op: op, WaitHint: wait, Err: err}
	default:
		return domain.PermanentFail(op, fmt.Errorf("%w: %w", domain.ErrIntakeRejected, err))
	}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
