package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/connectors/eventjson"
	"github.com/custodia-labs/ingestd/internal/connectors/vendorhttp"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// Kind is the adapter kind.
const Kind = "github"

// eventFields locates the id and time of a GitHub event.
var eventFields = eventjson.Fields{ID: "id", Time: "created_at"}

// Ensure Adapter implements the interface.
var _ driven.SourceAdapter = (*Adapter)(nil)

// Adapter reads one events feed.
type Adapter struct {
	cfg     *Config
	gh      *gh.Client
	limiter driven.RateLimiter
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New creates the adapter for stream. Credentials come from the
// transport of deps.HTTPClient.
func New(stream domain.Stream, deps driven.AdapterDeps) (driven.SourceAdapter, error) {
	cfg, err := ParseConfig(stream)
	if err != nil {
		return nil, err
	}

	client := gh.NewClient(deps.HTTPClient)
	client.UserAgent = vendorhttp.UserAgent
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, domain.FatalConfig("github config", err)
		}
		client.BaseURL = base
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = stream.AdapterMaxAttempts
	a := &Adapter{
		cfg:     cfg,
		gh:      client,
		limiter: deps.Limiter,
		policy:  policy,
		timeout: stream.AdapterTimeout,
		logger:  deps.Logger,
		now:     deps.Now,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Kind returns the adapter kind.
func (a *Adapter) Kind() string {
	return Kind
}

// Capabilities returns the adapter's capabilities.
func (a *Adapter) Capabilities() driven.AdapterCapabilities {
	return driven.AdapterCapabilities{
		Ordered:       false, // newest first
		SupportsSince: domain.PositionToken,
		DeclaresMore:  false,
		MaxPage:       a.cfg.PerPage,
		AuthShared:    true,
	}
}

// Initial returns the cursor of a new stream.
func (a *Adapter) Initial(_ context.Context) (domain.Position, error) {
	if a.cfg.Start == StartLatest {
		return Cursor{Since: a.now()}.Position(), nil
	}
	return Cursor{}.Position(), nil
}

// Fetch walks the feed from the newest event down to the cursor.
func (a *Adapter) Fetch(ctx context.Context, position domain.Position) (driven.Fetch, error) {
	cur, err := DecodeCursor(position)
	if err != nil {
		return nil, domain.FatalConfig("github fetch", err)
	}

	result := &driven.FetchResult{NextPos: position}
	result.Seq = func(yield func(domain.Record, error) bool) {
		next := cur
		for page := 1; page <= a.cfg.MaxPages; page++ {
			events, resp, err := a.listEvents(ctx, page)
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			if page == 1 {
				result.Wait = pollInterval(resp)
			}

			reached := false
			for _, raw := range events {
				rawID, created, err := eventFields.Extract(raw)
				if err != nil {
					if !yield(domain.Record{}, domain.Malformed("decode event", err)) {
						return
					}
					continue
				}
				id, err := strconv.ParseInt(rawID, 10, 64)
				if err != nil {
					if !yield(domain.Record{}, domain.Malformed("decode event", fmt.Errorf("event id %q: %w", rawID, err))) {
						return
					}
					continue
				}
				if id <= cur.LastID || (cur.LastID == 0 && created.Before(cur.Since)) {
					reached = true
					continue
				}
				next = next.advance(id, created)
				if !yield(domain.Record{DedupID: rawID, EventTime: created, Payload: raw}, nil) {
					return
				}
			}
			if reached || resp.NextPage == 0 {
				break
			}
			if page == a.cfg.MaxPages {
				a.logger.Warn("events feed deeper than max_pages, older events may be missed",
					zap.String("feed", a.cfg.category()),
					zap.Int("max_pages", a.cfg.MaxPages))
			}
		}
		result.NextPos = next.Position()
	}
	return result, nil
}

// listEvents reads one page of the feed.
func (a *Adapter) listEvents(ctx context.Context, page int) ([]json.RawMessage, *gh.Response, error) {
	const op = "list events"
	var (
		events []json.RawMessage
		resp   *gh.Response
	)
	err := retry.Do(ctx, a.policy, transientOnly, func(ctx context.Context) error {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return domain.Transient(op, fmt.Errorf("rate limit wait: %w", err))
			}
		}
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}

		req, err := a.gh.NewRequest(http.MethodGet,
			fmt.Sprintf("%s?per_page=%d&page=%d", a.cfg.eventsPath(), a.cfg.PerPage, page), nil)
		if err != nil {
			return domain.FatalConfig(op, err)
		}

		events = nil
		r, err := a.gh.Do(ctx, req, &events)
		if r != nil {
			resp = r
			reserve(a.limiter, r.Rate, a.now())
		}
		if err != nil {
			return classify(op, err, a.limiter, a.now())
		}
		return nil
	}, func(err error, wait time.Duration, attempt int) {
		a.logger.Debug("retrying github request",
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, nil, err
	}
	return events, resp, nil
}

// transientOnly retries transient failures. Rate limits reach the worker
// at once so it sleeps with the cursor held.
func transientOnly(err error) (bool, time.Duration) {
	return domain.KindOf(err) == domain.KindTransient, domain.WaitHintOf(err)
}
