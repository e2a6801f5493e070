// Package timewindow is the windowed-time reference adapter.
//
// It polls a JSON list endpoint for events inside the window
// [cursor, min(now-skew, cursor+max_window)], following the vendor's
// next-page token or Link header, and resumes from the last event time
// plus one tick. Only ordered streams stop early at max_pages; unordered
// streams drain each window because a later page may hold older events. The endpoint, query parameter names and response fields
// all come from adapter_config, so most "GET /events?since=&until="
// style APIs need no code.
package timewindow

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/connectors/vendorhttp"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Kind is the adapter kind.
const Kind = "timewindow"

// Ensure Adapter implements the interface.
var _ driven.SourceAdapter = (*Adapter)(nil)

// Adapter fetches one stream's events by time window.
type Adapter struct {
	cfg    *Config
	skew   time.Duration
	client *vendorhttp.Client
	logger *zap.Logger
	now    func() time.Time
}

// New builds the adapter for stream.
func New(stream domain.Stream, deps driven.AdapterDeps) (driven.SourceAdapter, error) {
	return newAdapter(stream, deps)
}

func newAdapter(stream domain.Stream, deps driven.AdapterDeps, opts ...vendorhttp.Option) (*Adapter, error) {
	cfg, err := ParseConfig(stream)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:    cfg,
		skew:   stream.Skew,
		client: vendorhttp.New(stream, deps, opts...),
		logger: deps.Logger,
		now:    deps.Now,
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
		Ordered:       a.cfg.Ordered,
		SupportsSince: domain.PositionTimestamp,
		DeclaresMore:  true,
		MaxPage:       a.cfg.PageSize,
	}
}

// Initial starts a new stream initial_lookback before the window ceiling.
func (a *Adapter) Initial(_ context.Context) (domain.Position, error) {
	return domain.TimestampPosition(a.ceiling().Add(-a.cfg.InitialLookback)), nil
}

func (a *Adapter) ceiling() time.Time {
	return a.now().UTC().Add(-a.skew)
}

// Fetch lists the events of the window starting at position.
func (a *Adapter) Fetch(ctx context.Context, position domain.Position) (driven.Fetch, error) {
	if position.Kind != domain.PositionTimestamp {
		return nil, domain.FatalConfig("timewindow fetch", fmt.Errorf("%s: %w", position.Kind, domain.ErrPositionKind))
	}

	start := position.Timestamp
	end := start.Add(a.cfg.MaxWindow)
	capped := true
	if ceiling := a.ceiling(); !end.Before(ceiling) {
		end = ceiling
		capped = false
	}
	if !start.Before(end) {
		return driven.EmptyFetch(position, 0), nil
	}

	w := &window{adapter: a, start: start, end: end, capped: capped}
	w.result = &driven.FetchResult{NextPos: position}
	w.result.Seq = w.records(ctx)
	return w.result, nil
}

// window is the state of one Fetch.
type window struct {
	adapter *Adapter
	start   time.Time
	end     time.Time
	capped  bool
	result  *driven.FetchResult
}

func (w *window) records(ctx context.Context) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		a := w.adapter
		var (
			last    time.Time
			seen    bool
			token   string
			nextURL string
		)

		for pageNo := 0; ; pageNo++ {
			if pageNo >= a.cfg.MaxPages {
				// An ordered stream resumes at the last event, not past it:
				// the next page may hold more events with the same time.
				if a.cfg.Ordered && seen && last.After(w.start) {
					a.logger.Debug("page budget reached, resuming next fetch",
						zap.Int("pages", pageNo),
						zap.Time("last_event", last))
					w.result.NextPos = domain.TimestampPosition(last)
					w.result.HasMore = true
					return
				}
				// Unordered pages may still hold events older than any seen so
				// far, and an ordered budget stuck on the start time would
				// refetch the same pages. Both drain the window.
				if pageNo == a.cfg.MaxPages {
					a.logger.Warn("window exceeds max_pages, draining it; lower max_window",
						zap.Bool("ordered", a.cfg.Ordered),
						zap.Int("max_pages", a.cfg.MaxPages),
						zap.Time("window_start", w.start))
				}
			}

			resp, err := a.client.Do(ctx, "list events", a.request(w.start, w.end, token, nextURL))
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			p, err := a.cfg.decodePage(resp.Body)
			if err != nil {
				yield(domain.Record{}, domain.Transient("decode page", err))
				return
			}

			for i, raw := range p.items {
				rec, err := a.record(raw)
				if err != nil {
					if !yield(domain.Record{}, err) {
						return
					}
					continue
				}
				if !seen || rec.EventTime.After(last) {
					last = rec.EventTime
				}
				seen = true
				if a.cfg.Ordered && i == len(p.items)-1 {
					cp := domain.TimestampPosition(rec.EventTime)
					rec.Checkpoint = &cp
				}
				if !yield(rec, nil) {
					return
				}
			}

			token, nextURL = p.next, ""
			if token == "" {
				nextURL = vendorhttp.NextLink(resp.Header)
			}
			if token == "" && nextURL == "" {
				break
			}
		}

		next := w.start
		if seen {
			next = maxTime(next, last.Add(a.cfg.Tick))
		}
		if w.capped {
			// The window lies wholly behind the ceiling and was drained.
			next = maxTime(next, w.end)
		}
		w.result.NextPos = domain.TimestampPosition(next)
		w.result.HasMore = w.capped
	}
}

// request builds one list call. nextURL, when set, replaces the query.
func (a *Adapter) request(start, end time.Time, token, nextURL string) vendorhttp.BuildFunc {
	return func(ctx context.Context) (*http.Request, error) {
		if nextURL != "" {
			return http.NewRequestWithContext(ctx, http.MethodGet, nextURL, nil)
		}
		u, err := url.Parse(a.cfg.URL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, v := range a.cfg.Query {
			q.Set(k, v)
		}
		q.Set(a.cfg.StartParam, a.cfg.formatTime(start))
		q.Set(a.cfg.EndParam, a.cfg.formatTime(end))
		q.Set(a.cfg.LimitParam, strconv.Itoa(a.cfg.PageSize))
		if token != "" {
			q.Set(a.cfg.PageParam, token)
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// record turns one raw event into a Record.
func (a *Adapter) record(raw json.RawMessage) (domain.Record, error) {
	id, eventTime, err := a.cfg.fields().Extract(raw)
	if err != nil {
		return domain.Record{}, domain.Malformed("decode event", err)
	}
	if id == "" {
		id = domain.HashDedupID(a.cfg.Category, eventTime, string(raw))
	}
	return domain.Record{
		DedupID:   id,
		EventTime: eventTime,
		Payload:   raw,
	}, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
