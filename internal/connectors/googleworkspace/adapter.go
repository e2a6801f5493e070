package googleworkspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	admin "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/option"

	"github.com/custodia-labs/ingestd/internal/adapters/driven/auth"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// Kind is the adapter kind.
const Kind = "googleworkspace"

// Ensure Adapter implements the interface.
var _ driven.SourceAdapter = (*Adapter)(nil)

// Adapter reads the audit activity of one reports application.
type Adapter struct {
	cfg     *Config
	svc     *admin.Service
	skew    time.Duration
	limiter driven.RateLimiter
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New creates the adapter for stream. Credentials come from the transport
// of deps.HTTPClient or, without one, from deps.Auth directly.
func New(stream domain.Stream, deps driven.AdapterDeps) (driven.SourceAdapter, error) {
	cfg, err := ParseConfig(stream)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	switch {
	case deps.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(deps.HTTPClient))
	case deps.Auth != nil:
		opts = append(opts, option.WithTokenSource(auth.TokenSource(context.Background(), deps.Auth)))
	default:
		return nil, domain.FatalConfig("googleworkspace config", domain.ErrAuthRequired)
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	svc, err := admin.NewService(context.Background(), opts...)
	if err != nil {
		return nil, domain.FatalConfig("googleworkspace client", err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = stream.AdapterMaxAttempts
	a := &Adapter{
		cfg:     cfg,
		svc:     svc,
		skew:    stream.Skew,
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
		Ordered:       false,
		SupportsSince: domain.PositionTimestamp,
		DeclaresMore:  true,
		MaxPage:       a.cfg.PageSize,
		AuthShared:    true,
	}
}

// Initial starts a new stream initial_lookback before the window ceiling.
func (a *Adapter) Initial(_ context.Context) (domain.Position, error) {
	return domain.TimestampPosition(a.ceiling().Add(-a.cfg.InitialLookback)), nil
}

func (a *Adapter) ceiling() time.Time {
	return a.now().UTC().Add(-a.skew)
}

// Fetch lists every activity of the window starting at position.
func (a *Adapter) Fetch(ctx context.Context, position domain.Position) (driven.Fetch, error) {
	if position.Kind != domain.PositionTimestamp {
		return nil, domain.FatalConfig("googleworkspace fetch", fmt.Errorf("%s: %w", position.Kind, domain.ErrPositionKind))
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

	result := &driven.FetchResult{NextPos: position}
	result.Seq = func(yield func(domain.Record, error) bool) {
		token := ""
		for {
			page, err := a.list(ctx, start, end, token)
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			for _, activity := range page.Items {
				rec, err := a.record(activity)
				if err != nil {
					if !yield(domain.Record{}, domain.Malformed("decode activity", err)) {
						return
					}
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
		result.NextPos = domain.TimestampPosition(end)
		result.HasMore = capped
	}
	return result, nil
}

// list reads one page of activities.
func (a *Adapter) list(ctx context.Context, start, end time.Time, token string) (*admin.Activities, error) {
	const op = "list activities"
	var page *admin.Activities
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

		call := a.svc.Activities.List(a.cfg.UserKey, a.cfg.Application).
			StartTime(start.Format(time.RFC3339Nano)).
			EndTime(end.Format(time.RFC3339Nano)).
			MaxResults(int64(a.cfg.PageSize)).
			Context(ctx)
		if a.cfg.CustomerID != "" {
			call = call.CustomerId(a.cfg.CustomerID)
		}
		if a.cfg.EventName != "" {
			call = call.EventName(a.cfg.EventName)
		}
		if a.cfg.Filters != "" {
			call = call.Filters(a.cfg.Filters)
		}
		if token != "" {
			call = call.PageToken(token)
		}

		resp, err := call.Do()
		if err != nil {
			return classify(op, err, a.limiter, a.now())
		}
		page = resp
		return nil
	}, func(err error, wait time.Duration, attempt int) {
		a.logger.Debug("retrying reports request",
			zap.String("application", a.cfg.Application),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// record converts one activity. The unique qualifier is only unique
// together with the activity time.
func (a *Adapter) record(activity *admin.Activity) (domain.Record, error) {
	if activity == nil || activity.Id == nil {
		return domain.Record{}, errors.New("activity without id")
	}
	at, err := time.Parse(time.RFC3339Nano, activity.Id.Time)
	if err != nil {
		return domain.Record{}, fmt.Errorf("activity time %q: %w", activity.Id.Time, err)
	}
	payload, err := json.Marshal(activity)
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{
		DedupID:   domain.HashDedupID(a.cfg.Application, at, strconv.FormatInt(activity.Id.UniqueQualifier, 10)),
		EventTime: at.UTC(),
		Payload:   payload,
	}, nil
}

// transientOnly retries transient failures. Rate limits reach the worker
// at once so it sleeps with the cursor held.
func transientOnly(err error) (bool, time.Duration) {
	return domain.KindOf(err) == domain.KindTransient, domain.WaitHintOf(err)
}
