package googleworkspace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/connectors/ratelimit"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/retry"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const activityPath = "/admin/reports/v1/activity/users/all/applications/login"

func activity(qualifier int64, at time.Time) string {
	return fmt.Sprintf(`{"kind":"admin#reports#activity","id":{"applicationName":"login","customerId":"C01","time":%q,"uniqueQualifier":"%d"},"actor":{"email":"ada@example.com"},"events":[{"name":"login_success"}]}`,
		at.Format(time.RFC3339Nano), qualifier)
}

// reports serves activities.list, one page per pageToken.
type reports struct {
	pages   map[string][]string
	next    map[string]string
	status  int
	body    string
	header  http.Header
	hits    atomic.Int32
	mu      sync.Mutex
	queries []url.Values
}

func (s *reports) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.Query())
	s.mu.Unlock()

	if r.URL.Path != activityPath {
		http.NotFound(w, r)
		return
	}
	for k, v := range s.header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(s.body))
		return
	}
	token := r.URL.Query().Get("pageToken")
	next := ""
	if n := s.next[token]; n != "" {
		next = fmt.Sprintf(`,"nextPageToken":%q`, n)
	}
	_, _ = fmt.Fprintf(w, `{"kind":"admin#reports#activities","items":[%s]%s}`, strings.Join(s.pages[token], ","), next)
}

func newTestAdapter(t *testing.T, srv *httptest.Server, config map[string]any, limiter driven.RateLimiter) *Adapter {
	t.Helper()
	if config == nil {
		config = map[string]any{"application": "login"}
	}
	config["base_url"] = srv.URL
	stream := domain.Stream{ID: "gw-login", AdapterKind: Kind, IntakeKey: "k", AdapterConfig: config, Skew: time.Minute}
	stream.ApplyDefaults()
	adapter, err := New(stream, driven.AdapterDeps{
		HTTPClient: srv.Client(),
		Limiter:    limiter,
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	a := adapter.(*Adapter)
	a.policy = retry.Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}
	return a
}

func drain(f driven.Fetch) ([]domain.Record, []error) {
	var (
		records []domain.Record
		errs    []error
	)
	for rec, err := range f.Records() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		stream := domain.Stream{AdapterConfig: map[string]any{"application": "admin"}}
		cfg, err := ParseConfig(stream)
		require.NoError(t, err)
		assert.Equal(t, AllUsers, cfg.UserKey)
		assert.Equal(t, MaxPageSize, cfg.PageSize)
		assert.Equal(t, DefaultMaxWindow, cfg.MaxWindow)
		assert.Equal(t, DefaultInitialLookback, cfg.InitialLookback)
	})

	t.Run("rejects", func(t *testing.T) {
		for _, config := range []map[string]any{
			{},
			{"application": "login", "page_size": 5000},
			{"application": "login", "max_window": "soon"},
			{"application": "login", "max_window": "-1h"},
			{"application": "login", "base_url": "admin"},
		} {
			_, err := ParseConfig(domain.Stream{AdapterConfig: config})
			require.Error(t, err, config)
			assert.Equal(t, domain.KindFatalConfig, domain.KindOf(err))
		}
	})
}

func TestNew_RequiresCredentials(t *testing.T) {
	stream := domain.Stream{ID: "gw", AdapterKind: Kind, AdapterConfig: map[string]any{"application": "login"}}
	_, err := New(stream, driven.AdapterDeps{})
	assert.Equal(t, domain.KindFatalConfig, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestAdapter_Initial(t *testing.T) {
	srv := httptest.NewServer(&reports{})
	defer srv.Close()
	a := newTestAdapter(t, srv, map[string]any{"application": "login", "initial_lookback": "2h"}, nil)

	pos, err := a.Initial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-time.Minute-2*time.Hour), pos.Timestamp)
}

func TestAdapter_FetchDrainsWindow(t *testing.T) {
	start := testNow.Add(-30 * time.Minute)
	s := &reports{
		pages: map[string][]string{
			"":   {activity(3, testNow.Add(-5*time.Minute)), activity(2, testNow.Add(-10*time.Minute))},
			"p2": {activity(1, testNow.Add(-20*time.Minute))},
		},
		next: map[string]string{"": "p2"},
	}
	srv := httptest.NewServer(s)
	defer srv.Close()
	a := newTestAdapter(t, srv, nil, nil)

	fetch, err := a.Fetch(context.Background(), domain.TimestampPosition(start))
	require.NoError(t, err)
	records, errs := drain(fetch)
	require.Empty(t, errs)
	require.Len(t, records, 3)

	assert.Equal(t, testNow.Add(-5*time.Minute), records[0].EventTime)
	assert.Contains(t, string(records[0].Payload), `"ada@example.com"`)
	assert.Equal(t, domain.HashDedupID("login", testNow.Add(-5*time.Minute), "3"), records[0].DedupID)

	assert.Equal(t, testNow.Add(-time.Minute), fetch.Next().Timestamp)
	assert.False(t, fetch.More())

	require.Len(t, s.queries, 2)
	q := s.queries[0]
	assert.Equal(t, start.Format(time.RFC3339Nano), q.Get("startTime"))
	assert.Equal(t, testNow.Add(-time.Minute).Format(time.RFC3339Nano), q.Get("endTime"))
	assert.Equal(t, "1000", q.Get("maxResults"))
	assert.Equal(t, "p2", s.queries[1].Get("pageToken"))
}

func TestAdapter_FetchOptionalFilters(t *testing.T) {
	s := &reports{}
	srv := httptest.NewServer(s)
	defer srv.Close()
	a := newTestAdapter(t, srv, map[string]any{
		"application": "login",
		"customer_id": "C01",
		"event_name":  "login_failure",
		"filters":     "is_suspicious==true",
	}, nil)

	fetch, err := a.Fetch(context.Background(), domain.TimestampPosition(testNow.Add(-time.Hour)))
	require.NoError(t, err)
	records, errs := drain(fetch)
	assert.Empty(t, records)
	assert.Empty(t, errs)

	require.Len(t, s.queries, 1)
	assert.Equal(t, "C01", s.queries[0].Get("customerId"))
	assert.Equal(t, "login_failure", s.queries[0].Get("eventName"))
	assert.Equal(t, "is_suspicious==true", s.queries[0].Get("filters"))
}

func TestAdapter_FetchCappedWindow(t *testing.T) {
	start := testNow.Add(-5 * time.Hour)
	srv := httptest.NewServer(&reports{pages: map[string][]string{"": {activity(1, start.Add(time.Minute))}}})
	defer srv.Close()
	a := newTestAdapter(t, srv, nil, nil)

	fetch, err := a.Fetch(context.Background(), domain.TimestampPosition(start))
	require.NoError(t, err)
	records, _ := drain(fetch)
	assert.Len(t, records, 1)
	assert.Equal(t, start.Add(DefaultMaxWindow), fetch.Next().Timestamp)
	assert.True(t, fetch.More())
}

func TestAdapter_WindowNotOpenYet(t *testing.T) {
	s := &reports{}
	srv := httptest.NewServer(s)
	defer srv.Close()
	a := newTestAdapter(t, srv, nil, nil)

	pos := domain.TimestampPosition(testNow.Add(-30 * time.Second))
	fetch, err := a.Fetch(context.Background(), pos)
	require.NoError(t, err)
	records, _ := drain(fetch)
	assert.Empty(t, records)
	assert.True(t, pos.Equal(fetch.Next()))
	assert.Zero(t, s.hits.Load())
}

func TestAdapter_MalformedActivitiesAreSkipped(t *testing.T) {
	srv := httptest.NewServer(&reports{pages: map[string][]string{"": {
		activity(1, testNow.Add(-10*time.Minute)),
		`{"id":{"time":"yesterday","uniqueQualifier":"2"}}`,
		`{"kind":"admin#reports#activity"}`,
	}}})
	defer srv.Close()
	a := newTestAdapter(t, srv, nil, nil)

	fetch, err := a.Fetch(context.Background(), domain.TimestampPosition(testNow.Add(-time.Hour)))
	require.NoError(t, err)
	records, errs := drain(fetch)
	assert.Len(t, records, 1)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.Equal(t, domain.KindMalformed, domain.KindOf(err))
	}
	assert.Equal(t, testNow.Add(-time.Minute), fetch.Next().Timestamp)
}

func TestAdapter_ErrorKinds(t *testing.T) {
	apiError := func(code int, reason string) string {
		return fmt.Sprintf(`{"error":{"code":%d,"message":"x","errors":[{"reason":%q,"message":"x"}]}}`, code, reason)
	}
	tests := []struct {
		name   string
		status int
		body   string
		header http.Header
		want   domain.ErrorKind
		hits   int32
	}{
		{"unauthorised", http.StatusUnauthorized, apiError(401, "authError"), nil, domain.KindAuth, 1},
		{"forbidden", http.StatusForbidden, apiError(403, "forbidden"), nil, domain.KindFatalAuth, 1},
		{"quota", http.StatusForbidden, apiError(403, "quotaExceeded"), nil, domain.KindRateLimited, 1},
		{"too many requests", http.StatusTooManyRequests, apiError(429, "rateLimitExceeded"), http.Header{"Retry-After": {"30"}}, domain.KindRateLimited, 1},
		{"bad filter", http.StatusBadRequest, apiError(400, "invalid"), nil, domain.KindFatalConfig, 1},
		{"unavailable retried", http.StatusServiceUnavailable, apiError(503, "backendError"), nil, domain.KindTransient, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &reports{status: tt.status, body: tt.body, header: tt.header}
			srv := httptest.NewServer(s)
			defer srv.Close()
			limiter := ratelimit.New(ratelimit.Config{})
			a := newTestAdapter(t, srv, nil, limiter)

			pos := domain.TimestampPosition(testNow.Add(-time.Hour))
			fetch, err := a.Fetch(context.Background(), pos)
			require.NoError(t, err)
			_, errs := drain(fetch)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.want, domain.KindOf(errs[0]))
			assert.Equal(t, tt.hits, s.hits.Load())
			assert.True(t, pos.Equal(fetch.Next()))
			if tt.want == domain.KindRateLimited {
				assert.False(t, limiter.RetryAt().IsZero())
			}
		})
	}
}

func TestAdapter_WrongPositionKind(t *testing.T) {
	srv := httptest.NewServer(&reports{})
	defer srv.Close()
	a := newTestAdapter(t, srv, nil, nil)

	_, err := a.Fetch(context.Background(), domain.FileIDPosition(3))
	assert.ErrorIs(t, err, domain.ErrPositionKind)
	assert.Equal(t, domain.KindFatalConfig, domain.KindOf(err))
}

func TestAdapter_Capabilities(t *testing.T) {
	srv := httptest.NewServer(&reports{})
	defer srv.Close()
	a := newTestAdapter(t, srv, nil, nil)

	caps := a.Capabilities()
	assert.False(t, caps.Ordered)
	assert.True(t, caps.DeclaresMore)
	assert.Equal(t, domain.PositionTimestamp, caps.SupportsSince)
	assert.Equal(t, Kind, a.Kind())
}
