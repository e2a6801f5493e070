package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// --- Mock implementations for engine testing ---

// fetchStep is one scripted response of mockAdapter.Fetch.
type fetchStep struct {
	items []fetchItem
	next  domain.Position
	more  bool
	wait  time.Duration
	err   error // returned from Fetch itself
	block bool  // block until ctx is done
	panic bool
}

type fetchItem struct {
	rec domain.Record
	err error
}

func recs(records ...domain.Record) []fetchItem {
	items := make([]fetchItem, 0, len(records))
	for _, r := range records {
		items = append(items, fetchItem{rec: r})
	}
	return items
}

// mockAdapter implements driven.SourceAdapter with scripted fetches.
// Once the script is exhausted it returns empty fetches at the given position.
type mockAdapter struct {
	mu      sync.Mutex
	caps    driven.AdapterCapabilities
	initial domain.Position
	script  []fetchStep
	calls   []domain.Position
	closed  bool
	fetched chan domain.Position
}

func newMockAdapter(ordered bool, steps ...fetchStep) *mockAdapter {
	return &mockAdapter{
		caps:    driven.AdapterCapabilities{Ordered: ordered, SupportsSince: domain.PositionTimestamp, DeclaresMore: true},
		script:  steps,
		fetched: make(chan domain.Position, 64),
	}
}

func (m *mockAdapter) Kind() string { return "mock" }

func (m *mockAdapter) Capabilities() driven.AdapterCapabilities { return m.caps }

func (m *mockAdapter) Initial(_ context.Context) (domain.Position, error) {
	return m.initial, nil
}

func (m *mockAdapter) Fetch(ctx context.Context, pos domain.Position) (driven.Fetch, error) {
	m.mu.Lock()
	m.calls = append(m.calls, pos)
	var step *fetchStep
	if len(m.script) > 0 {
		s := m.script[0]
		m.script = m.script[1:]
		step = &s
	}
	m.mu.Unlock()

	defer func() {
		select {
		case m.fetched <- pos:
		default:
		}
	}()

	if step == nil {
		return driven.EmptyFetch(pos, 0), nil
	}
	if step.panic {
		panic("adapter exploded")
	}
	if step.block {
		<-ctx.Done()
		return nil, domain.Transient("fetch", ctx.Err())
	}
	if step.err != nil {
		return nil, step.err
	}
	items := step.items
	return &driven.FetchResult{
		Seq: func(yield func(domain.Record, error) bool) {
			for _, it := range items {
				if !yield(it.rec, it.err) {
					return
				}
			}
		},
		NextPos: step.next,
		HasMore: step.more,
		Wait:    step.wait,
	}, nil
}

func (m *mockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockAdapter) Calls() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Position(nil), m.calls...)
}

// mockIntake implements driven.Intake. Scripted errors are consumed one per
// push attempt; a nil entry or an empty script accepts the chunk.
type mockIntake struct {
	mu       sync.Mutex
	script   []error
	failAll  error
	accepted [][]string
	attempts int
	inflight int
	peak     int
	delay    time.Duration
}

func (m *mockIntake) Push(ctx context.Context, _ string, records []domain.EncodedRecord) (driven.IntakeResponse, error) {
	m.mu.Lock()
	m.attempts++
	m.inflight++
	if m.inflight > m.peak {
		m.peak = m.inflight
	}
	var err error
	if len(m.script) > 0 {
		err = m.script[0]
		m.script = m.script[1:]
	} else if m.failAll != nil {
		err = m.failAll
	}
	delay := m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return driven.IntakeResponse{}, domain.Transient("push", ctx.Err())
		}
	}
	if err != nil {
		return driven.IntakeResponse{}, err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.DedupID)
	}
	m.mu.Lock()
	m.accepted = append(m.accepted, ids)
	m.mu.Unlock()
	return driven.IntakeResponse{IDs: ids}, nil
}

func (m *mockIntake) Close() error { return nil }

func (m *mockIntake) Accepted() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.accepted))
	copy(out, m.accepted)
	return out
}

func (m *mockIntake) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// mockCursorStore implements driven.CursorStore.
type mockCursorStore struct {
	mu          sync.Mutex
	states      map[string]*domain.CursorState
	corrupt     map[string]bool
	snapshotErr error
	snapshots   int
	positions   []domain.Position
	compacted   []string
}

func newMockCursorStore() *mockCursorStore {
	return &mockCursorStore{
		states:  make(map[string]*domain.CursorState),
		corrupt: make(map[string]bool),
	}
}

func (m *mockCursorStore) Load(_ context.Context, streamID string) (*domain.CursorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt[streamID] {
		delete(m.corrupt, streamID)
		return domain.NewCursorState(streamID, 0), domain.ErrCursorCorrupt
	}
	if st, ok := m.states[streamID]; ok {
		return st.Clone(), nil
	}
	return domain.NewCursorState(streamID, 0), nil
}

func (m *mockCursorStore) Snapshot(_ context.Context, state *domain.CursorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return m.snapshotErr
	}
	m.snapshots++
	m.positions = append(m.positions, state.Position)
	m.states[state.StreamID] = state.Clone()
	return nil
}

// Positions returns the position of every snapshot, oldest first.
func (m *mockCursorStore) Positions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Position(nil), m.positions...)
}

func (m *mockCursorStore) Compact(_ context.Context, streamID string, capacity int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compacted = append(m.compacted, streamID)
	if st, ok := m.states[streamID]; ok {
		st.Compact(capacity, ttl, time.Now())
	}
	return nil
}

func (m *mockCursorStore) List(_ context.Context) ([]*domain.CursorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.CursorState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Clone())
	}
	return out, nil
}

func (m *mockCursorStore) Close() error { return nil }

func (m *mockCursorStore) State(streamID string) *domain.CursorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[streamID].Clone()
}

func (m *mockCursorStore) put(state *domain.CursorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.StreamID] = state.Clone()
}

// mockAuth implements driven.AuthProvider.
type mockAuth struct {
	mu         sync.Mutex
	refreshErr error
	refreshes  int
	tokens     int
}

func (m *mockAuth) Name() string { return "mock" }

func (m *mockAuth) Method() domain.AuthMethod { return domain.AuthMethodClientCredentials }

func (m *mockAuth) Token(_ context.Context) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens++
	return &domain.Credential{AccessToken: "t"}, nil
}

func (m *mockAuth) Refresh(_ context.Context) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return &domain.Credential{AccessToken: "fresh"}, nil
}

func (m *mockAuth) Invalidate() {}

func (m *mockAuth) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// mockMetrics implements driven.Metrics and records totals.
type mockMetrics struct {
	mu       sync.Mutex
	in       int
	out      int
	dropped  map[driven.DropReason]int
	lag      time.Duration
	restarts map[domain.ExitCause]int
	corrupt  int
	forwards int
	cycles   int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		dropped:  make(map[driven.DropReason]int),
		restarts: make(map[domain.ExitCause]int),
	}
}

func (m *mockMetrics) EventsIn(_, _ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in += n
}

func (m *mockMetrics) EventsOut(_, _ string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out += n
}

func (m *mockMetrics) EventsDropped(_, _ string, reason driven.DropReason, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason] += n
}

func (m *mockMetrics) SetLag(_, _ string, lag time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lag = lag
}

func (m *mockMetrics) ObserveFetch(_, _ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
}

func (m *mockMetrics) Cycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

func (m *mockMetrics) ObserveForward(_, _ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards++
}

func (m *mockMetrics) WorkerRestart(_, _ string, cause domain.ExitCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts[cause]++
}

func (m *mockMetrics) CursorCorrupt(_, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt++
}

func (m *mockMetrics) SetWorkerState(_, _ string, _ domain.WorkerState) {}

func (m *mockMetrics) totals() (in, out, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.dropped {
		dropped += n
	}
	return m.in, m.out, dropped
}

// mockFactory implements driven.AdapterFactory, handing out adapters in order.
type mockFactory struct {
	mu       sync.Mutex
	adapters []driven.SourceAdapter
	err      error
	created  int
}

func (f *mockFactory) Create(_ context.Context, _ domain.Stream, _ driven.AdapterDeps) (driven.SourceAdapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	if len(f.adapters) == 0 {
		return newMockAdapter(true), nil
	}
	a := f.adapters[0]
	if len(f.adapters) > 1 {
		f.adapters = f.adapters[1:]
	}
	return a, nil
}

func (f *mockFactory) Register(string, driven.AdapterBuilder) {}

func (f *mockFactory) SupportedKinds() []string { return []string{"mock"} }

func (f *mockFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// --- helpers ---

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func rec(id string, at time.Time) domain.Record {
	return domain.Record{DedupID: id, EventTime: at, Payload: []byte(`{"id":"` + id + `"}`)}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, MaxAttempts: 3}
}

func testStream(id string) domain.Stream {
	s := domain.Stream{
		ID:          id,
		AdapterKind: "mock",
		IntakeKey:   "audit",
		Frequency:   time.Hour,
	}
	s.ApplyDefaults()
	return s
}

func newTestForwarder(intake driven.Intake) *Forwarder {
	return NewForwarder(intake, ForwarderConfig{
		MaxInflight:    4,
		RequestTimeout: time.Second,
		Retry:          fastPolicy(),
	}, zap.NewNop())
}

type workerHarness struct {
	worker  *Worker
	adapter *mockAdapter
	intake  *mockIntake
	store   *mockCursorStore
	metrics *mockMetrics
	auth    *mockAuth

	cancel context.CancelFunc
	done   chan struct{}
	cause  domain.ExitCause
	err    error
}

func newHarness(stream domain.Stream, adapter *mockAdapter, intake *mockIntake, store *mockCursorStore, now time.Time, log *zap.Logger) *workerHarness {
	if log == nil {
		log = zap.NewNop()
	}
	h := &workerHarness{
		adapter: adapter,
		intake:  intake,
		store:   store,
		metrics: newMockMetrics(),
		auth:    &mockAuth{},
	}
	h.worker = NewWorker(stream, adapter, WorkerDeps{
		Store:     store,
		Forwarder: newTestForwarder(intake),
		Auth:      h.auth,
		Metrics:   h.metrics,
		Logger:    log,
	}, WorkerConfig{
		Backoff: retry.Policy{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond},
		Now:     fixedClock(now),
	})
	return h
}

func (h *workerHarness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.cause, h.err = h.worker.Run(ctx)
	}()
}

// waitFetches blocks until the adapter has been called n times.
func (h *workerHarness) waitFetches(n int) bool {
	deadline := time.After(5 * time.Second)
	for len(h.adapter.Calls()) < n {
		select {
		case <-h.adapter.fetched:
		case <-deadline:
			return false
		}
	}
	return true
}

// waitIdle blocks until the worker reports Idle after at least n fetches.
func (h *workerHarness) waitIdle(n int) bool {
	if !h.waitFetches(n) {
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.worker.Snapshot().State == domain.WorkerIdle {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (h *workerHarness) stop() {
	h.cancel()
	<-h.done
}

func (h *workerHarness) wait() bool {
	select {
	case <-h.done:
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

var errUnavailable = errors.New("503 service unavailable")
