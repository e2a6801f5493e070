package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
)

// mockRunStore implements driven.RunStore.
type mockRunStore struct {
	mu     sync.Mutex
	runs   []domain.WorkerRun
	pruned int
}

func (m *mockRunStore) RecordRun(_ context.Context, run *domain.WorkerRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *mockRunStore) ListRuns(_ context.Context, streamID string, limit int) ([]domain.WorkerRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkerRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if streamID == "" || m.runs[i].StreamID == streamID {
			out = append(out, m.runs[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRunStore) PruneRuns(_ context.Context, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned++
	return nil
}

func (m *mockRunStore) Causes() []domain.ExitCause {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ExitCause, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Cause)
	}
	return out
}

// mockExporter implements driven.MetricsExporter.
type mockExporter struct {
	mu    sync.Mutex
	calls int
}

func (m *mockExporter) Export(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func (m *mockExporter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type supervisorHarness struct {
	sup     *Supervisor
	factory *mockFactory
	store   *mockCursorStore
	runs    *mockRunStore
	metrics *mockMetrics
	cancel  context.CancelFunc
	errCh   chan error
}

func newSupervisorHarness(t *testing.T, streams []domain.Stream, factory *mockFactory, mutate func(*SupervisorConfig)) *supervisorHarness {
	t.Helper()
	h := &supervisorHarness{
		factory: factory,
		store:   newMockCursorStore(),
		runs:    &mockRunStore{},
		metrics: newMockMetrics(),
	}
	cfg := SupervisorConfig{
		Settings: domain.EngineSettings{
			HealthInterval:      5 * time.Millisecond,
			MaintenanceInterval: time.Hour,
			ShutdownGrace:       2 * time.Second,
		},
		Streams:   streams,
		Factory:   factory,
		Store:     h.store,
		Runs:      h.runs,
		Forwarder: newTestForwarder(&mockIntake{}),
		Metrics:   h.metrics,
		Backoff:   fastPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)
	h.sup = sup
	return h
}

func (h *supervisorHarness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.errCh = make(chan error, 1)
	go func() { h.errCh <- h.sup.Run(ctx) }()
}

func (h *supervisorHarness) shutdown(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func (h *supervisorHarness) status(id string) driving.StreamStatus {
	for _, st := range h.sup.Status() {
		if st.StreamID == id {
			return st
		}
	}
	return driving.StreamStatus{}
}

func TestNewSupervisor_RejectsDuplicateStreams(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{
		Streams:   []domain.Stream{testStream("s"), testStream("s")},
		Factory:   &mockFactory{},
		Store:     newMockCursorStore(),
		Forwarder: newTestForwarder(&mockIntake{}),
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = NewSupervisor(SupervisorConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSupervisor_RestartsCrashedWorker(t *testing.T) {
	crashing := newMockAdapter(true, fetchStep{panic: true})
	crashing.initial = domain.TimestampPosition(baseTime)
	healthy := newMockAdapter(true)
	healthy.initial = domain.TimestampPosition(baseTime)
	factory := &mockFactory{adapters: []driven.SourceAdapter{crashing, healthy}}

	h := newSupervisorHarness(t, []domain.Stream{testStream("s")}, factory, nil)
	h.run()

	require.Eventually(t, func() bool {
		st := h.status("s")
		return st.Running && st.Restarts == 1
	}, 5*time.Second, time.Millisecond)
	h.shutdown(t)

	assert.Equal(t, 2, factory.Created())
	assert.Equal(t, 1, h.metrics.restarts[domain.ExitCrash])
	assert.Equal(t, []domain.ExitCause{domain.ExitCrash, domain.ExitCancelled}, h.runs.Causes())

	crashing.mu.Lock()
	assert.True(t, crashing.closed)
	crashing.mu.Unlock()
}

func TestSupervisor_DoesNotRestartFatalAuth(t *testing.T) {
	adapter := newMockAdapter(true, fetchStep{err: domain.AuthRejected("list events", nil)})
	adapter.initial = domain.TimestampPosition(baseTime)
	factory := &mockFactory{adapters: []driven.SourceAdapter{adapter}}

	h := newSupervisorHarness(t, []domain.Stream{testStream("s")}, factory, nil)
	h.run()

	require.Eventually(t, func() bool {
		return h.status("s").LastExit == domain.ExitFatalAuth
	}, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	h.shutdown(t)

	st := h.status("s")
	assert.False(t, st.Running)
	assert.Zero(t, st.Restarts)
	assert.Equal(t, 1, factory.Created())
	assert.Empty(t, h.metrics.restarts)
}

func TestSupervisor_RefusesFatalConfig(t *testing.T) {
	factory := &mockFactory{err: domain.FatalConfig("build adapter", errors.New("missing url"))}

	h := newSupervisorHarness(t, []domain.Stream{testStream("s")}, factory, nil)
	h.run()

	require.Eventually(t, func() bool {
		return h.status("s").LastExit == domain.ExitFatalConfig
	}, 5*time.Second, time.Millisecond)
	h.shutdown(t)

	st := h.status("s")
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "missing url")
	assert.Equal(t, []domain.ExitCause{domain.ExitFatalConfig}, h.runs.Causes())
}

func TestSupervisor_KillsHungWorker(t *testing.T) {
	hung := newMockAdapter(true, fetchStep{block: true})
	hung.initial = domain.TimestampPosition(baseTime)
	factory := &mockFactory{adapters: []driven.SourceAdapter{hung}}

	stream := testStream("s")
	stream.Frequency = time.Millisecond

	h := newSupervisorHarness(t, []domain.Stream{stream}, factory, nil)
	h.run()

	require.Eventually(t, func() bool {
		h.metrics.mu.Lock()
		defer h.metrics.mu.Unlock()
		return h.metrics.restarts[domain.ExitLiveness] >= 1
	}, 5*time.Second, time.Millisecond)
	h.shutdown(t)

	assert.Contains(t, h.runs.Causes(), domain.ExitLiveness)
}

func TestSupervisor_StopIsIntentional(t *testing.T) {
	adapter := newMockAdapter(true)
	adapter.initial = domain.TimestampPosition(baseTime)
	factory := &mockFactory{adapters: []driven.SourceAdapter{adapter}}

	h := newSupervisorHarness(t, []domain.Stream{testStream("s")}, factory, nil)
	h.run()
	require.Eventually(t, func() bool { return h.status("s").Running }, 5*time.Second, time.Millisecond)

	require.NoError(t, h.sup.Stop("s"))
	require.Eventually(t, func() bool { return !h.status("s").Running }, 5*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	st := h.status("s")
	assert.False(t, st.Running)
	assert.Equal(t, domain.ExitCancelled, st.LastExit)
	assert.Equal(t, 1, factory.Created())

	assert.ErrorIs(t, h.sup.Stop("missing"), domain.ErrNotFound)
	h.shutdown(t)
}

func TestSupervisor_Maintenance(t *testing.T) {
	adapter := newMockAdapter(true)
	adapter.initial = domain.TimestampPosition(baseTime)
	factory := &mockFactory{adapters: []driven.SourceAdapter{adapter}}
	auth := &mockAuth{}
	exporter := &mockExporter{}

	h := newSupervisorHarness(t, []domain.Stream{testStream("s")}, factory, func(cfg *SupervisorConfig) {
		cfg.Settings.MaintenanceInterval = 10 * time.Millisecond
		cfg.Auth = []driven.AuthProvider{auth}
		cfg.Exporter = exporter
	})
	h.run()

	require.Eventually(t, func() bool {
		auth.mu.Lock()
		defer auth.mu.Unlock()
		return auth.tokens > 0 && exporter.Calls() > 0
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, h.sup.Stop("s"))
	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.compacted) > 0
	}, 5*time.Second, time.Millisecond)

	before := exporter.Calls()
	h.shutdown(t)

	assert.Greater(t, exporter.Calls(), before)
	h.runs.mu.Lock()
	assert.Positive(t, h.runs.pruned)
	h.runs.mu.Unlock()
}

func TestSupervisor_StatusReportsProgress(t *testing.T) {
	T := baseTime
	adapter := newMockAdapter(true, fetchStep{
		items: recs(rec("a", T), rec("b", T.Add(time.Second))),
		next:  domain.TimestampPosition(T.Add(time.Second + time.Microsecond)),
	})
	adapter.initial = domain.TimestampPosition(T)
	factory := &mockFactory{adapters: []driven.SourceAdapter{adapter}}

	h := newSupervisorHarness(t, []domain.Stream{testStream("s")}, factory, nil)
	h.run()
	require.Eventually(t, func() bool {
		return h.status("s").EventsOut == 2
	}, 5*time.Second, time.Millisecond)
	h.shutdown(t)

	st := h.status("s")
	assert.Equal(t, "mock", st.AdapterKind)
	assert.True(t, st.Position.Equal(domain.TimestampPosition(T.Add(time.Second+time.Microsecond))))
	assert.Equal(t, domain.WorkerStopped, st.State)
}
