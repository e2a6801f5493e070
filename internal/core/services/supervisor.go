package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
	"github.com/custodia-labs/ingestd/internal/logger"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// Ensure Supervisor implements the interface.
var _ driving.Supervisor = (*Supervisor)(nil)

// DepsFunc returns the shared adapter resources for a stream.
type DepsFunc func(stream domain.Stream) driven.AdapterDeps

// SupervisorConfig wires a supervisor.
type SupervisorConfig struct {
	Settings  domain.EngineSettings
	Streams   []domain.Stream
	Factory   driven.AdapterFactory
	Deps      DepsFunc
	Store     driven.CursorStore
	Runs      driven.RunStore        // optional
	Forwarder *Forwarder
	Metrics   driven.Metrics         // optional
	Exporter  driven.MetricsExporter // optional
	Auth      []driven.AuthProvider  // shared providers refreshed during maintenance
	Backoff   retry.Policy
	Logger    *zap.Logger
	Now       func() time.Time
}

// member tracks one stream's worker across restarts.
type member struct {
	stream domain.Stream

	worker    *Worker
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	running  bool
	wanted   bool
	killed   bool
	restarts int
	lastExit domain.ExitCause
	lastErr  string
}

// Supervisor owns one worker per configured stream. It restarts crashed
// workers, kills hung ones and runs periodic maintenance.
type Supervisor struct {
	cfg     SupervisorConfig
	logger  *zap.Logger
	metrics driven.Metrics

	mu      sync.Mutex
	members map[string]*member
	order   []string
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. Stream ids must be unique.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Factory == nil || cfg.Store == nil || cfg.Forwarder == nil {
		return nil, fmt.Errorf("supervisor requires a factory, a cursor store and a forwarder: %w", domain.ErrInvalidInput)
	}
	cfg.Settings = cfg.Settings.WithDefaults()
	if cfg.Deps == nil {
		cfg.Deps = func(domain.Stream) driven.AdapterDeps { return driven.AdapterDeps{} }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		members: make(map[string]*member, len(cfg.Streams)),
	}
	for _, stream := range cfg.Streams {
		if _, dup := s.members[stream.ID]; dup {
			return nil, fmt.Errorf("stream %q: %w", stream.ID, domain.ErrAlreadyExists)
		}
		stream.ApplyDefaults()
		s.members[stream.ID] = &member{stream: stream, wanted: true}
		s.order = append(s.order, stream.ID)
	}
	return s, nil
}

// Run starts every worker and supervises them until ctx is cancelled.
// On cancellation workers are drained for up to the shutdown grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	for _, id := range s.order {
		s.startLocked(ctx, s.members[id])
	}
	s.mu.Unlock()

	health := time.NewTicker(s.cfg.Settings.HealthInterval)
	defer health.Stop()
	maintenance := time.NewTicker(s.cfg.Settings.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-health.C:
			s.checkHealth(ctx)
		case <-maintenance.C:
			s.maintain(ctx)
		}
	}
}

// Stop intentionally stops one stream. It is not restarted.
func (s *Supervisor) Stop(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[streamID]
	if !ok {
		return fmt.Errorf("stream %q: %w", streamID, domain.ErrNotFound)
	}
	m.wanted = false
	if m.running && m.cancel != nil {
		m.cancel()
	}
	return nil
}

// Status returns a point-in-time view of every stream.
func (s *Supervisor) Status() []driving.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]driving.StreamStatus, 0, len(s.order))
	for _, id := range s.order {
		m := s.members[id]
		st := driving.StreamStatus{
			StreamID:    m.stream.ID,
			AdapterKind: m.stream.AdapterKind,
			State:       domain.WorkerStopped,
			Running:     m.running,
			Restarts:    m.restarts,
			LastExit:    m.lastExit,
			LastError:   m.lastErr,
		}
		if m.worker != nil {
			snap := m.worker.Snapshot()
			st.State = snap.State
			if snap.LastError != nil {
				st.LastError = snap.LastError.Error()
			}
			applyCursor(&st, snap.Cursor)
		}
		out = append(out, st)
	}
	return out
}

// startLocked builds an adapter and launches a worker. A fatal-config
// refusal leaves the stream stopped.
func (s *Supervisor) startLocked(ctx context.Context, m *member) {
	log := s.logger.With(zap.String("stream_id", m.stream.ID), zap.String("adapter_kind", m.stream.AdapterKind))

	deps := s.cfg.Deps(m.stream)
	if deps.Logger == nil {
		deps.Logger = s.logger
	}
	deps.Logger = deps.Logger.With(zap.String("stream_id", m.stream.ID))

	adapter, err := s.cfg.Factory.Create(ctx, m.stream, deps)
	if err != nil {
		if !domain.IsKind(err, domain.KindFatalConfig) {
			err = domain.FatalConfig("create adapter", err)
		}
		logger.Critical(log, "refusing to start worker", zap.Error(err))
		now := s.cfg.Now()
		m.wanted = false
		m.lastExit = domain.ExitFatalConfig
		m.lastErr = err.Error()
		s.recordRun(m.stream.ID, now, now, domain.ExitFatalConfig, err, 0)
		return
	}

	worker := NewWorker(m.stream, adapter, WorkerDeps{
		Store:     s.cfg.Store,
		Forwarder: s.cfg.Forwarder,
		Auth:      deps.Auth,
		Metrics:   s.metrics,
		Logger:    s.logger,
	}, WorkerConfig{
		RecentIDsCapacity: s.cfg.Settings.RecentIDsCapacity,
		RecentIDsTTL:      s.cfg.Settings.RecentIDsTTL,
		Backoff:           s.cfg.Backoff,
		Now:               s.cfg.Now,
	})

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.worker = worker
	m.cancel = cancel
	m.done = done
	m.running = true
	m.killed = false
	m.startedAt = s.cfg.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()

		cause, err := worker.Run(wctx)
		if closer, ok := adapter.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				log.Warn("closing adapter", zap.Error(cerr))
			}
		}
		s.onExit(m, worker, cause, err)
	}()
}

// onExit records a worker's exit. Restarts happen on the next health check.
func (s *Supervisor) onExit(m *member, w *Worker, cause domain.ExitCause, err error) {
	s.mu.Lock()
	if m.killed && cause == domain.ExitCancelled {
		cause = domain.ExitLiveness
		err = errors.New("cycle exceeded liveness deadline")
	}
	m.running = false
	m.lastExit = cause
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	if !cause.Restartable() {
		m.wanted = false
	}
	startedAt := m.startedAt
	s.mu.Unlock()

	var out uint64
	if snap := w.Snapshot(); snap.Cursor != nil {
		out = snap.Cursor.Counters.EventsOut
	}
	s.recordRun(m.stream.ID, startedAt, s.cfg.Now(), cause, err, out)
}

// checkHealth restarts crashed workers and kills workers whose cycle
// exceeded frequency * 10.
func (s *Supervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	for _, id := range s.order {
		m := s.members[id]
		if m.running {
			snap := m.worker.Snapshot()
			busy := snap.State != domain.WorkerIdle && snap.State != domain.WorkerStopped
			if busy && !m.killed && !snap.CycleStartedAt.IsZero() &&
				now.Sub(snap.CycleStartedAt) > m.stream.LivenessDeadline() {
				logger.Critical(s.logger, "worker exceeded liveness deadline, killing",
					zap.String("stream_id", id),
					zap.String("state", snap.State.String()),
					zap.Duration("cycle", now.Sub(snap.CycleStartedAt)))
				m.killed = true
				m.cancel()
			}
			continue
		}
		if !m.wanted || !m.lastExit.Restartable() {
			continue
		}
		// The previous worker must be gone before a new one writes the cursor.
		select {
		case <-m.done:
		default:
			continue
		}
		s.logger.Info("restarting worker",
			zap.String("stream_id", id),
			zap.String("cause", m.lastExit.String()))
		m.restarts++
		s.metrics.WorkerRestart(id, m.stream.AdapterKind, m.lastExit)
		s.startLocked(ctx, m)
	}
}

// maintain compacts dedup caches, refreshes shared credentials, exports
// metrics and prunes run history.
func (s *Supervisor) maintain(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(4)

	s.mu.Lock()
	for _, id := range s.order {
		m := s.members[id]
		if m.running {
			m.worker.RequestCompact()
			continue
		}
		if m.done != nil {
			select {
			case <-m.done:
			default:
				continue
			}
		}
		g.Go(func() error {
			err := s.cfg.Store.Compact(ctx, id, s.cfg.Settings.RecentIDsCapacity, s.cfg.Settings.RecentIDsTTL)
			if err != nil {
				s.logger.Warn("compaction failed", zap.String("stream_id", id), zap.Error(err))
			}
			return nil
		})
	}
	s.mu.Unlock()

	for _, p := range s.cfg.Auth {
		g.Go(func() error {
			if _, err := p.Token(ctx); err != nil {
				s.logger.Warn("refreshing shared credentials failed", zap.String("auth", p.Name()), zap.Error(err))
			}
			return nil
		})
	}
	if s.cfg.Exporter != nil {
		g.Go(func() error {
			if err := s.cfg.Exporter.Export(ctx); err != nil {
				s.logger.Warn("metrics export failed", zap.Error(err))
			}
			return nil
		})
	}
	if s.cfg.Runs != nil {
		g.Go(func() error {
			if err := s.cfg.Runs.PruneRuns(ctx, s.cfg.Settings.RunHistory); err != nil {
				s.logger.Warn("pruning run history failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// shutdown cancels every worker and waits up to the grace period.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	for _, m := range s.members {
		if m.cancel != nil {
			m.cancel()
		}
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("all workers stopped")
	case <-time.After(s.cfg.Settings.ShutdownGrace):
		s.logger.Error("shutdown grace period expired, abandoning workers",
			zap.Duration("grace", s.cfg.Settings.ShutdownGrace))
	}

	if s.cfg.Exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Settings.HealthInterval)
		defer cancel()
		if err := s.cfg.Exporter.Export(ctx); err != nil {
			s.logger.Warn("final metrics export failed", zap.Error(err))
		}
	}
}

func (s *Supervisor) recordRun(streamID string, started, ended time.Time, cause domain.ExitCause, err error, out uint64) {
	if s.cfg.Runs == nil {
		return
	}
	run := &domain.WorkerRun{
		StreamID:  streamID,
		StartedAt: started,
		EndedAt:   ended,
		Cause:     cause,
		EventsOut: out,
	}
	if err != nil {
		run.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := s.cfg.Runs.RecordRun(ctx, run); rerr != nil {
		s.logger.Warn("recording worker run failed", zap.String("stream_id", streamID), zap.Error(rerr))
	}
}

// applyCursor copies persisted progress into a status row.
func applyCursor(st *driving.StreamStatus, c *domain.CursorState) {
	if c == nil {
		return
	}
	st.Position = c.Position
	st.EventsIn = c.Counters.EventsIn
	st.EventsOut = c.Counters.EventsOut
	st.Dropped = c.Counters.EventsDropped
	st.LastSuccess = c.LastSuccessAt
	st.UpdatedAt = c.UpdatedAt
	if st.LastError == "" && c.LastError != nil {
		st.LastError = c.LastError.Message
	}
}

// sortStatuses orders rows by stream id.
func sortStatuses(rows []driving.StreamStatus) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].StreamID < rows[j].StreamID })
}
