package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/logger"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// WorkerDeps are the collaborators of a worker.
type WorkerDeps struct {
	Store     driven.CursorStore
	Forwarder *Forwarder
	Auth      driven.AuthProvider
	Metrics   driven.Metrics
	Logger    *zap.Logger
}

// WorkerConfig tunes a worker.
type WorkerConfig struct {
	// RecentIDsCapacity is the dedup cache size.
	RecentIDsCapacity int

	// RecentIDsTTL drops dedup entries older than this on compaction.
	RecentIDsTTL time.Duration

	// Backoff paces cycles after a failure. Attempt and elapsed caps are
	// ignored: a worker retries until it is stopped.
	Backoff retry.Policy

	// DrainTimeout bounds an in-flight forward once the worker is cancelled.
	DrainTimeout time.Duration

	// Now returns the current time.
	Now func() time.Time
}

// WorkerSnapshot is an observer's view of a worker.
type WorkerSnapshot struct {
	State          domain.WorkerState
	CycleStartedAt time.Time
	Cursor         *domain.CursorState
	LastError      error
}

// Worker drives one adapter for one stream: fetch, dedup, forward, commit.
// The worker is the sole writer of its stream's cursor.
type Worker struct {
	stream    domain.Stream
	adapter   driven.SourceAdapter
	store     driven.CursorStore
	forwarder *Forwarder
	auth      driven.AuthProvider
	metrics   driven.Metrics
	logger    *zap.Logger
	cfg       WorkerConfig

	encoder   driven.RecordEncoder
	wake      <-chan struct{}
	compactCh chan struct{}

	// Owned by the Run goroutine.
	cursor  *domain.CursorState
	unsaved domain.Counters
	dirty   bool

	mu         sync.RWMutex
	state      domain.WorkerState
	cycleStart time.Time
	view       *domain.CursorState
	lastErr    error
}

// NewWorker creates a worker for stream.
func NewWorker(stream domain.Stream, adapter driven.SourceAdapter, deps WorkerDeps, cfg WorkerConfig) *Worker {
	stream.ApplyDefaults()
	if cfg.RecentIDsCapacity <= 0 {
		cfg.RecentIDsCapacity = domain.DefaultRecentIDsCapacity
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.DefaultPolicy()
	}
	cfg.Backoff.MaxAttempts = 0
	cfg.Backoff.MaxElapsed = 0
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultIntakeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	w := &Worker{
		stream:    stream,
		adapter:   adapter,
		store:     deps.Store,
		forwarder: deps.Forwarder,
		auth:      deps.Auth,
		metrics:   deps.Metrics,
		logger: deps.Logger.With(
			zap.String("stream_id", stream.ID),
			zap.String("adapter_kind", stream.AdapterKind),
		),
		cfg:       cfg,
		compactCh: make(chan struct{}, 1),
		state:     domain.WorkerIdle,
	}
	if enc, ok := adapter.(driven.RecordEncoder); ok {
		w.encoder = enc
	}
	if wn, ok := adapter.(driven.WakeNotifier); ok {
		w.wake = wn.Wake()
	}
	return w
}

// Stream returns the worker's stream configuration.
func (w *Worker) Stream() domain.Stream {
	return w.stream
}

// Snapshot returns the worker's current state and last committed cursor.
func (w *Worker) Snapshot() WorkerSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerSnapshot{
		State:          w.state,
		CycleStartedAt: w.cycleStart,
		Cursor:         w.view.Clone(),
		LastError:      w.lastErr,
	}
}

// RequestCompact asks the worker to compact its dedup cache at its next
// idle point. Returns false if a request is already pending.
func (w *Worker) RequestCompact() bool {
	select {
	case w.compactCh <- struct{}{}:
		return true
	default:
		return false
	}
}

type cycleResult struct {
	elapsed time.Duration
	more    bool
	wait    time.Duration
}

// Run executes the fetch loop until ctx is cancelled or a fatal error stops
// the stream. The exit cause tells the supervisor whether to restart.
func (w *Worker) Run(ctx context.Context) (cause domain.ExitCause, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause = domain.ExitCrash
			err = fmt.Errorf("worker panic: %v", r)
			logger.Critical(w.logger, "worker panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		w.setState(domain.WorkerStopped)
	}()

	if err := w.load(ctx); err != nil {
		return w.exit(ctx, err)
	}
	w.logger.Info("worker started", zap.Stringer("position", w.cursor.Position))

	bo := w.cfg.Backoff.NewBackOff()
	for {
		if ctx.Err() != nil {
			return w.exit(ctx, nil)
		}

		res, err := w.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.exit(ctx, nil)
			}
			kind := domain.KindOf(err)
			if kind.Fatal() {
				return w.exit(ctx, err)
			}
			if kind == domain.KindEmpty {
				w.logger.Debug("source not ready", zap.Error(err))
				if !w.idle(ctx, w.sleepFor(res), true) {
					return w.exit(ctx, nil)
				}
				continue
			}

			wait := bo.NextBackOff()
			if wait < 0 {
				wait = w.cfg.Backoff.Max
			}
			if hint := domain.WaitHintOf(err); hint > wait {
				wait = hint
			}
			w.recordFailure(ctx, err, wait)
			if !w.idle(ctx, wait, false) {
				return w.exit(ctx, nil)
			}
			continue
		}

		bo.Reset()
		w.setLastErr(nil)
		if !w.idle(ctx, w.sleepFor(res), res.wait == 0) {
			return w.exit(ctx, nil)
		}
	}
}

// sleepFor returns max(0, frequency - elapsed), stretched to the wait hint.
// A cycle cut short by the page cap resumes immediately.
func (w *Worker) sleepFor(res cycleResult) time.Duration {
	wait := w.stream.Frequency - res.elapsed
	if res.more {
		wait = 0
	}
	if res.wait > wait {
		wait = res.wait
	}
	return max(wait, 0)
}

func (w *Worker) load(ctx context.Context) error {
	policy := w.cfg.Backoff
	op := func(ctx context.Context) error {
		state, err := w.store.Load(ctx, w.stream.ID)
		if err != nil && errors.Is(err, domain.ErrCursorCorrupt) && state != nil {
			logger.Critical(w.logger, "cursor state corrupt, continuing from empty state", zap.Error(err))
			w.metrics.CursorCorrupt(w.stream.ID, w.stream.AdapterKind)
			state.RecordError(err, w.cfg.Now())
			w.dirty = true
			err = nil
		}
		if err != nil {
			return domain.Transient("load cursor", err)
		}
		if state == nil {
			state = domain.NewCursorState(w.stream.ID, w.cfg.RecentIDsCapacity)
		}
		state.EnsureRecentIDs(w.cfg.RecentIDsCapacity)
		w.cursor = state
		return nil
	}
	notify := func(err error, wait time.Duration, attempt int) {
		w.logger.Warn("cursor load failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := retry.Do(ctx, policy, retry.ByKind, op, notify); err != nil {
		return err
	}
	w.publish(w.cursor)
	if w.dirty {
		w.persist(ctx)
	}
	return nil
}

// cycle runs consecutive fetches while the adapter declares more data, up
// to max_pages_per_cycle. Every fetch ends with a forward and a snapshot.
func (w *Worker) cycle(ctx context.Context) (cycleResult, error) {
	start := w.cfg.Now()
	w.beginCycle(start)
	defer func() {
		w.metrics.ObserveFetch(w.stream.ID, w.stream.AdapterKind, w.cfg.Now().Sub(start))
	}()

	var res cycleResult
	for page := 1; ; page++ {
		out, err := w.fetchWithAuth(ctx)
		if err != nil {
			res.wait = domain.WaitHintOf(err)
			return res, err
		}
		res.more, res.wait = out.more, out.wait
		if !out.more || out.wait > 0 || page >= w.stream.MaxPagesPerCycle || ctx.Err() != nil {
			break
		}
	}
	res.elapsed = w.cfg.Now().Sub(start)
	return res, nil
}

type fetchOutcome struct {
	more bool
	wait time.Duration
}

// fetchWithAuth refreshes credentials once when the vendor rejects them.
// A second rejection stops the stream.
func (w *Worker) fetchWithAuth(ctx context.Context) (fetchOutcome, error) {
	out, err := w.fetchOnce(ctx)
	if !domain.IsKind(err, domain.KindAuth) {
		return out, err
	}
	if w.auth == nil {
		return out, domain.FatalAuth("fetch", err)
	}

	w.logger.Info("credentials rejected, refreshing", zap.String("auth", w.auth.Name()))
	if _, rerr := w.auth.Refresh(ctx); rerr != nil {
		// An unreachable token endpoint is retried with the cursor held.
		if domain.KindOf(rerr).Retryable() {
			return out, rerr
		}
		return out, domain.FatalAuth("refresh credentials", errors.Join(err, rerr))
	}
	out, err = w.fetchOnce(ctx)
	if domain.IsKind(err, domain.KindAuth) {
		return out, domain.FatalAuth("fetch after refresh", err)
	}
	return out, err
}

func (w *Worker) fetchOnce(ctx context.Context) (fetchOutcome, error) {
	w.setState(domain.WorkerFetching)

	pos, err := w.startPosition(ctx)
	if err != nil {
		return fetchOutcome{}, err
	}

	f, err := w.adapter.Fetch(ctx, pos)
	if err != nil {
		return fetchOutcome{}, err
	}
	w.unsaved.Pages++

	ordered := w.adapter.Capabilities().Ordered
	chunk := w.stream.ChunkSize
	var pending []domain.Record
	var iterErr error
	for rec, err := range f.Records() {
		if err != nil {
			if domain.IsKind(err, domain.KindMalformed) {
				w.dropMalformed(err)
				continue
			}
			iterErr = err
			break
		}
		pending = append(pending, rec)

		// Ordered sources flush as they go; a checkpoint inside the chunk
		// lets the cursor advance before the fetch is drained.
		if ordered && len(pending) >= chunk {
			if err := w.flush(ctx, pending, lastCheckpoint(pending)); err != nil {
				iterErr = err
				break
			}
			pending = nil
			w.setState(domain.WorkerFetching)
		}
		if ctx.Err() != nil {
			iterErr = ctx.Err()
			break
		}
	}
	if iterErr != nil {
		return fetchOutcome{}, iterErr
	}

	if !ordered {
		domain.SortRecords(pending)
	}
	next := f.Next()
	for len(pending) > chunk {
		if err := w.flush(ctx, pending[:chunk], nil); err != nil {
			return fetchOutcome{}, err
		}
		pending = pending[chunk:]
	}
	if err := w.flush(ctx, pending, &next); err != nil {
		return fetchOutcome{}, err
	}
	return fetchOutcome{more: f.More(), wait: f.WaitHint()}, nil
}

// startPosition returns the position to fetch from, asking the adapter for
// an initial one on a fresh stream and fast-forwarding stale timestamps.
func (w *Worker) startPosition(ctx context.Context) (domain.Position, error) {
	if w.cursor.Position.IsZero() {
		pos, err := w.adapter.Initial(ctx)
		if err != nil {
			return domain.Position{}, err
		}
		w.cursor.Position = pos
		w.dirty = true
	}

	pos := w.cursor.Position
	if pos.Kind == domain.PositionTimestamp && w.stream.IgnoreOlderThan > 0 {
		floor := w.cfg.Now().Add(-w.stream.IgnoreOlderThan).UTC()
		if pos.Timestamp.Before(floor) {
			w.logger.Warn("cursor older than ignore_older_than, fast-forwarding",
				zap.Time("from", pos.Timestamp),
				zap.Time("to", floor),
				zap.Duration("ignore_older_than", w.stream.IgnoreOlderThan))
			w.cursor.Position = domain.TimestampPosition(floor)
			w.dirty = true
		}
	}
	return w.cursor.Position, nil
}

func (w *Worker) dropMalformed(err error) {
	w.logger.Warn("dropping malformed record", zap.Error(err))
	w.metrics.EventsIn(w.stream.ID, w.stream.AdapterKind, 1)
	w.metrics.EventsDropped(w.stream.ID, w.stream.AdapterKind, driven.DropMalformed, 1)
	w.unsaved.EventsIn++
	w.unsaved.EventsDropped++
}

// flush filters records against the dedup cache, forwards the survivors
// and commits. pos, when set, becomes the new position on success.
func (w *Worker) flush(ctx context.Context, records []domain.Record, pos *domain.Position) error {
	now := w.cfg.Now()
	if n := len(records); n > 0 {
		w.metrics.EventsIn(w.stream.ID, w.stream.AdapterKind, n)
		w.unsaved.EventsIn += uint64(n)
	}

	fresh := make([]domain.Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	dups := 0
	for _, rec := range records {
		if _, ok := seen[rec.DedupID]; ok || w.cursor.RecentIDs.Contains(rec.DedupID) {
			dups++
			continue
		}
		seen[rec.DedupID] = struct{}{}
		fresh = append(fresh, rec)
	}
	if dups > 0 {
		w.metrics.EventsDropped(w.stream.ID, w.stream.AdapterKind, driven.DropDuplicate, dups)
		w.unsaved.EventsDropped += uint64(dups)
	}

	var ack domain.IntakeAck
	var batch *domain.Batch
	if len(fresh) > 0 {
		w.setState(domain.WorkerForwarding)
		batch = domain.NewBatch(w.stream.ID, w.stream.IntakeKey, fresh)

		fctx, cancel := w.forwardContext(ctx)
		started := w.cfg.Now()
		var err error
		ack, err = w.forwarder.Push(fctx, batch, PushOptions{
			ChunkSize: w.stream.IntakeChunkSize,
			Encoder:   w.encoder,
		})
		cancel()
		w.metrics.ObserveForward(w.stream.ID, w.stream.AdapterKind, w.cfg.Now().Sub(started))
		if err != nil {
			return err
		}
		if !ack.OK() {
			return domain.Transient("forward", fmt.Errorf("intake outcome %s", ack.Outcome))
		}
		if n := len(ack.Skipped); n > 0 {
			w.metrics.EventsDropped(w.stream.ID, w.stream.AdapterKind, driven.DropMalformed, n)
			w.unsaved.EventsDropped += uint64(n)
		}
	}

	w.setState(domain.WorkerCommitting)
	next := w.cursor.Clone()
	skipped := make(map[string]struct{}, len(ack.Skipped))
	for _, id := range ack.Skipped {
		skipped[id] = struct{}{}
	}
	for _, rec := range fresh {
		if _, ok := skipped[rec.DedupID]; !ok {
			next.RecentIDs.Add(rec.DedupID, now)
		}
	}

	if pos != nil && !pos.IsZero() && !pos.Equal(next.Position) {
		if pos.Before(next.Position) {
			w.logger.Warn("adapter returned a position behind the cursor, keeping cursor",
				zap.Stringer("cursor", next.Position),
				zap.Stringer("returned", *pos))
		} else {
			next.Position = *pos
			w.dirty = true
		}
	}

	// Nothing worth a write: pages alone do not justify a snapshot.
	pending := w.unsaved
	pending.Pages = 0
	if len(fresh) == 0 && !w.dirty && pending == (domain.Counters{}) {
		return nil
	}

	next.Counters.EventsIn += w.unsaved.EventsIn
	next.Counters.EventsOut += uint64(ack.Count)
	next.Counters.EventsDropped += w.unsaved.EventsDropped
	next.Counters.Pages += w.unsaved.Pages
	next.Counters.Retries += w.unsaved.Retries
	if len(fresh) > 0 {
		next.LastSuccessAt = now.UTC()
	}
	next.LastError = nil

	// A forwarded batch is committed even when the worker is being
	// cancelled, otherwise it would be replayed on restart.
	if err := w.store.Snapshot(context.WithoutCancel(ctx), next); err != nil {
		return domain.Transient("snapshot cursor", err)
	}
	w.cursor = next
	w.unsaved = domain.Counters{}
	w.dirty = false
	w.publish(next)

	if batch != nil {
		w.metrics.EventsOut(w.stream.ID, w.stream.AdapterKind, ack.Count)
		w.metrics.SetLag(w.stream.ID, w.stream.AdapterKind, now.Sub(batch.Latest))
	}
	return nil
}

// forwardContext detaches the forward from cancellation of ctx, then cuts
// it off DrainTimeout after ctx is done.
func (w *Worker) forwardContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(w.cfg.DrainTimeout, cancel)
	})
	return fctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

// idle sleeps between cycles. Compaction requests are served while idle.
// Returns false when ctx is done.
func (w *Worker) idle(ctx context.Context, d time.Duration, wakeable bool) bool {
	w.setState(domain.WorkerIdle)
	timer := time.NewTimer(d)
	defer timer.Stop()

	wake := w.wake
	if !wakeable {
		wake = nil
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-wake:
			w.logger.Debug("woken by adapter")
			return true
		case <-w.compactCh:
			w.compact(ctx)
		}
	}
}

func (w *Worker) compact(ctx context.Context) {
	next := w.cursor.Clone()
	removed := next.Compact(w.cfg.RecentIDsCapacity, w.cfg.RecentIDsTTL, w.cfg.Now())
	if removed == 0 {
		return
	}
	if err := w.store.Snapshot(ctx, next); err != nil {
		w.logger.Warn("snapshot after compaction failed", zap.Error(err))
		return
	}
	w.cursor = next
	w.publish(next)
	w.logger.Debug("compacted recent ids", zap.Int("removed", removed))
}

func (w *Worker) recordFailure(ctx context.Context, err error, wait time.Duration) {
	w.logger.Warn("cycle failed, backing off",
		zap.String("kind", domain.KindOf(err).String()),
		zap.Duration("wait", wait),
		zap.Error(err))
	w.setLastErr(err)
	w.unsaved.Retries++
	w.cursor.RecordError(err, w.cfg.Now())
	w.dirty = true
	w.persist(ctx)
}

// persist snapshots the committed cursor together with bookkeeping that
// does not move the position, such as the last error.
func (w *Worker) persist(ctx context.Context) {
	next := w.cursor.Clone()
	next.Counters.EventsIn += w.unsaved.EventsIn
	next.Counters.EventsDropped += w.unsaved.EventsDropped
	next.Counters.Pages += w.unsaved.Pages
	next.Counters.Retries += w.unsaved.Retries
	if err := w.store.Snapshot(context.WithoutCancel(ctx), next); err != nil {
		w.logger.Warn("snapshot failed", zap.Error(err))
		return
	}
	w.cursor = next
	w.unsaved = domain.Counters{}
	w.dirty = false
	w.publish(next)
}

// exit records why the loop ended. A nil err is an orderly stop.
func (w *Worker) exit(ctx context.Context, err error) (domain.ExitCause, error) {
	if err == nil || !domain.KindOf(err).Fatal() {
		if w.cursor != nil && w.dirty {
			w.persist(ctx)
		}
		w.logger.Info("worker stopped")
		return domain.ExitCancelled, nil
	}

	cause := domain.ExitCauseFor(domain.KindOf(err))
	logger.Critical(w.logger, "stream stopped", zap.String("cause", cause.String()), zap.Error(err))
	w.setLastErr(err)
	if w.cursor != nil {
		w.cursor.RecordError(err, w.cfg.Now())
		w.dirty = true
		w.persist(ctx)
	}
	return cause, err
}

func (w *Worker) setState(next domain.WorkerState) {
	w.mu.Lock()
	prev := w.state
	if prev == next {
		w.mu.Unlock()
		return
	}
	w.state = next
	w.mu.Unlock()

	if !prev.CanTransition(next) {
		w.logger.Error("unexpected worker state transition",
			zap.String("from", prev.String()),
			zap.String("to", next.String()))
	}
	w.metrics.SetWorkerState(w.stream.ID, w.stream.AdapterKind, next)
}

func (w *Worker) beginCycle(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cycleStart = at
}

func (w *Worker) publish(state *domain.CursorState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.view = state.Clone()
}

func (w *Worker) setLastErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
}

// lastCheckpoint returns the last checkpoint among records, or nil.
func lastCheckpoint(records []domain.Record) *domain.Position {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Checkpoint != nil {
			cp := *records[i].Checkpoint
			return &cp
		}
	}
	return nil
}

// nopMetrics discards everything.
type nopMetrics struct{}

func (nopMetrics) EventsIn(string, string, int) {}
func (nopMetrics) EventsOut(string, string, int) {}
func (nopMetrics) EventsDropped(string, string, driven.DropReason, int) {}
func (nopMetrics) SetLag(string, string, time.Duration) {}
func (nopMetrics) ObserveFetch(string, string, time.Duration) {}
func (nopMetrics) ObserveForward(string, string, time.Duration) {}
func (nopMetrics) WorkerRestart(string, string, domain.ExitCause) {}
func (nopMetrics) CursorCorrupt(string, string) {}
func (nopMetrics) SetWorkerState(string, string, domain.WorkerState) {}
