// Package objectindex is the indexed-object reference adapter.
//
// The source publishes immutable objects under monotonically increasing
// ids, either through a JSON index served over HTTP or as files in a
// directory. Each Fetch lists the index, takes the objects whose id is
// above the cursor and emits their records object by object. Objects are
// checked against their sha256 when the index carries one, decrypted with
// AES-GCM when a key is configured and gunzipped when compressed.
//
// The last record of every object carries a checkpoint at the object's id,
// so a restart mid-object replays that object in full and nothing before
// it. The directory backend watches the directory and wakes the worker
// as soon as a new object lands.
package objectindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/connectors/vendorhttp"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Kind is the adapter kind.
const Kind = "objectindex"

// Ensure Adapter implements the interfaces.
var (
	_ driven.SourceAdapter = (*Adapter)(nil)
	_ driven.WakeNotifier  = (*Adapter)(nil)
	_ io.Closer            = (*Adapter)(nil)
)

// Adapter fetches one stream's objects.
type Adapter struct {
	cfg     *Config
	backend backend
	watcher *watcher
	logger  *zap.Logger
}

// New builds the adapter for stream. A dir backend with watch enabled
// starts a file watcher that lives until Close.
func New(stream domain.Stream, deps driven.AdapterDeps) (driven.SourceAdapter, error) {
	return newAdapter(stream, deps)
}

func newAdapter(stream domain.Stream, deps driven.AdapterDeps, opts ...vendorhttp.Option) (*Adapter, error) {
	cfg, err := ParseConfig(stream)
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, logger: deps.Logger}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}

	switch cfg.Backend {
	case BackendDir:
		a.backend = &dirBackend{cfg: cfg}
		if cfg.Watch {
			w, err := newWatcher(cfg.Dir, a.logger)
			if err != nil {
				// Polling still works; only the early wake-up is lost.
				a.logger.Warn("watching object dir", zap.String("dir", cfg.Dir), zap.Error(err))
			} else {
				a.watcher = w
			}
		}
	default:
		a.backend = &httpBackend{cfg: cfg, client: vendorhttp.New(stream, deps, opts...)}
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
		SupportsSince: domain.PositionFileID,
		DeclaresMore:  true,
		MaxPage:       a.cfg.MaxObjects,
	}
}

// Wake fires when a new object appears in a watched directory. It returns
// nil when nothing is watched.
func (a *Adapter) Wake() <-chan struct{} {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.wake
}

// Close stops the directory watcher.
func (a *Adapter) Close() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

// Initial starts a new stream before the first object, or after the
// newest one when start is "latest".
func (a *Adapter) Initial(ctx context.Context) (domain.Position, error) {
	if a.cfg.Start != StartLatest {
		return domain.FileIDPosition(0), nil
	}
	objs, err := a.backend.List(ctx)
	if err != nil {
		return domain.Position{}, err
	}
	if len(objs) == 0 {
		return domain.FileIDPosition(0), nil
	}
	return domain.FileIDPosition(objs[len(objs)-1].ID), nil
}

// Fetch lists the index and emits the records of objects after position.
func (a *Adapter) Fetch(ctx context.Context, position domain.Position) (driven.Fetch, error) {
	if position.Kind != domain.PositionFileID {
		return nil, domain.FatalConfig("objectindex fetch", fmt.Errorf("%s: %w", position.Kind, domain.ErrPositionKind))
	}

	objs, err := a.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var pending []object
	for _, obj := range objs {
		if obj.ID > position.FileID {
			pending = append(pending, obj)
		}
	}
	if len(pending) == 0 {
		return driven.EmptyFetch(position, 0), nil
	}

	result := &driven.FetchResult{NextPos: position}
	if len(pending) > a.cfg.MaxObjects {
		pending = pending[:a.cfg.MaxObjects]
		result.HasMore = true
	}
	result.Seq = func(yield func(domain.Record, error) bool) {
		for _, obj := range pending {
			if !a.emitObject(ctx, obj, yield) {
				return
			}
			result.NextPos = domain.FileIDPosition(obj.ID)
		}
	}
	return result, nil
}

// emitObject yields the records of one object. It returns false when
// iteration must stop, either because the consumer asked to or because
// the object failed in a way that must hold the cursor.
func (a *Adapter) emitObject(ctx context.Context, obj object, yield func(domain.Record, error) bool) bool {
	log := a.logger.With(zap.Uint64("object_id", obj.ID), zap.String("object", obj.Name))

	if err := ctx.Err(); err != nil {
		yield(domain.Record{}, err)
		return false
	}

	rs, err := a.backend.Open(ctx, obj)
	if errors.Is(err, errObjectGone) {
		log.Warn("indexed object is gone, skipping")
		return true
	}
	if err != nil {
		yield(domain.Record{}, err)
		return false
	}
	defer rs.Close()

	if err := verify(rs, obj); err != nil {
		yield(domain.Record{}, err)
		return false
	}

	var r io.Reader = rs
	if a.cfg.DecryptKey != nil {
		if r, err = unseal(r, a.cfg.DecryptKey, a.cfg.MaxObjectBytes); err != nil {
			return a.objectFailed(log, err, yield)
		}
	}
	if r, err = decompress(r, a.cfg.Compression, obj.Name); err != nil {
		return a.objectFailed(log, err, yield)
	}

	// The previous record is held back so the last one of the object can
	// carry the checkpoint.
	var (
		held    domain.Record
		holding bool
		index   int
	)
	for raw, err := range a.cfg.rawRecords(r) {
		if err != nil {
			if !a.objectFailed(log, err, yield) {
				return false
			}
			break
		}
		index++
		id, at, err := a.cfg.fields().Extract(raw)
		if err != nil {
			if !yield(domain.Record{}, domain.Malformed("decode record", fmt.Errorf("%s line %d: %w", obj.Name, index, err))) {
				return false
			}
			continue
		}
		if id == "" {
			id = domain.HashDedupID(a.cfg.Category, at, obj.Name, strconv.Itoa(index))
		}
		if holding && !yield(held, nil) {
			return false
		}
		held = domain.Record{DedupID: id, EventTime: at, Payload: raw}
		holding = true
	}

	if holding {
		cp := domain.FileIDPosition(obj.ID)
		held.Checkpoint = &cp
		if !yield(held, nil) {
			return false
		}
	}
	log.Debug("object done", zap.Int("records", index))
	return true
}

// objectFailed reports a failure that damaged one object. A malformed
// object is skipped once counted; anything else stops the fetch.
func (a *Adapter) objectFailed(log *zap.Logger, err error, yield func(domain.Record, error) bool) bool {
	if domain.KindOf(err) != domain.KindMalformed {
		yield(domain.Record{}, err)
		return false
	}
	log.Warn("skipping damaged object", zap.Error(err))
	return yield(domain.Record{}, err)
}
