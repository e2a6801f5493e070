package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// Forwarder defaults.
const (
	DefaultIntakeTimeout     = 30 * time.Second
	DefaultIntakeMaxAttempts = 6
	DefaultIntakeMaxElapsed  = 5 * time.Minute
)

// ForwarderConfig configures the forwarder.
type ForwarderConfig struct {
	// MaxInflight caps outstanding intake requests across all workers.
	MaxInflight int

	// RequestTimeout bounds a single intake request.
	RequestTimeout time.Duration

	// Retry is the policy applied to transient intake failures.
	Retry retry.Policy
}

// DefaultForwarderConfig returns the defaults used when a field is unset.
func DefaultForwarderConfig() ForwarderConfig {
	p := retry.DefaultPolicy()
	p.MaxAttempts = DefaultIntakeMaxAttempts
	p.MaxElapsed = DefaultIntakeMaxElapsed
	return ForwarderConfig{
		MaxInflight:    domain.DefaultMaxInflightIntake,
		RequestTimeout: DefaultIntakeTimeout,
		Retry:          p,
	}
}

// Forwarder ships batches to the intake. One forwarder is shared by every
// worker; its semaphore is the process-wide cap on intake requests.
type Forwarder struct {
	intake driven.Intake
	sem    *semaphore.Weighted
	cfg    ForwarderConfig
	logger *zap.Logger
}

// NewForwarder creates a forwarder over intake.
func NewForwarder(intake driven.Intake, cfg ForwarderConfig, logger *zap.Logger) *Forwarder {
	def := DefaultForwarderConfig()
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = def.MaxInflight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.MaxElapsed == 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
		cfg.Retry.MaxElapsed = def.Retry.MaxElapsed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		intake: intake,
		sem:    semaphore.NewWeighted(int64(cfg.MaxInflight)),
		cfg:    cfg,
		logger: logger,
	}
}

// PushOptions tune one Push call.
type PushOptions struct {
	// ChunkSize caps the records per intake request.
	ChunkSize int

	// Encoder overrides the default record encoding.
	Encoder driven.RecordEncoder
}

// envelope is the default intake encoding of a record.
type envelope struct {
	StreamID  string          `json:"stream_id"`
	DedupID   string          `json:"dedup_id"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeRecord serialises record in the default UTF-8 JSON envelope.
func EncodeRecord(streamID string, record domain.Record) ([]byte, error) {
	return json.Marshal(envelope{
		StreamID:  streamID,
		DedupID:   record.DedupID,
		EventTime: record.EventTime.UTC(),
		Payload:   record.Payload,
	})
}

// Push encodes the batch, splits it into chunks and submits them in order.
// The batch is all or nothing: the returned ack is ok only when every chunk
// was accepted. A non-ok ack is paired with the classified error.
func (f *Forwarder) Push(ctx context.Context, batch *domain.Batch, opts PushOptions) (domain.IntakeAck, error) {
	ack := domain.IntakeAck{Outcome: domain.OutcomeOK}
	if batch == nil || batch.Len() == 0 {
		return ack, nil
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = domain.DefaultIntakeChunkSize
	}

	encoded := make([]domain.EncodedRecord, 0, batch.Len())
	for _, rec := range batch.Records {
		body, err := f.encode(batch.StreamID, rec, opts.Encoder)
		if err != nil {
			f.logger.Warn("dropping record that cannot be encoded",
				zap.String("stream_id", batch.StreamID),
				zap.String("dedup_id", rec.DedupID),
				zap.Error(err))
			ack.Skipped = append(ack.Skipped, rec.DedupID)
			continue
		}
		encoded = append(encoded, domain.EncodedRecord{DedupID: rec.DedupID, Body: body})
	}

	for start := 0; start < len(encoded); start += chunkSize {
		end := min(start+chunkSize, len(encoded))
		resp, err := f.pushChunk(ctx, batch, encoded[start:end])
		if err != nil {
			ack.Outcome = domain.OutcomeTransientFail
			if domain.KindOf(err) == domain.KindPermanent {
				ack.Outcome = domain.OutcomePermanentFail
			}
			return ack, err
		}
		ack.Count += end - start
		ack.IDs = append(ack.IDs, resp.IDs...)

		// The intake may ask for a pause even on success.
		if resp.RetryAfter > 0 && end < len(encoded) {
			if err := retry.Sleep(ctx, resp.RetryAfter); err != nil {
				ack.Outcome = domain.OutcomeTransientFail
				return ack, domain.Transient("forward", err)
			}
		}
	}
	return ack, nil
}

func (f *Forwarder) encode(streamID string, rec domain.Record, enc driven.RecordEncoder) ([]byte, error) {
	if enc != nil {
		return enc.EncodeRecord(streamID, rec)
	}
	return EncodeRecord(streamID, rec)
}

func (f *Forwarder) pushChunk(ctx context.Context, batch *domain.Batch, chunk []domain.EncodedRecord) (driven.IntakeResponse, error) {
	var resp driven.IntakeResponse
	op := func(ctx context.Context) error {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return domain.Transient("acquire intake slot", err)
		}
		defer f.sem.Release(1)

		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()

		r, err := f.intake.Push(reqCtx, batch.IntakeKey, chunk)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration, attempt int) {
		f.logger.Warn("intake push failed, retrying",
			zap.String("stream_id", batch.StreamID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := retry.Do(ctx, f.cfg.Retry, retry.ByKind, op, notify); err != nil {
		return driven.IntakeResponse{}, fmt.Errorf("push %d records to %q: %w", len(chunk), batch.IntakeKey, err)
	}
	return resp, nil
}
