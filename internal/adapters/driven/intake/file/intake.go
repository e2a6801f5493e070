// Package file writes records to a rotating NDJSON file.
//
// It is the intake for dry runs and for deployments where a log shipper
// tails a local file. Each encoded record is written on its own line and the
// dedup ids are returned as the intake ids.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("intake file closed")

// Config configures the file intake.
type Config struct {
	Path       string `toml:"path" validate:"required"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress"`
}

// WriterFactory creates the underlying writer.
type WriterFactory func(cfg Config) (io.WriteCloser, error)

// Option configures an Intake.
type Option func(*Intake)

// WithWriterFactory sets a custom factory for creating the writer.
func WithWriterFactory(f WriterFactory) Option {
	return func(i *Intake) { i.factory = f }
}

// Intake implements driven.Intake on a rotating file.
type Intake struct {
	factory WriterFactory

	mu     sync.Mutex
	writer io.WriteCloser
}

// Ensure Intake implements the interface.
var _ driven.Intake = (*Intake)(nil)

// New opens the intake file.
func New(cfg Config, opts ...Option) (*Intake, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("intake file path: %w", domain.ErrInvalidInput)
	}
	i := &Intake{
		factory: func(cfg Config) (io.WriteCloser, error) {
			return &lumberjack.Logger{
				Filename:   cfg.Path,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}, nil
		},
	}
	for _, opt := range opts {
		opt(i)
	}

	w, err := i.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening intake file: %w", err)
	}
	i.writer = w
	return i, nil
}

// Push appends the chunk with a single write, so a chunk never straddles
// a rotation.
func (i *Intake) Push(ctx context.Context, _ string, records []domain.EncodedRecord) (driven.IntakeResponse, error) {
	if err := ctx.Err(); err != nil {
		return driven.IntakeResponse{}, domain.Transient("file write", err)
	}

	var buf bytes.Buffer
	ids := make([]string, 0, len(records))
	for _, r := range records {
		buf.Write(bytes.TrimRight(r.Body, "\n"))
		buf.WriteByte('\n')
		ids = append(ids, r.DedupID)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.writer == nil {
		return driven.IntakeResponse{}, domain.PermanentFail("file write", ErrClosed)
	}
	if _, err := i.writer.Write(buf.Bytes()); err != nil {
		return driven.IntakeResponse{}, domain.Transient("file write", err)
	}
	return driven.IntakeResponse{IDs: ids}, nil
}

// Close closes the file.
func (i *Intake) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.writer == nil {
		return nil
	}
	err := i.writer.Close()
	i.writer = nil
	return err
}
