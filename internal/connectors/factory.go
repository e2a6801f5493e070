package connectors

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/custodia-labs/ingestd/internal/connectors/github"
	"github.com/custodia-labs/ingestd/internal/connectors/googleworkspace"
	"github.com/custodia-labs/ingestd/internal/connectors/objectindex"
	"github.com/custodia-labs/ingestd/internal/connectors/timewindow"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Ensure Factory implements the interface.
var _ driven.AdapterFactory = (*Factory)(nil)

// Factory maps adapter kinds to their builders.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]driven.AdapterBuilder
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		builders: make(map[string]driven.AdapterBuilder),
	}
}

// NewDefaultFactory creates a factory with every built-in kind registered.
func NewDefaultFactory() *Factory {
	f := NewFactory()
	f.Register(timewindow.Kind, timewindow.New)
	f.Register(objectindex.Kind, objectindex.New)
	f.Register(github.Kind, github.New)
	f.Register(googleworkspace.Kind, googleworkspace.New)
	return f
}

// Register adds a builder. A later registration of the same kind wins.
func (f *Factory) Register(kind string, builder driven.AdapterBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = builder
}

// Create builds the adapter for stream.
func (f *Factory) Create(ctx context.Context, stream domain.Stream, deps driven.AdapterDeps) (driven.SourceAdapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	builder, ok := f.builders[stream.AdapterKind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter kind %q: %w", stream.AdapterKind, domain.ErrUnsupportedType)
	}

	adapter, err := builder(stream, deps)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", stream.ID, err)
	}
	return adapter, nil
}

// SupportedKinds returns the registered kinds, sorted.
func (f *Factory) SupportedKinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.builders))
	for kind := range f.builders {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}
