package prommetrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// DefaultJob is the Pushgateway job name.
const DefaultJob = "ingestd"

// ExportConfig selects where metrics go. Both targets may be set.
type ExportConfig struct {
	// Textfile is rewritten atomically on every export.
	Textfile string `toml:"textfile"`

	// PushURL is the Pushgateway base URL.
	PushURL string `toml:"push_url" validate:"omitempty,url"`

	// Job is the Pushgateway job label.
	Job string `toml:"job"`

	// Instance is added as the grouping label "instance".
	Instance string `toml:"instance"`
}

// TextfileExporter writes the registry in the text exposition format.
type TextfileExporter struct {
	path     string
	gatherer prometheus.Gatherer
}

// NewTextfileExporter creates an exporter writing to path.
func NewTextfileExporter(path string, g prometheus.Gatherer) *TextfileExporter {
	return &TextfileExporter{path: path, gatherer: g}
}

// Export writes the file through a temporary file and a rename.
func (e *TextfileExporter) Export(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(e.path, e.gatherer); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// PushExporter replaces the job's metrics on a Pushgateway.
type PushExporter struct {
	pusher *push.Pusher
}

// NewPushExporter creates an exporter for the gateway at url.
func NewPushExporter(url, job, instance string, g prometheus.Gatherer, client *http.Client) *PushExporter {
	if job == "" {
		job = DefaultJob
	}
	p := push.New(url, job).Gatherer(g)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if client != nil {
		p = p.Client(client)
	}
	return &PushExporter{pusher: p}
}

// Export pushes the current values.
func (e *PushExporter) Export(ctx context.Context) error {
	if err := e.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}

// MultiExporter runs every exporter and joins their errors.
type MultiExporter []driven.MetricsExporter

// Export implements driven.MetricsExporter.
func (m MultiExporter) Export(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Export(ctx))
	}
	return errors.Join(errs...)
}

// NewExporter builds the exporters named by cfg. It returns nil when no
// target is configured, leaving metrics in process.
func NewExporter(cfg ExportConfig, m *Metrics) driven.MetricsExporter {
	var out MultiExporter
	if cfg.Textfile != "" {
		out = append(out, NewTextfileExporter(cfg.Textfile, m.Registry()))
	}
	if cfg.PushURL != "" {
		out = append(out, NewPushExporter(cfg.PushURL, cfg.Job, cfg.Instance, m.Registry(), nil))
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

var (
	_ driven.MetricsExporter = (*TextfileExporter)(nil)
	_ driven.MetricsExporter = (*PushExporter)(nil)
	_ driven.MetricsExporter = MultiExporter(nil)
)
