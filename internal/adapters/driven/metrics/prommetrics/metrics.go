// Package prommetrics records engine metrics with the Prometheus client and
// exports them without a listening socket: either by rewriting a textfile
// for the node exporter's textfile collector, or by pushing to a Pushgateway.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Names
const (
	EventsInCounter          = "events_in"
	EventsOutCounter         = "events_out"
	EventsDroppedCounter     = "events_dropped"
	EventsLagGauge           = "events_lag_seconds"
	FetchDurationHistogram   = "fetch_duration_seconds"
	ForwardDurationHistogram = "forward_duration_seconds"
	WorkerRestartsCounter    = "worker_restarts"
	CursorCorruptCounter     = "cursor_corrupt"
	WorkerStateGauge         = "worker_state"
)

// Labels
const (
	StreamIDLabel    = "stream_id"
	AdapterKindLabel = "adapter_kind"
	ReasonLabel      = "reason"
	CauseLabel       = "cause"
	StateLabel       = "state"
)

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

var workerStates = []domain.WorkerState{
	domain.WorkerIdle,
	domain.WorkerFetching,
	domain.WorkerForwarding,
	domain.WorkerCommitting,
	domain.WorkerStopped,
}

// Metrics implements driven.Metrics on Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsIn        *prometheus.CounterVec
	eventsOut       *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	lag             *prometheus.GaugeVec
	fetchDuration   *prometheus.HistogramVec
	forwardDuration *prometheus.HistogramVec
	restarts        *prometheus.CounterVec
	corrupt         *prometheus.CounterVec
	state           *prometheus.GaugeVec
}

// Ensure Metrics implements the interface.
var _ driven.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	base := []string{StreamIDLabel, AdapterKindLabel}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: EventsInCounter,
			Help: "Records received from the source adapter.",
		}, base),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: EventsOutCounter,
			Help: "Records acknowledged by the intake.",
		}, base),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: EventsDroppedCounter,
			Help: "Records dropped as malformed or duplicate.",
		}, append(base, ReasonLabel)),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: EventsLagGauge,
			Help: "Seconds between now and the latest forwarded event time.",
		}, base),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    FetchDurationHistogram,
			Help:    "Duration of one fetch cycle.",
			Buckets: durationBuckets,
		}, base),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    ForwardDurationHistogram,
			Help:    "Duration of forwarding one batch.",
			Buckets: durationBuckets,
		}, base),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: WorkerRestartsCounter,
			Help: "Worker restarts by exit cause.",
		}, append(base, CauseLabel)),
		corrupt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: CursorCorruptCounter,
			Help: "Cursor snapshots that could not be decoded.",
		}, base),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: WorkerStateGauge,
			Help: "1 for the worker's current state, 0 otherwise.",
		}, append(base, StateLabel)),
	}

	m.registry.MustRegister(
		m.eventsIn, m.eventsOut, m.eventsDropped, m.lag,
		m.fetchDuration, m.forwardDuration, m.restarts, m.corrupt, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EventsIn(streamID, adapterKind string, n int) {
	m.eventsIn.WithLabelValues(streamID, adapterKind).Add(float64(n))
}

func (m *Metrics) EventsOut(streamID, adapterKind string, n int) {
	m.eventsOut.WithLabelValues(streamID, adapterKind).Add(float64(n))
}

func (m *Metrics) EventsDropped(streamID, adapterKind string, reason driven.DropReason, n int) {
	m.eventsDropped.WithLabelValues(streamID, adapterKind, string(reason)).Add(float64(n))
}

func (m *Metrics) SetLag(streamID, adapterKind string, lag time.Duration) {
	m.lag.WithLabelValues(streamID, adapterKind).Set(lag.Seconds())
}

func (m *Metrics) ObserveFetch(streamID, adapterKind string, d time.Duration) {
	m.fetchDuration.WithLabelValues(streamID, adapterKind).Observe(d.Seconds())
}

func (m *Metrics) ObserveForward(streamID, adapterKind string, d time.Duration) {
	m.forwardDuration.WithLabelValues(streamID, adapterKind).Observe(d.Seconds())
}

func (m *Metrics) WorkerRestart(streamID, adapterKind string, cause domain.ExitCause) {
	m.restarts.WithLabelValues(streamID, adapterKind, string(cause)).Inc()
}

func (m *Metrics) CursorCorrupt(streamID, adapterKind string) {
	m.corrupt.WithLabelValues(streamID, adapterKind).Inc()
}

// SetWorkerState sets the current state to 1 and every other state to 0.
func (m *Metrics) SetWorkerState(streamID, adapterKind string, state domain.WorkerState) {
	for _, s := range workerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(streamID, adapterKind, string(s)).Set(v)
	}
}
