package gridexport

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/nao1215/gridexport/domain/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts export activity in Prometheus metrics. It observes sinks as
// a SinkObserver, so the kind label is derived from the sink name.
type Metrics struct {
	sinksOpened    *prometheus.CounterVec
	sinksFinalized *prometheus.CounterVec
	sinkFailures   *prometheus.CounterVec
	rows           *prometheus.CounterVec
	artifacts      *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// NewMetrics creates the export metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sinksOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridexport",
			Name:      "sinks_opened_total",
			Help:      "Number of output sinks opened.",
		}, []string{"kind"}),
		sinksFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridexport",
			Name:      "sinks_finalized_total",
			Help:      "Number of output sinks finalized successfully.",
		}, []string{"kind"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridexport",
			Name:      "sink_failures_total",
			Help:      "Number of output sinks aborted, by failed operation.",
		}, []string{"kind", "op"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridexport",
			Name:      "rows_total",
			Help:      "Number of grid rows exported, by source type.",
		}, []string{"source"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridexport",
			Name:      "artifacts_total",
			Help:      "Number of output artifacts, by final state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridexport",
			Name:      "source_duration_seconds",
			Help:      "Time spent exporting one table or grid.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"source"}),
	}

	for _, c := range []prometheus.Collector{
		m.sinksOpened, m.sinksFinalized, m.sinkFailures, m.rows, m.artifacts, m.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SinkOpened implements SinkObserver
func (m *Metrics) SinkOpened(name string) {
	m.sinksOpened.WithLabelValues(sinkKind(name)).Inc()
}

// SinkFinalized implements SinkObserver
func (m *Metrics) SinkFinalized(name string) {
	m.sinksFinalized.WithLabelValues(sinkKind(name)).Inc()
}

// SinkAborted implements SinkObserver
func (m *Metrics) SinkAborted(name string, err error) {
	op := "abort"
	var se *model.SinkError
	if errors.As(err, &se) {
		op = se.Op
	}
	m.sinkFailures.WithLabelValues(sinkKind(name), op).Inc()
}

// ObserveSource records the rows and duration of one exported source
func (m *Metrics) ObserveSource(source string, rows int, elapsed time.Duration) {
	m.rows.WithLabelValues(source).Add(float64(rows))
	m.duration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveArtifact records the final state of one artifact
func (m *Metrics) ObserveArtifact(state string) {
	m.artifacts.WithLabelValues(state).Inc()
}

// sinkKind derives the output kind from a sink name, e.g. "people.csv.gz"
// is csv and "all_tables.xlsx/people" is xlsx.
func sinkKind(name string) string {
	if strings.Contains(name, ".xlsx/") {
		return "xlsx"
	}
	ext := strings.TrimPrefix(path.Ext(model.RemoveCompressionExtension(name)), ".")
	if ext == "" {
		return "unknown"
	}
	return strings.ToLower(ext)
}
