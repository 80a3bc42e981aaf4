package gridexport

import (
	"errors"
	"testing"
	"time"

	"github.com/nao1215/gridexport/domain/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "metrics cannot be registered twice")
}

func TestMetrics_Observer(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SinkOpened("people.csv.gz")
	m.SinkOpened("all_tables.xlsx/people")
	m.SinkFinalized("people.csv.gz")
	m.SinkAborted("all_tables.xlsx/people", &model.SinkError{Sink: "all_tables.xlsx/people", Op: "write", Row: 3, Err: errors.New("boom")})
	m.SinkAborted("grid.parquet", errors.New("fatal"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.sinksOpened.WithLabelValues("csv")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sinksOpened.WithLabelValues("xlsx")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sinksFinalized.WithLabelValues("csv")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sinkFailures.WithLabelValues("xlsx", "write")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sinkFailures.WithLabelValues("parquet", "abort")), 0)
}

func TestMetrics_ObserveSource(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveSource("grid", 10, time.Second)
	m.ObserveSource("grid", 5, time.Second)
	m.ObserveArtifact("generated")

	assert.InDelta(t, 15, testutil.ToFloat64(m.rows.WithLabelValues("grid")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.artifacts.WithLabelValues("generated")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestSinkKind(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"people.csv":             "csv",
		"people.tsv.zst":         "tsv",
		"grid.parquet":           "parquet",
		"report.xlsx":            "xlsx",
		"all_tables.xlsx/People": "xlsx",
		"bad":                    "unknown",
		"mem":                    "unknown",
	}
	for name, want := range tests {
		assert.Equal(t, want, sinkKind(name), name)
	}
}
