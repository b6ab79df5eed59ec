// Package metrics exposes Prometheus instrumentation for imports and partitions.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agri"

// Row outcomes recorded by ObserveImport.
const (
	RowInserted  = "inserted"
	RowDuplicate = "duplicate"
	RowRejected  = "rejected"
)

type metrics struct {
	importsTotal   *prometheus.CounterVec
	importRows     *prometheus.CounterVec
	importDuration *prometheus.HistogramVec
	partitionsOpen prometheus.Gauge
}

var singleton = sync.OnceValue(func() *metrics {
	return &metrics{
		importsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Total number of file imports by dataset kind and result.",
		}, []string{"kind", "result"}),
		importRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_rows_total",
			Help:      "Total number of imported rows by dataset kind and outcome.",
		}, []string{"kind", "outcome"}),
		importDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_duration_seconds",
			Help:      "Duration of file imports from parse to write.",
			Buckets: []float64{
				0.01, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10, 30, 60,
			},
		}, []string{"kind"}),
		partitionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions_open",
			Help:      "Current number of cached partition accessors.",
		}),
	}
})

// ObserveImport records one finished import. err nil means success.
func ObserveImport(kind string, started time.Time, inserted, duplicates, rejected int, err error) {
	m := singleton()
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.importsTotal.WithLabelValues(kind, result).Inc()
	m.importDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	if err != nil {
		return
	}
	m.importRows.WithLabelValues(kind, RowInserted).Add(float64(inserted))
	m.importRows.WithLabelValues(kind, RowDuplicate).Add(float64(duplicates))
	m.importRows.WithLabelValues(kind, RowRejected).Add(float64(rejected))
}

// SetPartitionsOpen reports the number of cached accessors.
func SetPartitionsOpen(n int) {
	singleton().partitionsOpen.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
