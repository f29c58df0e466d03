// Package metrics exposes Prometheus counters for the import and export
// pipelines on a dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's counters. All are registered on an isolated
// registry so tests can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	RowsImported prometheus.Counter
	RowsFailed   prometheus.Counter
	RowWarnings  prometheus.Counter
	ChunksServed prometheus.Counter
	ExportRows   prometheus.Counter
}

// New creates and registers the service counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		RowsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subimport_rows_imported_total",
			Help: "Rows successfully imported and committed.",
		}),
		RowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subimport_rows_failed_total",
			Help: "Rows that failed validation or persistence.",
		}),
		RowWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subimport_row_warnings_total",
			Help: "Warnings recorded across imported rows.",
		}),
		ChunksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subimport_chunks_served_total",
			Help: "Import chunk requests processed.",
		}),
		ExportRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subimport_export_rows_total",
			Help: "Subscription rows written by exports.",
		}),
	}
	reg.MustRegister(m.RowsImported, m.RowsFailed, m.RowWarnings, m.ChunksServed, m.ExportRows)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveResults updates the row counters from one chunk's results. Each
// result carries its warnings; failed rows count once regardless of how many
// errors they accumulated.
func (m *Metrics) ObserveResults(succeeded, failed, warnings int) {
	m.RowsImported.Add(float64(succeeded))
	m.RowsFailed.Add(float64(failed))
	m.RowWarnings.Add(float64(warnings))
	m.ChunksServed.Inc()
}
