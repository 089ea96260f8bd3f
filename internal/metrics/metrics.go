// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on one private registry so tests can
// create throwaway instances without duplicate-registration panics.
type Metrics struct {
	reg *prometheus.Registry

	FilesScanned   prometheus.Counter
	ScanErrors     prometheus.Counter
	FilesClaimed   prometheus.Counter
	FilesProcessed *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		FilesScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearmedia_files_scanned_total",
			Help: "Files newly discovered and inserted as PENDING.",
		}),
		ScanErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearmedia_scan_errors_total",
			Help: "Per-file errors skipped during scan ticks.",
		}),
		FilesClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearmedia_files_claimed_total",
			Help: "Rows claimed PENDING to QUEUED by the producer.",
		}),
		FilesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearmedia_files_processed_total",
			Help: "Worker outcomes by terminal status.",
		}, []string{"status"}),
	}
}

// RegisterQueueDepth exposes the live work queue depth.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "clearmedia_queue_depth",
		Help: "Ids sitting in the in-memory work queue.",
	}, func() float64 { return float64(depth()) }))
}

// RegisterProviderInFlight exposes the number of provider requests currently
// holding a concurrency slot.
func (m *Metrics) RegisterProviderInFlight(inflight func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "clearmedia_provider_inflight",
		Help: "Provider requests currently in flight.",
	}, func() float64 { return float64(inflight()) }))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
