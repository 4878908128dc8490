// Package metrics exposes the process's Prometheus instrumentation:
// backpressure drops, worker-pool saturation, and embedding cache hit rate,
// grounded on the teacher pack's prometheus/client_golang usage (none of
// tarsy's own packages wired it, but it is the pack's standard choice for
// Go service metrics).
//
// The instrumentation is observer-style: each component already tracks its
// own counters, and this package registers collectors that read them at
// scrape time, so no component needs a metrics handle threaded through its
// constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observers supplies the live value sources scraped by Register. Nil
// functions skip their metric.
type Observers struct {
	BackpressureDropped  func() int64
	PipelineInFlight     func() int64
	PipelineWorkers      func() int
	EmbeddingCacheHits   func() int64
	EmbeddingCacheMisses func() int64
}

// Register installs a collector per non-nil observer against reg (pass
// prometheus.NewRegistry() in tests).
func Register(reg prometheus.Registerer, obs Observers) {
	if obs.BackpressureDropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hitl_pipeline_backpressure_drops_total",
			Help: "Messages dropped from a per-user inbound lane due to overflow.",
		}, func() float64 { return float64(obs.BackpressureDropped()) }))
	}
	if obs.PipelineInFlight != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hitl_pipeline_in_flight",
			Help: "Drafts currently being processed by the worker pool.",
		}, func() float64 { return float64(obs.PipelineInFlight()) }))
	}
	if obs.PipelineWorkers != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hitl_pipeline_workers",
			Help: "Configured draft worker count.",
		}, func() float64 { return float64(obs.PipelineWorkers()) }))
	}
	if obs.EmbeddingCacheHits != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hitl_embedding_cache_hits_total",
			Help: "Embedding LRU cache hits.",
		}, func() float64 { return float64(obs.EmbeddingCacheHits()) }))
	}
	if obs.EmbeddingCacheMisses != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hitl_embedding_cache_misses_total",
			Help: "Embedding LRU cache misses.",
		}, func() float64 { return float64(obs.EmbeddingCacheMisses()) }))
	}
}
