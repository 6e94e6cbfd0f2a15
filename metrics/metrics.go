// Package metrics exposes the Prometheus collectors the facade updates
// as it dispatches requests, grounded on the teacher's
// engine/telemetry/metrics/prometheus.go PrometheusProvider (lazily
// registered vectors against a caller-supplied or default registry).
package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the pipeline and cache update.
type Collectors struct {
	CacheEntries    prom.Gauge
	CacheHits       prom.Counter
	CacheMisses     prom.Counter
	RateLimitDelay  *prom.HistogramVec
	RequestsTotal   *prom.CounterVec
	PipelineInflight prom.Gauge
}

// New constructs Collectors and registers them against reg. If reg is
// nil, a fresh prometheus.Registry is created.
func New(reg *prom.Registry) (*Collectors, *prom.Registry) {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	c := &Collectors{
		CacheEntries: prom.NewGauge(prom.GaugeOpts{
			Name: "esi_cache_entries", Help: "current number of cache entries",
		}),
		CacheHits: prom.NewCounter(prom.CounterOpts{
			Name: "esi_cache_hits_total", Help: "cache hits",
		}),
		CacheMisses: prom.NewCounter(prom.CounterOpts{
			Name: "esi_cache_misses_total", Help: "cache misses",
		}),
		RateLimitDelay: prom.NewHistogramVec(prom.HistogramOpts{
			Name: "esi_ratelimit_delay_seconds", Help: "computed rate-limit wait per group",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"group"}),
		RequestsTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "esi_requests_total", Help: "pipeline outcomes",
		}, []string{"outcome"}),
		PipelineInflight: prom.NewGauge(prom.GaugeOpts{
			Name: "esi_pipeline_inflight", Help: "requests currently in flight",
		}),
	}
	for _, collector := range []prom.Collector{c.CacheEntries, c.CacheHits, c.CacheMisses, c.RateLimitDelay, c.RequestsTotal, c.PipelineInflight} {
		_ = reg.Register(collector) // best-effort, tolerate AlreadyRegisteredError like the teacher
	}
	return c, reg
}

// Nop returns a Collectors instance registered against a throwaway
// registry, for callers (and tests) that don't care about metrics output.
func Nop() *Collectors {
	c, _ := New(nil)
	return c
}
