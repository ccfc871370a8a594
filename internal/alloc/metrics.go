package alloc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// allocMetricsOnce ensures metrics are only initialized once.
var allocMetricsOnce sync.Once

// allocMetricsInstance is the singleton instance of allocator metrics.
var allocMetricsInstance *Metrics

// Metrics holds all Prometheus metrics for the allocator.
type Metrics struct {
	AllocationsTotal   *prometheus.CounterVec // mintkey_allocations_total{outcome}
	CollisionsTotal    prometheus.Counter     // mintkey_identifier_collisions_total
	ReservedRejections prometheus.Counter     // mintkey_reserved_rejections_total
	EscalationsTotal   prometheus.Counter     // mintkey_length_escalations_total
	AttemptsPerAlloc   prometheus.Histogram   // mintkey_allocation_attempts
	AllocationDuration prometheus.Histogram   // mintkey_allocation_duration_seconds
	CurrentLength      prometheus.Gauge       // mintkey_current_length
}

// InitMetrics initializes allocator metrics on the given registry.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	allocMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		allocMetricsInstance = &Metrics{
			AllocationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "mintkey_allocations_total",
				Help: "Total allocation requests by outcome",
			}, []string{"outcome"}),

			CollisionsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "mintkey_identifier_collisions_total",
				Help: "Identifier candidates rejected by the uniqueness constraint",
			}),

			ReservedRejections: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "mintkey_reserved_rejections_total",
				Help: "Identifier candidates rejected by the reserved-word filter",
			}),

			EscalationsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "mintkey_length_escalations_total",
				Help: "Times the allocator escalated to a longer identifier length",
			}),

			AttemptsPerAlloc: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "mintkey_allocation_attempts",
				Help:    "Ledger slots consumed per successful allocation",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
			}),

			AllocationDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "mintkey_allocation_duration_seconds",
				Help:    "End-to-end allocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}),

			CurrentLength: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "mintkey_current_length",
				Help: "Identifier length currently being allocated",
			}),
		}
	})

	return allocMetricsInstance
}
