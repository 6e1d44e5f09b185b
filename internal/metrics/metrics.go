// Package metrics exposes the hub's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the hub updates.
type Metrics struct {
	TickDuration   prometheus.Histogram
	TickOverBudget prometheus.Counter

	PaymentsCommitted prometheus.Counter
	PaymentsFailed    *prometheus.CounterVec // by error kind

	CyclesCleared prometheus.Counter
	CyclesSkipped prometheus.Counter
	ClearedVolume *prometheus.CounterVec // atoms, by equivalent

	DriftUpdates prometheus.Counter

	BusSubscribers prometheus.Gauge
	BusDrops       prometheus.Counter

	StoreUp prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hubd",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one orchestrator tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		TickOverBudget: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "tick_over_budget_total",
			Help:      "Ticks that exceeded their time budget and skipped work.",
		}),
		PaymentsCommitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "payments_committed_total",
			Help:      "Payments that committed.",
		}),
		PaymentsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "payments_failed_total",
			Help:      "Payments that failed or rolled back, by error kind.",
		}, []string{"kind"}),
		CyclesCleared: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "cycles_cleared_total",
			Help:      "Debt cycles cancelled by clearing.",
		}),
		CyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "cycles_skipped_total",
			Help:      "Candidate cycles skipped on conflict or staleness.",
		}),
		ClearedVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "cleared_volume_atoms_total",
			Help:      "Cleared debt volume in atoms, by equivalent.",
		}, []string{"equivalent"}),
		DriftUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "drift_updates_total",
			Help:      "Trust limits changed by drift.",
		}),
		BusSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hubd",
			Name:      "bus_subscribers",
			Help:      "Live event bus subscribers.",
		}),
		BusDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hubd",
			Name:      "bus_drops_total",
			Help:      "Subscribers disconnected for falling behind.",
		}),
		StoreUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hubd",
			Name:      "store_up",
			Help:      "1 when the last store health ping succeeded.",
		}),
	}
}
