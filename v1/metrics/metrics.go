// Package metrics exposes the Prometheus collectors updated by the lock
// registry. Collectors are always updated; they only become visible once
// registered.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Decisions counts permission checks by outcome reason
	// ("acquired", "owned", "locked-by-other", "denied").
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editlock_decisions_total",
		Help: "Total number of edit permission checks by outcome",
	}, []string{"reason"})
	// Renewals counts renewal attempts by result ("renewed", "forbidden", "error").
	Renewals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editlock_renewals_total",
		Help: "Total number of lock renewal attempts by result",
	}, []string{"result"})
	// CacheErrors counts cache failures seen by the registry.
	CacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editlock_cache_errors_total",
		Help: "Total number of cache errors surfaced by the lock registry",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Decisions, Renewals, CacheErrors)
}
