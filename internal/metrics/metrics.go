package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hasync"

// Connection phases reported by ConnectionPhase.
var phases = []string{"idle", "connecting", "connected", "disconnected", "error"}

var (
	once     sync.Once
	registry *prometheus.Registry

	ConnectionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_phase",
			Help:      "1 for the current connection phase, 0 otherwise",
		},
		[]string{"phase"},
	)

	ConnectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	ReconnectsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Automatic reconnects scheduled after a failure",
		},
	)

	NetworkSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_subscriptions",
			Help:      "Live per-entity subscriptions on the active transport",
		},
	)

	SubscriptionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Entity subscription setups that failed after retries",
		},
	)

	EntityUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_updates_total",
			Help:      "Entity snapshots written to the cache",
		},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Credential refresh runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	HistoryRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_rows_total",
			Help:      "State history rows by outcome",
		},
		[]string{"outcome"},
	)
)

// Registry returns the registry holding all collectors.
func Registry() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(
			ConnectionPhase,
			ConnectionAttemptsTotal,
			ReconnectsScheduledTotal,
			NetworkSubscriptions,
			SubscriptionErrorsTotal,
			EntityUpdatesTotal,
			TokenRefreshesTotal,
			HistoryRowsTotal,
		)
	})
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// SetPhase marks phase as the current connection phase.
func SetPhase(phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		ConnectionPhase.WithLabelValues(p).Set(v)
	}
}
