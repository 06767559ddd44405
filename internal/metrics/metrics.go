// Package metrics exposes the server's Prometheus instrumentation.
//
// One Metrics value is created at startup and threaded to the components
// that produce events; the observability HTTP server mounts the handler
// on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors registered on a private registry, so tests
// can create as many instances as they like without duplicate-registration
// panics from the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	PublicConnections  prometheus.Counter
	PublicRejected     *prometheus.CounterVec
	RendezvousMatched  prometheus.Counter
	RendezvousExpired  prometheus.Counter
	DispatchRetries    prometheus.Counter
	AgentsConnected    prometheus.GaugeFunc
	PendingConnections prometheus.GaugeFunc
}

// New registers all collectors. agentCount and pendingCount are sampled at
// scrape time, typically registry.Len and pending.Len.
func New(agentCount, pendingCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PublicConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpx_public_connections_total",
			Help: "Public connections accepted.",
		}),
		PublicRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpx_public_rejected_total",
			Help: "Public connections rejected before dispatch, by reason.",
		}, []string{"reason"}),
		RendezvousMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpx_rendezvous_matched_total",
			Help: "Rendezvous completed by a matching proxy connection.",
		}),
		RendezvousExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpx_rendezvous_expired_total",
			Help: "Rendezvous abandoned by the sweeper after the timeout.",
		}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpx_dispatch_retries_total",
			Help: "Dispatch attempts that failed and moved to another agent.",
		}),
		AgentsConnected: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "frpx_agents_connected",
			Help: "Agents currently registered.",
		}, func() float64 { return float64(agentCount()) }),
		PendingConnections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "frpx_pending_connections",
			Help: "Public connections awaiting rendezvous.",
		}, func() float64 { return float64(pendingCount()) }),
	}

	reg.MustRegister(
		m.PublicConnections,
		m.PublicRejected,
		m.RendezvousMatched,
		m.RendezvousExpired,
		m.DispatchRetries,
		m.AgentsConnected,
		m.PendingConnections,
	)
	return m
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
