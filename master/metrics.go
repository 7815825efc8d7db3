package master

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the master's Prometheus collectors, registered against a private registry so
// that multiple masters (e.g. in tests) never collide on collector names.
type Metrics struct {
	registry *prometheus.Registry

	// ReservationOperations counts reserve/unreserve requests by operation and outcome.
	ReservationOperations *prometheus.CounterVec

	// OffersIssued counts offers extended to frameworks.
	OffersIssued prometheus.Counter

	// OffersRescinded counts offers withdrawn before being accepted or declined.
	OffersRescinded prometheus.Counter

	// OutstandingOffers tracks the number of currently live offers.
	OutstandingOffers prometheus.Gauge

	// RegisteredAgents tracks the number of agents contributing resources.
	RegisteredAgents prometheus.Gauge

	// RegisteredFrameworks tracks the number of connected frameworks.
	RegisteredFrameworks prometheus.Gauge
}

// NewMetrics creates and registers the master's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReservationOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet_master",
			Name:      "reservation_operations_total",
			Help:      "Reservation operations processed, by operation (reserve/unreserve) and outcome.",
		}, []string{"operation", "outcome"}),
		OffersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet_master",
			Name:      "offers_issued_total",
			Help:      "Resource offers extended to frameworks.",
		}),
		OffersRescinded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet_master",
			Name:      "offers_rescinded_total",
			Help:      "Resource offers withdrawn before acceptance.",
		}),
		OutstandingOffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet_master",
			Name:      "outstanding_offers",
			Help:      "Currently live resource offers.",
		}),
		RegisteredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet_master",
			Name:      "registered_agents",
			Help:      "Agents currently contributing resources.",
		}),
		RegisteredFrameworks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet_master",
			Name:      "registered_frameworks",
			Help:      "Frameworks currently connected.",
		}),
	}

	m.registry.MustRegister(
		m.ReservationOperations,
		m.OffersIssued,
		m.OffersRescinded,
		m.OutstandingOffers,
		m.RegisteredAgents,
		m.RegisteredFrameworks,
	)

	return m
}

// Registry exposes the private registry for the HTTP metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
