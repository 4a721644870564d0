package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients     prometheus.Gauge
	Registrations        prometheus.Counter
	RegistrationRejects  *prometheus.CounterVec
	Broadcasts           prometheus.Counter
	Deliveries           prometheus.Counter
	DeliveryFailures     prometheus.Counter
	ProtocolErrors       prometheus.Counter
	BridgeConnections    prometheus.Counter
	ConnectionsAccepted  prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatmesh_connected_clients",
			Help: "Number of currently registered clients.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_registrations_total",
			Help: "Successful client registrations.",
		}),
		RegistrationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatmesh_registration_rejects_total",
			Help: "Rejected registrations by reason.",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_broadcasts_total",
			Help: "Accepted broadcast messages.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_deliveries_total",
			Help: "Outbound messages enqueued during fan-out.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_delivery_failures_total",
			Help: "Fan-out targets dropped because their queue stalled.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_protocol_errors_total",
			Help: "Connections terminated for malformed or unknown messages.",
		}),
		BridgeConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_bridge_connections_total",
			Help: "WebSocket bridge connections accepted.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatmesh_tcp_connections_total",
			Help: "TCP connections accepted.",
		}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.Registrations,
		m.RegistrationRejects,
		m.Broadcasts,
		m.Deliveries,
		m.DeliveryFailures,
		m.ProtocolErrors,
		m.BridgeConnections,
		m.ConnectionsAccepted,
	)
	return m
}

// Handler returns the HTTP handler serving the telemetry endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// rejectReason maps a registry error to its metric label.
func rejectReason(err error) string {
	switch err {
	case ErrEmptyName:
		return "empty_name"
	case ErrDuplicateName:
		return "duplicate_name"
	case ErrDuplicateAddress:
		return "duplicate_address"
	}
	return "other"
}
