// Package metrics defines the Prometheus collectors for the notification
// service and the handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_active_connections",
			Help: "Number of currently connected WebSocket clients",
		},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_auth_failures_total",
			Help: "Total number of rejected connection handshakes",
		},
	)

	// Protocol metrics
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_received_total",
			Help: "Total inbound events by event name",
		},
		[]string{"event"},
	)

	NotificationsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_notifications_delivered_total",
			Help: "Total notification deliveries by target kind",
		},
		[]string{"target"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		ActiveConnections,
		AuthFailuresTotal,
		EventsReceivedTotal,
		NotificationsDeliveredTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
