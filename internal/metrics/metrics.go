// Package metrics exposes the Prometheus metric set for the fabric, grounded
// on the teacher's connection/broadcast metrics and extended with route and
// cascade counters this domain needs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_connections_total",
		Help: "Total WebSocket connections accepted.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_connections_active",
		Help: "Current open WebSocket connections.",
	})
	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_connections_rejected_total",
		Help: "Connections rejected by admission control.",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_messages_sent_total",
		Help: "Total outbound WebSocket frames written.",
	})
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_messages_received_total",
		Help: "Total inbound WebSocket frames read.",
	})

	// SubscriberCount reflects TopicTracker.TotalReferences() per route, the
	// sum of Count(topic) over the route's topics (§8 property 1).
	SubscriberCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_route_subscribers",
		Help: "Current subscriber count per route.",
	}, []string{"route"})

	BroadcastsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_broadcasts_dropped_total",
		Help: "Updates dropped because a route's pump queue was full (§5 backpressure).",
	}, []string{"route"})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_slow_clients_disconnected_total",
		Help: "Clients disconnected for failing to keep up with broadcasts.",
	})

	CascadesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_cascades_completed_total",
		Help: "Execution cascades that ran to completion.",
	})
	CascadesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_cascades_failed_total",
		Help: "Execution cascades aborted because the order's execution price could not be resolved.",
	})

	DatafeedTasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_datafeed_tasks_active",
		Help: "Currently running per-topic datafeed generator tasks.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsRejected,
		MessagesSent, MessagesReceived,
		SubscriberCount, BroadcastsDropped, SlowClientsDisconnected,
		CascadesCompleted, CascadesFailed, DatafeedTasksActive,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
