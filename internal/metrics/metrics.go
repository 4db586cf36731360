// Package metrics holds the Prometheus collectors shared across Pulse. They
// register on the default registry at init and are served by the /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections counts open socket connections on this instance.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_gateway_connections",
		Help: "Number of open websocket connections.",
	})

	// ActiveRooms counts rooms with at least one local subscriber.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_gateway_rooms",
		Help: "Number of conversation rooms with local subscribers.",
	})

	// EventsTotal counts inbound socket events by name.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_gateway_events_total",
		Help: "Inbound websocket events processed, by event name.",
	}, []string{"event"})

	// DroppedFrames counts outbound frames discarded because a connection's
	// send buffer was full.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_gateway_dropped_frames_total",
		Help: "Outbound frames dropped on slow connections.",
	})

	// MessagesPersisted counts messages committed to the store.
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_messages_persisted_total",
		Help: "Messages persisted to the database.",
	})

	// BusPublished counts message references published to the bus.
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_bus_published_total",
		Help: "Message references published to the bus.",
	})

	// BusConsumed counts message references received from the bus.
	BusConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_bus_consumed_total",
		Help: "Message references consumed from the bus.",
	})
)
