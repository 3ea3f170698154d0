package hub

import "github.com/prometheus/client_golang/prometheus"

var (
	viewersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tfview",
			Subsystem: "hub",
			Name:      "viewers_connected",
			Help:      "Currently connected viewers",
		},
	)

	eventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tfview",
			Subsystem: "hub",
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted by the publisher",
		},
		[]string{"event"},
	)

	replayEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tfview",
			Subsystem: "hub",
			Name:      "replay_entries",
			Help:      "Entries held in the replay log",
		},
	)

	clientsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tfview",
			Subsystem: "hub",
			Name:      "clients_dropped_total",
			Help:      "Viewers disconnected by the hub",
		},
		[]string{"reason"},
	)

	framesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tfview",
			Subsystem: "hub",
			Name:      "frames_sent_total",
			Help:      "Websocket frames written to viewers",
		},
	)

	pingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tfview",
			Subsystem: "hub",
			Name:      "ping_failures_total",
			Help:      "Keepalive pings that could not be written",
		},
	)
)

func init() {
	prometheus.MustRegister(viewersConnected, eventsEmittedTotal, replayEntries, clientsDroppedTotal, framesSentTotal, pingFailuresTotal)
}
