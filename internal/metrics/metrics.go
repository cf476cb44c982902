package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level instruments, registered on the default registry and served
// at /metrics. Counters are totals since process start.
var (
	FixesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_fixes_received_total",
		Help: "GPS fixes handed to a publisher, before validation and filtering.",
	})

	FixesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_fixes_published_total",
		Help: "Fixes that passed the significance filter and were appended.",
	})

	FixesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_fixes_filtered_total",
		Help: "Fixes dropped by the distance/interval significance filter.",
	})

	FixesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_fixes_invalid_total",
		Help: "Fixes rejected for out-of-range or non-finite coordinates.",
	})

	AppendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_location_append_errors_total",
		Help: "Store append failures for accepted fixes.",
	})

	PresenceWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_presence_writes_total",
		Help: "Presence records written by trackers, heartbeats included.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crew_tracker_online_users",
		Help: "Users currently considered online after staleness checks.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crew_tracker_ws_connected_clients",
		Help: "Live websocket connections.",
	})

	MessagesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_ws_messages_broadcast_total",
		Help: "Messages fanned out to websocket clients.",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_ws_messages_dropped_total",
		Help: "Messages dropped because a client send buffer was full.",
	})

	GeocodeLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_geocode_lookups_total",
		Help: "Reverse geocoding requests sent upstream.",
	})

	GeocodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crew_tracker_geocode_cache_hits_total",
		Help: "Reverse geocoding lookups served from the in-process cache.",
	})
)
