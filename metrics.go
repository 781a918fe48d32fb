package waconsole

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime transport
	realtimeConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_realtime_connects_total",
			Help: "Realtime connection attempts by result",
		},
		[]string{"result"}, // "ok", "timeout", "error"
	)

	realtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_realtime_reconnects_total",
			Help: "Reconnect scheduling outcomes",
		},
		[]string{"outcome"}, // "scheduled", "exhausted"
	)

	realtimeFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_realtime_frames_total",
			Help: "Inbound realtime frames by canonical type",
		},
		[]string{"type"},
	)

	realtimeDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waconsole_realtime_decode_errors_total",
			Help: "Inbound frames that could not be decoded",
		},
	)

	realtimeSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_realtime_sends_total",
			Help: "Outbound realtime frames by result",
		},
		[]string{"result"}, // "ok", "not_connected", "error"
	)

	listenerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_eventbus_listener_panics_total",
			Help: "Event listeners that panicked during dispatch",
		},
		[]string{"event"},
	)

	// Inbox reconciliation
	inboxMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_inbox_merges_total",
			Help: "Message merge outcomes in the inbox view",
		},
		[]string{"outcome"},
	)

	inboxResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_inbox_resyncs_total",
			Help: "Full message reloads by reason",
		},
		[]string{"reason"}, // "debounce", "recovery", "reconnect", "poll"
	)

	inboxSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waconsole_inbox_sends_total",
			Help: "Optimistic sends by result",
		},
		[]string{"result"},
	)
)
