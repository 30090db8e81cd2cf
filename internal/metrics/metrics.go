// Package metrics provides Prometheus instrumentation for the chat core. It
// exposes counters for message sends and reconciliations, presence and typing
// activity, notification decisions, and gauges for open chat sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the number of live gateway WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_gateway_connections",
		Help: "Current number of live gateway WebSocket connections",
	})

	// ActiveSessions tracks the number of open chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_active_sessions",
		Help: "Current number of open chat sessions",
	})

	// MessagesTotal counts messages by outcome: "sent", "failed", "rejected"
	// (validation) or "retried".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of messages processed by the dispatcher",
	}, []string{"result"})

	// SendLatency records the time from optimistic append to confirmation.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_send_latency_seconds",
		Help:    "Time from optimistic append to server confirmation",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// Reconciliations counts store reconciliation outcomes.
	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_reconciliations_total",
		Help: "Server messages reconciled into the message store, by outcome",
	}, []string{"outcome"}) // replaced | updated | inserted | ignored

	// PresencePolls counts presence poll ticks by result.
	PresencePolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_presence_polls_total",
		Help: "Presence poll ticks, by result",
	}, []string{"result"}) // ok | error

	// PresenceDemotions counts online records demoted by the TTL.
	PresenceDemotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_presence_demotions_total",
		Help: "Online presence records read as offline because they outlived the TTL",
	})

	// TypingBroadcasts counts outgoing typing signals.
	TypingBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_typing_broadcasts_total",
		Help: "Typing signals broadcast to other participants",
	})

	// NotificationDecisions counts bridge decisions by reason.
	NotificationDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_notification_decisions_total",
		Help: "Notification eligibility decisions, by reason",
	}, []string{"reason"})

	// NotificationDeliveries counts delivery attempts by channel and result.
	NotificationDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_notification_deliveries_total",
		Help: "Notification delivery attempts, by channel and result",
	}, []string{"channel", "result"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		ActiveSessions,
		MessagesTotal,
		SendLatency,
		Reconciliations,
		PresencePolls,
		PresenceDemotions,
		TypingBroadcasts,
		NotificationDecisions,
		NotificationDeliveries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
