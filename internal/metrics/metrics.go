// Package metrics provides Prometheus instrumentation for the Amoryn
// real-time gateway. It exposes gauges for connection counts, counters for
// message outcomes, and histograms for send-path latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amoryn_gateway_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of distinct online users.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "amoryn_gateway_online_users",
		Help: "Current number of distinct users with at least one live connection",
	})

	// MessagesTotal counts processed send requests, labeled by outcome:
	// "delivered", "suppressed", "rejected", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amoryn_gateway_messages_total",
		Help: "Total number of send requests processed",
	}, []string{"outcome"})

	// FanoutDeliveries counts individual delivery events written to
	// recipient connections.
	FanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amoryn_gateway_fanout_deliveries_total",
		Help: "Total number of delivery events written to recipient connections",
	})

	// SendLatency records end-to-end send-path latency in seconds, from
	// inbound frame to sender acknowledgment.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "amoryn_gateway_send_latency_seconds",
		Help:    "Send-path processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RiskScore records the aggregate risk score of scored messages.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "amoryn_gateway_risk_score",
		Help:    "Aggregate risk score per scored message",
		Buckets: []float64{0, 10, 20, 30, 40, 60, 80, 120, 200},
	})

	// EnforcementsTotal counts ledger enforcement transitions by action.
	EnforcementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amoryn_gateway_enforcements_total",
		Help: "Total number of moderation enforcement transitions",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		FanoutDeliveries,
		SendLatency,
		RiskScore,
		EnforcementsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
