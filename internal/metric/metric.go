package metric

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})

	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_identities",
		Help: "Identities currently registered in the presence table",
	})

	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_submissions_total",
		Help: "Message submissions by content kind and outcome",
	}, []string{"kind", "result"})

	Pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_pushes_total",
		Help: "Server pushes by event and whether the target connection accepted it",
	}, []string{"event", "delivered"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_status_transitions_total",
		Help: "Delivery status transitions applied to stored messages",
	}, []string{"status"})

	Signals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_signals_total",
		Help: "Ephemeral signals by kind and whether they reached the recipient",
	}, []string{"kind", "delivered"})

	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "message_store_op_seconds",
		Help:    "Latency of message store calls made by the delivery path",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

var once sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			Connections,
			OnlineIdentities,
			Submissions,
			Pushes,
			Transitions,
			Signals,
			StoreLatency,
		)
	})
}

// Bool renders a label value for yes/no dimensions.
func Bool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
