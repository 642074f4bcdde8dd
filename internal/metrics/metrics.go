package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the service's Prometheus metrics. Construct one per
// process; tests pass their own registry.
type Collector struct {
	onlineUsers   prometheus.Gauge
	joins         prometheus.Counter
	leaves        *prometheus.CounterVec
	heartbeats    prometheus.Counter
	wsClients     prometheus.Gauge
	sseClients    prometheus.Gauge
	signalRouted  *prometheus.CounterVec
	signalDropped *prometheus.CounterVec
	messages      prometheus.Counter
}

func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_online_users",
			Help: "Number of users currently online",
		}),
		joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_joins_total",
			Help: "Total successful joins",
		}),
		leaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_leaves_total",
			Help: "Total leaves by reason",
		}, []string{"reason"}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_heartbeats_total",
			Help: "Total heartbeat refreshes",
		}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_websocket_clients",
			Help: "Connected WebSocket clients",
		}),
		sseClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_sse_clients",
			Help: "Connected SSE subscribers",
		}),
		signalRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_signal_routed_total",
			Help: "Signaling envelopes delivered, by type",
		}, []string{"type"}),
		signalDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_signal_undeliverable_total",
			Help: "Signaling envelopes with no reachable target, by type",
		}, []string{"type"}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_messages_total",
			Help: "Chat messages appended",
		}),
	}
}

func (c *Collector) UserJoined() { c.joins.Inc(); c.onlineUsers.Inc() }

func (c *Collector) UserLeft(reason string) {
	c.leaves.WithLabelValues(reason).Inc()
	c.onlineUsers.Dec()
}

func (c *Collector) HeartbeatSeen()        { c.heartbeats.Inc() }
func (c *Collector) SetOnlineUsers(n int)  { c.onlineUsers.Set(float64(n)) }
func (c *Collector) WSClientConnected()    { c.wsClients.Inc() }
func (c *Collector) WSClientDisconnected() { c.wsClients.Dec() }
func (c *Collector) SSESubscribed()        { c.sseClients.Inc() }
func (c *Collector) SSEUnsubscribed()      { c.sseClients.Dec() }
func (c *Collector) MessageAppended()      { c.messages.Inc() }

func (c *Collector) SignalRouted(signalType string) {
	c.signalRouted.WithLabelValues(signalType).Inc()
}

func (c *Collector) SignalUndeliverable(signalType string) {
	c.signalDropped.WithLabelValues(signalType).Inc()
}

// Handler serves the default registry's metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
