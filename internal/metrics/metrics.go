// Package metrics exposes Prometheus collectors for the event bus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "partsy_bus"

// Delivery results
const (
	ResultAcked    = "acked"
	ResultRequeued = "requeued"
	ResultRejected = "rejected"
	ResultReply    = "reply"
)

// Collector records connection state, publishes, deliveries and reply waits.
// It is also a connection state listener. Listener calls may arrive out of
// order, so they only feed counters; connection_up is read from the
// connection at scrape time.
type Collector struct {
	connectionUp prometheus.GaugeFunc
	connects     prometheus.Counter
	disconnects  prometheus.Counter
	reconnects   prometheus.Counter
	published    *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	replyWait    prometheus.Histogram
}

// NewCollector registers the bus collectors on reg. connected reports the
// live connection state; nil reads as disconnected.
func NewCollector(reg prometheus.Registerer, connected func() bool) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connectionUp: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "Whether the broker connection is established (1) or not (0)",
		}, func() float64 {
			if connected != nil && connected() {
				return 1
			}
			return 0
		}),
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total successful broker connection attempts",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total broker connection losses and exhausted connect attempts",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total broker connection attempts made after a failure",
		}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total publishes by message kind and result",
		}, []string{"kind", "result"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total consumed deliveries by settlement result",
		}, []string{"result"}),
		replyWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_wait_seconds",
			Help:      "Time request/response calls spent waiting for their reply",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnConnected() {
	c.connects.Inc()
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnDisconnected(error) {
	c.disconnects.Inc()
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *Collector) OnReconnecting(int) {
	c.reconnects.Inc()
}

// ObservePublish counts one publish of kind
func (c *Collector) ObservePublish(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.published.WithLabelValues(kind, result).Inc()
}

// ObserveDelivery counts one settled delivery
func (c *Collector) ObserveDelivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

// ObserveReplyWait records how long a caller waited for its reply
func (c *Collector) ObserveReplyWait(d time.Duration) {
	c.replyWait.Observe(d.Seconds())
}
