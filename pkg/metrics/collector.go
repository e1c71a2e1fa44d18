// Package metrics exposes bus.Stats() as Prometheus metrics, kept
// decoupled from the bus's own import graph: the bus never imports
// Prometheus, only this optional collector does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tyrexcad/cadcore/pkg/bus"
)

// Collector wraps a *bus.Bus as a prometheus.Collector, polling Stats()
// on every Collect call.
type Collector struct {
	b *bus.Bus

	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	messagesDropped  *prometheus.Desc
	requestsSent     *prometheus.Desc
	requestsTimedOut *prometheus.Desc
	errorsCaught     *prometheus.Desc
	queueDepth       *prometheus.Desc
	pressureLevel    *prometheus.Desc
	healthScore      *prometheus.Desc
}

// NewCollector builds a Collector for b. Register it with
// prometheus.MustRegister(collector) from the host application.
func NewCollector(b *bus.Bus) *Collector {
	return &Collector{
		b: b,
		messagesSent: prometheus.NewDesc(
			"cadcore_bus_messages_sent_total", "Total messages emitted on the bus.", nil, nil),
		messagesReceived: prometheus.NewDesc(
			"cadcore_bus_messages_received_total", "Total messages delivered to handlers.", nil, nil),
		messagesDropped: prometheus.NewDesc(
			"cadcore_bus_messages_dropped_total", "Total messages dropped by quota or backpressure.", nil, nil),
		requestsSent: prometheus.NewDesc(
			"cadcore_bus_requests_sent_total", "Total request() calls issued.", nil, nil),
		requestsTimedOut: prometheus.NewDesc(
			"cadcore_bus_requests_timed_out_total", "Total requests that timed out.", nil, nil),
		errorsCaught: prometheus.NewDesc(
			"cadcore_bus_errors_caught_total", "Total handler panics/errors caught.", nil, nil),
		queueDepth: prometheus.NewDesc(
			"cadcore_bus_queue_depth", "Current queue depth by priority.", []string{"priority"}, nil),
		pressureLevel: prometheus.NewDesc(
			"cadcore_bus_pressure_level", "Current backpressure level in [0,1].", nil, nil),
		healthScore: prometheus.NewDesc(
			"cadcore_bus_health_score", "Computed health score in [0,100].", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.messagesReceived
	ch <- c.messagesDropped
	ch <- c.requestsSent
	ch <- c.requestsTimedOut
	ch <- c.errorsCaught
	ch <- c.queueDepth
	ch <- c.pressureLevel
	ch <- c.healthScore
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.b.Stats()

	ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(s.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, float64(s.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(c.messagesDropped, prometheus.CounterValue, float64(s.MessagesDropped))
	ch <- prometheus.MustNewConstMetric(c.requestsSent, prometheus.CounterValue, float64(s.RequestsSent))
	ch <- prometheus.MustNewConstMetric(c.requestsTimedOut, prometheus.CounterValue, float64(s.RequestsTimedOut))
	ch <- prometheus.MustNewConstMetric(c.errorsCaught, prometheus.CounterValue, float64(s.ErrorsCaught))

	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.Queues.High), "high")
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.Queues.Normal), "normal")
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.Queues.Low), "low")

	ch <- prometheus.MustNewConstMetric(c.pressureLevel, prometheus.GaugeValue, s.Pressure.Level)
	ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, float64(s.HealthScore))
}
