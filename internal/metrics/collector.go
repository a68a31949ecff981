// internal/metrics/collector.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

// Collector holds the event delivery metrics on its own registry.
type Collector struct {
	registry      *prometheus.Registry
	dispatched    *prometheus.CounterVec
	failures      prometheus.Counter
	stale         prometheus.Counter
	dropped       prometheus.Counter
	published     prometheus.Counter
	subscriptions prometheus.Gauge
}

var _ subscription.Recorder = (*Collector)(nil)

// NewCollector creates and registers all metrics under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Events handed to subscribers, by delivery mode.",
		}, []string{"mode"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_total",
			Help:      "Dispatches skipped because the subscriber was collected.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_dropped_total",
			Help:      "Deliveries that could not be posted to the main loop.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Events published on the bus.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live subscriptions held by the bus.",
		}),
	}

	c.registry.MustRegister(
		c.dispatched,
		c.failures,
		c.stale,
		c.dropped,
		c.published,
		c.subscriptions,
	)
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordDispatch(mode string) {
	c.dispatched.WithLabelValues(mode).Inc()
}

func (c *Collector) RecordFailure() {
	c.failures.Inc()
}

func (c *Collector) RecordStale() {
	c.stale.Inc()
}

func (c *Collector) RecordDropped() {
	c.dropped.Inc()
}

func (c *Collector) RecordPublish() {
	c.published.Inc()
}

// SetSubscriptions reports the number of live subscriptions.
func (c *Collector) SetSubscriptions(n int) {
	c.subscriptions.Set(float64(n))
}
