// Package metrics exposes Prometheus counters for the feed, the dispatch
// engine and the registry. It learns everything from the event bus, so no
// component imports it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weatherpush/internal/channel"
	"weatherpush/internal/dispatch"
	"weatherpush/internal/eventbus"
	"weatherpush/internal/feed"
	"weatherpush/internal/httpapi"
)

const namespace = "weatherpush"

// Gauges are sampled on every scrape. Nil funcs are skipped.
type Gauges struct {
	Endpoints     func() int
	QueueLen      func() int
	MQTTConnected func() bool
}

type Collector struct {
	reg *prometheus.Registry

	readings     *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	events       *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	registry     *prometheus.CounterVec
	passDuration prometheus.Histogram
	passSize     prometheus.Histogram
}

// New registers every metric on a private registry, together with the Go
// runtime and process collectors.
func New(g Gauges) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		reg: reg,
		readings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "readings_total",
			Help: "Readings received per channel.",
		}, []string{"channel"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "rejected_total",
			Help: "Readings that could not be evaluated, by reason.",
		}, []string{"reason"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "events_total",
			Help: "Notifiable events detected per channel.",
		}, []string{"channel"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		registry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "changes_total",
			Help: "Registration changes made through the HTTP API.",
		}, []string{"action"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "pass_duration_seconds",
			Help:    "Wall time of one fan-out pass.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		passSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "pass_endpoints",
			Help:    "Endpoints in the snapshot of one pass.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	if g.Endpoints != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "endpoints",
			Help: "Registered push endpoints.",
		}, func() float64 { return float64(g.Endpoints()) })
	}
	if g.QueueLen != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queue_length",
			Help: "Events waiting for a dispatch worker.",
		}, func() float64 { return float64(g.QueueLen()) })
	}
	if g.MQTTConnected != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "connected",
			Help: "1 while the broker session is up.",
		}, func() float64 {
			if g.MQTTConnected() {
				return 1
			}
			return 0
		})
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Gatherer exposes the registry to tests and embedders.
func (c *Collector) Gatherer() prometheus.Gatherer { return c.reg }

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Observe folds one bus event into the counters.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case feed.Reading:
		c.readings.WithLabelValues(d.Channel).Inc()
	case feed.Rejection:
		c.rejected.WithLabelValues(rejectReason(d.Reason)).Inc()
	case channel.Event:
		c.events.WithLabelValues(d.Channel).Inc()
	case dispatch.Pass:
		c.deliveries.WithLabelValues(dispatch.Delivered.String()).Add(float64(d.Delivered))
		c.deliveries.WithLabelValues(dispatch.Transient.String()).Add(float64(d.Transient))
		c.deliveries.WithLabelValues(dispatch.Permanent.String()).Add(float64(d.Pruned))
		c.passDuration.Observe(d.Duration.Seconds())
		c.passSize.Observe(float64(d.Total))
	case httpapi.EndpointEvent:
		c.registry.WithLabelValues(d.Action).Inc()
	}
}

// rejectReason keeps the label set bounded: evaluation errors carry free
// text and collapse into "error".
func rejectReason(r string) string {
	switch r {
	case "unknown channel":
		return "unknown_channel"
	case "malformed":
		return "malformed"
	default:
		return "error"
	}
}
