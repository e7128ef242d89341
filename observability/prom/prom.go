// Package prom exports the fabric's observer events as Prometheus metrics.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/weft/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// FabricObserver exports connection metrics to Prometheus.
type FabricObserver struct {
	connGauge   prometheus.Gauge
	closeTotal  *prometheus.CounterVec
	frameErrors *prometheus.CounterVec
}

// NewFabricObserver registers connection metrics on the registry.
func NewFabricObserver(reg *prometheus.Registry) *FabricObserver {
	o := &FabricObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_connections",
			Help: "Current fabric connection count.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_connection_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_frame_errors_total",
			Help: "Frame read/write errors.",
		}, []string{"direction"}),
	}
	reg.MustRegister(o.connGauge, o.closeTotal, o.frameErrors)
	return o
}

func (o *FabricObserver) ConnCount(n int) {
	o.connGauge.Set(float64(n))
}

func (o *FabricObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *FabricObserver) FrameError(dir observability.FrameDirection) {
	o.frameErrors.WithLabelValues(string(dir)).Inc()
}

// CallObserver exports correlator metrics to Prometheus.
type CallObserver struct {
	calls       *prometheus.CounterVec
	callLatency prometheus.Histogram
	notify      prometheus.Counter
}

// NewCallObserver registers correlator metrics on the registry.
func NewCallObserver(reg *prometheus.Registry) *CallObserver {
	o := &CallObserver{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_calls_total",
			Help: "Request outcomes by result.",
		}, []string{"result"}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weft_call_latency_seconds",
			Help:    "Request round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		notify: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_notifications_total",
			Help: "Unsolicited pushes delivered to this endpoint.",
		}),
	}
	reg.MustRegister(o.calls, o.callLatency, o.notify)
	return o
}

func (o *CallObserver) Call(result observability.CallResult, d time.Duration) {
	o.calls.WithLabelValues(string(result)).Inc()
	o.callLatency.Observe(d.Seconds())
}

func (o *CallObserver) Notify() {
	o.notify.Inc()
}

// RegistryObserver exports registry metrics to Prometheus.
type RegistryObserver struct {
	providerGauge   prometheus.Gauge
	discovererGauge prometheus.Gauge
	notifications   *prometheus.CounterVec
}

// NewRegistryObserver registers registry metrics on the registry.
func NewRegistryObserver(reg *prometheus.Registry) *RegistryObserver {
	o := &RegistryObserver{
		providerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_registry_providers",
			Help: "Connections with at least one registered method.",
		}),
		discovererGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_registry_discoverers",
			Help: "Connections with at least one discovered method.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_registry_notifications_total",
			Help: "Online/offline notification fan-outs.",
		}, []string{"op"}),
	}
	reg.MustRegister(o.providerGauge, o.discovererGauge, o.notifications)
	return o
}

func (o *RegistryObserver) Providers(n int) {
	o.providerGauge.Set(float64(n))
}

func (o *RegistryObserver) Discoverers(n int) {
	o.discovererGauge.Set(float64(n))
}

func (o *RegistryObserver) Notification(op string) {
	o.notifications.WithLabelValues(op).Inc()
}

// TopicObserver exports broker metrics to Prometheus.
type TopicObserver struct {
	topicGauge      prometheus.Gauge
	subscriberGauge prometheus.Gauge
	publishTotal    prometheus.Counter
	deliveredTotal  prometheus.Counter
}

// NewTopicObserver registers broker metrics on the registry.
func NewTopicObserver(reg *prometheus.Registry) *TopicObserver {
	o := &TopicObserver{
		topicGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_topics",
			Help: "Current topic count.",
		}),
		subscriberGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_topic_subscribers",
			Help: "Connections that have subscribed to a topic since connecting.",
		}),
		publishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_topic_publish_total",
			Help: "Publish operations fanned out.",
		}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_topic_delivered_total",
			Help: "Per-subscriber deliveries across all publishes.",
		}),
	}
	reg.MustRegister(o.topicGauge, o.subscriberGauge, o.publishTotal, o.deliveredTotal)
	return o
}

func (o *TopicObserver) Topics(n int) {
	o.topicGauge.Set(float64(n))
}

func (o *TopicObserver) Subscribers(n int) {
	o.subscriberGauge.Set(float64(n))
}

func (o *TopicObserver) Publish(delivered int) {
	o.publishTotal.Inc()
	o.deliveredTotal.Add(float64(delivered))
}
