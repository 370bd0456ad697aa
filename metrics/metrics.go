package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	inbound         *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	mediaFailures   *prometheus.CounterVec
	outbound        *prometheus.CounterVec
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	queueLength     prometheus.Gauge
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_inbound_messages_total",
			Help: "Inbound messages accepted for relay, by kind",
		}, []string{"kind"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhook_deliveries_total",
			Help: "Webhook POSTs to the orchestrator, by result",
		}, []string{"result"}),
		deliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_webhook_duration_seconds",
			Help:    "Time taken by webhook POSTs",
			Buckets: prometheus.DefBuckets,
		}),
		mediaFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_media_failures_total",
			Help: "Media that could not be resolved, by stage",
		}, []string{"stage"}),
		outbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_outbound_sends_total",
			Help: "Messages sent into the session, by type and result",
		}, []string{"type", "result"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnects_scheduled_total",
			Help: "Reconnection attempts scheduled by the supervisor",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_session_connected",
			Help: "1 while the WhatsApp session is open",
		}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inbound_queue_length",
			Help: "Inbound batches waiting for the worker",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Inbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

// Delivery records one webhook POST.
func (m *Metrics) Delivery(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryLatency.Observe(took.Seconds())
}

func (m *Metrics) MediaFailure(stage string) {
	if m == nil {
		return
	}
	m.mediaFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Outbound(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.outbound.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}
