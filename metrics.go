package snet

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports connection, traffic and heartbeat figures. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	connections prometheus.Gauge
	sent        prometheus.Counter
	received    prometheus.Counter
	disconnects *prometheus.CounterVec
	latency     prometheus.Histogram
	handler     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "snet_connections",
			Help: "Number of open connections.",
		}),
		sent: f.NewCounter(prometheus.CounterOpts{
			Name: "snet_messages_sent_total",
			Help: "Application messages queued for sending.",
		}),
		received: f.NewCounter(prometheus.CounterOpts{
			Name: "snet_messages_received_total",
			Help: "Application messages delivered to the handler.",
		}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snet_disconnects_total",
			Help: "Closed connections by reason.",
		}, []string{"reason"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "snet_latency_seconds",
			Help:    "Heartbeat round trip time.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		handler: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "snet_handler_duration_seconds",
			Help:    "Time spent running message hooks on the worker pool.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// MonitorOn serves the default registry on /metrics at port in the
// background.
func MonitorOn(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			logger.WithError(err).WithField("port", port).Error("monitor")
		}
	}()
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) messageReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) disconnected(reason DisconnectReason) {
	if m != nil {
		m.disconnects.WithLabelValues(reason.String()).Inc()
	}
}

func (m *Metrics) observeLatency(d time.Duration) {
	if m != nil {
		m.latency.Observe(d.Seconds())
	}
}

func (m *Metrics) observeHandler(d time.Duration) {
	if m != nil {
		m.handler.Observe(d.Seconds())
	}
}
