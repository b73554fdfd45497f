package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contexthub"

// Default buckets for milliseconds
var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Metrics is the Prometheus view of the gateway. It satisfies the metric
// hooks of the dispatcher, the broadcaster and the transport layer.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	broadcastTotal   *prometheus.CounterVec
	activeChannels   *prometheus.GaugeVec
	inboundEvents    *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry, together with the
// standard Go and process collectors.
func NewMetrics(version string) (*Metrics, error) {
	constLabels := prometheus.Labels{"version": version}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "rpc_duration_milliseconds",
				Help:        "Duration of RPC dispatches in milliseconds",
				Buckets:     latencyBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "rpc_requests_total",
				Help:        "Total number of RPC dispatches",
				ConstLabels: constLabels,
			},
			[]string{"method", "status"},
		),
		toolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "tool_call_duration_milliseconds",
				Help:        "Duration of external tool invocations in milliseconds",
				Buckets:     latencyBuckets,
				ConstLabels: constLabels,
			},
			[]string{"tool", "status"},
		),
		broadcastTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "broadcasts_total",
				Help:        "Push notifications by delivery outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		activeChannels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "active_channels",
				Help:        "Open push channels",
				ConstLabels: constLabels,
			},
			[]string{"transport"},
		),
		inboundEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "inbound_events_total",
				Help:        "Frames received on push channels",
				ConstLabels: constLabels,
			},
			[]string{"transport"},
		),
	}

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestDuration,
		m.requestTotal,
		m.toolCallDuration,
		m.broadcastTotal,
		m.activeChannels,
		m.inboundEvents,
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// RegisterSessionGauge exposes the live session count reported by fn.
func (m *Metrics) RegisterSessionGauge(fn func() int) error {
	g := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions with a stored context",
		},
		func() float64 { return float64(fn()) },
	)
	if err := m.registry.Register(g); err != nil {
		return fmt.Errorf("failed to register session gauge: %w", err)
	}
	return nil
}

// ObserveRequest records one RPC dispatch.
func (m *Metrics) ObserveRequest(method, status string, d time.Duration) {
	m.requestDuration.WithLabelValues(method, status).Observe(float64(d.Milliseconds()))
	m.requestTotal.WithLabelValues(method, status).Inc()
}

// ObserveToolCall records one external tool invocation.
func (m *Metrics) ObserveToolCall(tool, status string, d time.Duration) {
	m.toolCallDuration.WithLabelValues(tool, status).Observe(float64(d.Milliseconds()))
}

// ObserveBroadcast counts a push attempt by outcome.
func (m *Metrics) ObserveBroadcast(outcome string) {
	m.broadcastTotal.WithLabelValues(outcome).Inc()
}

// ChannelOpened increments the open channel gauge.
func (m *Metrics) ChannelOpened(transport string) {
	m.activeChannels.WithLabelValues(transport).Inc()
}

// ChannelClosed decrements the open channel gauge.
func (m *Metrics) ChannelClosed(transport string) {
	m.activeChannels.WithLabelValues(transport).Dec()
}

// InboundEvent counts a frame received on a channel.
func (m *Metrics) InboundEvent(transport string) {
	m.inboundEvents.WithLabelValues(transport).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
