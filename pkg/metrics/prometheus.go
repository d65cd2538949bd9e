// Package metrics provides Prometheus-based metrics recording for chat
// traffic and instance connections.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface the dispatcher and connection manager
// report into. A nil *PrometheusRecorder satisfies callers that run without
// metrics.
type Recorder interface {
	ObserveSend(tenantID, instanceID, kind, status string, duration time.Duration)
	IncInbound(tenantID, instanceID string)
	IncTransition(tenantID, fromState, toState string)
	IncReconnect(instanceID, reason string)
	SetConnectedInstances(tenantID string, count int)
	ObserveQueueDepth(instanceID string, depth int)
}

// PrometheusRecorder implements Recorder with promauto collectors on the
// default registry.
type PrometheusRecorder struct {
	sendsTotal         *prometheus.CounterVec
	sendDuration       *prometheus.HistogramVec
	inboundTotal       *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	reconnectsTotal    *prometheus.CounterVec
	connectedInstances *prometheus.GaugeVec
	outboundQueueDepth *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a recorder and registers its collectors.
// Call at most once per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		sendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_sends_total",
				Help: "Total outbound sends by tenant, instance, kind, and status",
			},
			[]string{"tenant_id", "instance_id", "kind", "status"},
		),
		sendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_send_duration_seconds",
				Help:    "Duration of outbound sends in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id", "instance_id", "kind"},
		),
		inboundTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_inbound_total",
				Help: "Total inbound messages by tenant and instance",
			},
			[]string{"tenant_id", "instance_id"},
		),
		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_state_transitions_total",
				Help: "Total conversation state transitions",
			},
			[]string{"tenant_id", "from_state", "to_state"},
		),
		reconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_instance_reconnects_total",
				Help: "Total reconnection attempts by instance and reason",
			},
			[]string{"instance_id", "reason"},
		),
		connectedInstances: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chat_connected_instances",
				Help: "Number of instances currently connected, per tenant",
			},
			[]string{"tenant_id"},
		),
		outboundQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chat_outbound_queue_depth",
				Help: "Current depth of the per-instance outbound queue",
			},
			[]string{"instance_id"},
		),
	}
}

// ObserveSend records one completed send attempt.
func (p *PrometheusRecorder) ObserveSend(tenantID, instanceID, kind, status string, duration time.Duration) {
	if p == nil {
		return
	}
	p.sendsTotal.WithLabelValues(tenantID, instanceID, kind, status).Inc()
	p.sendDuration.WithLabelValues(tenantID, instanceID, kind).Observe(duration.Seconds())
}

// IncInbound counts one inbound message.
func (p *PrometheusRecorder) IncInbound(tenantID, instanceID string) {
	if p == nil {
		return
	}
	p.inboundTotal.WithLabelValues(tenantID, instanceID).Inc()
}

// IncTransition counts one conversation state transition.
func (p *PrometheusRecorder) IncTransition(tenantID, fromState, toState string) {
	if p == nil {
		return
	}
	p.transitionsTotal.WithLabelValues(tenantID, fromState, toState).Inc()
}

// IncReconnect counts one reconnection attempt.
func (p *PrometheusRecorder) IncReconnect(instanceID, reason string) {
	if p == nil {
		return
	}
	p.reconnectsTotal.WithLabelValues(instanceID, reason).Inc()
}

// SetConnectedInstances updates the per-tenant connected gauge.
func (p *PrometheusRecorder) SetConnectedInstances(tenantID string, count int) {
	if p == nil {
		return
	}
	p.connectedInstances.WithLabelValues(tenantID).Set(float64(count))
}

// ObserveQueueDepth updates the outbound queue depth gauge.
func (p *PrometheusRecorder) ObserveQueueDepth(instanceID string, depth int) {
	if p == nil {
		return
	}
	p.outboundQueueDepth.WithLabelValues(instanceID).Set(float64(depth))
}
