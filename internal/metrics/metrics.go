// Package metrics exposes the process prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// which keeps unit tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	sessionTransitions *prometheus.CounterVec
	liveSessions       prometheus.Gauge
	reconnects         *prometheus.CounterVec
	inboundMessages    *prometheus.CounterVec
	outboundMessages   *prometheus.CounterVec
	flowRuns           *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	processGauges      *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapflow", Subsystem: "session", Name: "transitions_total",
			Help: "Connection status transitions by target status.",
		}, []string{"status"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zapflow", Subsystem: "session", Name: "live",
			Help: "Transport sessions currently held in the registry.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapflow", Subsystem: "session", Name: "reconnects_total",
			Help: "Scheduled reconnect attempts by result.",
		}, []string{"result"}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapflow", Subsystem: "inbound", Name: "messages_total",
			Help: "Inbound messages by normalised type.",
		}, []string{"type"}),
		outboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapflow", Subsystem: "outbound", Name: "messages_total",
			Help: "Outbound sends by result.",
		}, []string{"result"}),
		flowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapflow", Subsystem: "flow", Name: "runs_total",
			Help: "Flow runs by outcome.",
		}, []string{"outcome"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapflow", Subsystem: "flow", Name: "webhook_deliveries_total",
			Help: "Webhook node deliveries by result.",
		}, []string{"result"}),
		processGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zapflow", Subsystem: "process", Name: "usage",
			Help: "Sampled host and process usage (cpu_percent, rss_mb, system_cpu_percent, system_mem_mb).",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.sessionTransitions, m.liveSessions, m.reconnects,
		m.inboundMessages, m.outboundMessages, m.flowRuns,
		m.webhookDeliveries, m.processGauges,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry is used by the HTTP middleware to register its own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) Reconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) InboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.inboundMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) OutboundMessage(result string) {
	if m == nil {
		return
	}
	m.outboundMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) FlowRun(outcome string) {
	if m == nil {
		return
	}
	m.flowRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetProcessGauge(kind string, v float64) {
	if m == nil {
		return
	}
	m.processGauges.WithLabelValues(kind).Set(v)
}
