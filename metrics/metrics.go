// Package metrics exposes pairing and session counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nearbychat"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	EndpointsFound       prometheus.Counter
	EndpointsLost        prometheus.Counter
	ConnectionsInitiated *prometheus.CounterVec
	ConnectionsResolved  *prometheus.CounterVec
	ConfirmationsExpired prometheus.Counter
	Messages             *prometheus.CounterVec
	DecodeFailures       prometheus.Counter
	ActiveSession        prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EndpointsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_found_total",
			Help:      "Endpoints reported by discovery.",
		}),
		EndpointsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_lost_total",
			Help:      "Endpoints that disappeared from discovery.",
		}),
		ConnectionsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_initiated_total",
			Help:      "Connection negotiations started, by direction.",
		}, []string{"direction"}),
		ConnectionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_resolved_total",
			Help:      "Connection negotiations resolved, by status.",
		}, []string{"status"}),
		ConfirmationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_expired_total",
			Help:      "Confirmation prompts rejected because nobody answered in time.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Text messages exchanged, by direction.",
		}, []string{"direction"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Received payloads dropped because they were not valid text.",
		}),
		ActiveSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_session",
			Help:      "1 while a messaging session is established.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EndpointsFound,
			m.EndpointsLost,
			m.ConnectionsInitiated,
			m.ConnectionsResolved,
			m.ConfirmationsExpired,
			m.Messages,
			m.DecodeFailures,
			m.ActiveSession,
		)
	}
	return m
}

// Handler serves the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FoundEndpoint() {
	if m != nil {
		m.EndpointsFound.Inc()
	}
}

func (m *Metrics) LostEndpoint() {
	if m != nil {
		m.EndpointsLost.Inc()
	}
}

func (m *Metrics) Initiated(incoming bool) {
	if m == nil {
		return
	}
	direction := "outgoing"
	if incoming {
		direction = "incoming"
	}
	m.ConnectionsInitiated.WithLabelValues(direction).Inc()
}

func (m *Metrics) Resolved(status string) {
	if m != nil {
		m.ConnectionsResolved.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Expired() {
	if m != nil {
		m.ConfirmationsExpired.Inc()
	}
}

func (m *Metrics) Message(direction string) {
	if m != nil {
		m.Messages.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) DecodeFailure() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

func (m *Metrics) SetActiveSession(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveSession.Set(1)
		return
	}
	m.ActiveSession.Set(0)
}
