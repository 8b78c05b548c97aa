// Package telemetry exposes Prometheus collectors for the session agent.
//
// Metrics implements the Metrics interfaces of the session, realtime and push
// packages, so one registry covers the whole agent.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gearhub/cmd/internal/auth/retry"
	"gearhub/cmd/internal/auth/session"
)

const namespace = "gearhub"

// Metrics holds every collector. Construct with New.
type Metrics struct {
	reg *prometheus.Registry

	phase           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	operations      *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	stale           *prometheus.CounterVec
	channelsOpen    prometheus.Gauge
	channelEvents   *prometheus.CounterVec
	reconnects      prometheus.Counter
	pushSubscribe   *prometheus.CounterVec
	pushUnsubscribe *prometheus.CounterVec
	pushSent        prometheus.Counter
}

// New registers all collectors (plus Go runtime and process collectors) on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "phase",
			Help: "1 for the current session phase, 0 otherwise.",
		}, []string{"phase"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "transitions_total",
			Help: "Session phase transitions by target phase.",
		}, []string{"phase"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "operations_total",
			Help: "Explicit session operations by final result.",
		}, []string{"op", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "provider_attempts_total",
			Help: "Identity provider calls made under a retry policy.",
		}, []string{"op", "result"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "stale_discarded_total",
			Help: "Background results dropped because the session generation moved on.",
		}, []string{"kind"}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "channels_open",
			Help: "Open realtime notification channels.",
		}),
		channelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_total",
			Help: "Realtime events delivered to the session, by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "reconnects_total",
			Help: "Successful realtime transport reconnects.",
		}),
		pushSubscribe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "subscribe_total",
			Help: "Push subscribe attempts by outcome.",
		}, []string{"result", "reason"}),
		pushUnsubscribe: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "unsubscribe_total",
			Help: "Push unsubscribe attempts by outcome.",
		}, []string{"result"}),
		pushSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "sent_total",
			Help: "Push notifications accepted for delivery by the push server.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.phase, m.transitions, m.operations, m.attempts, m.stale,
		m.channelsOpen, m.channelEvents, m.reconnects,
		m.pushSubscribe, m.pushUnsubscribe, m.pushSent,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ---- session.Metrics ----

var phases = []session.Phase{
	session.PhaseUninitialized,
	session.PhaseRestoring,
	session.PhaseAuthenticated,
	session.PhaseUnauthenticated,
}

func (m *Metrics) Transition(to session.Phase) {
	m.transitions.WithLabelValues(string(to)).Inc()
	for _, p := range phases {
		v := 0.0
		if p == to {
			v = 1
		}
		m.phase.WithLabelValues(string(p)).Set(v)
	}
}

func (m *Metrics) Operation(op string, err error) {
	m.operations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Attempt(op string, _ int, err error) {
	m.attempts.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) StaleDiscarded(kind string) {
	m.stale.WithLabelValues(kind).Inc()
}

// result buckets an error as ok, client_error (4xx) or error.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case !retry.IsRetryable(err):
		return "client_error"
	default:
		return "error"
	}
}

// ---- realtime.Metrics ----

func (m *Metrics) ChannelOpened()            { m.channelsOpen.Inc() }
func (m *Metrics) ChannelClosed()            { m.channelsOpen.Dec() }
func (m *Metrics) EventDelivered(typ string) { m.channelEvents.WithLabelValues(typ).Inc() }
func (m *Metrics) Reconnected()              { m.reconnects.Inc() }

// ---- push.Metrics ----

func (m *Metrics) Subscribed(ok bool, reason string) {
	m.pushSubscribe.WithLabelValues(strconv.FormatBool(ok), reason).Inc()
}

func (m *Metrics) Unsubscribed(ok bool) {
	m.pushUnsubscribe.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (m *Metrics) Sent(n int) {
	if n > 0 {
		m.pushSent.Add(float64(n))
	}
}
