package dbusrpc

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "dbusrpc"

// Metrics records statistics about the calls made on a [Conn].
//
// A nil *Metrics records nothing.
type Metrics struct {
	callsTotal   *prometheus.CounterVec
	pendingCalls prometheus.Gauge
	callDuration *prometheus.HistogramVec
}

// NewMetrics creates a new, unregistered set of call metrics. Use
// [Metrics.Collectors] to register them.
func NewMetrics() *Metrics {
	return &Metrics{
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: metricsSubsystem,
				Name:      "calls_total",
				Help:      "Cumulative number of DBus method calls, by dispatch mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		pendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: metricsSubsystem,
				Name:      "pending_calls",
				Help:      "Number of DBus method calls waiting for a reply.",
			},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: metricsSubsystem,
				Name:      "call_duration_seconds",
				Help:      "Time from sending a DBus method call to its completion, by dispatch mode.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"mode"},
		),
	}
}

// Collectors returns the metrics' collectors, for registration with
// a [prometheus.Registerer].
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.callsTotal, m.pendingCalls, m.callDuration}
}

// Call outcomes.
const (
	outcomeOK           = "ok"
	outcomeSent         = "sent"
	outcomeRemoteError  = "remote_error"
	outcomeNoReply      = "no_reply"
	outcomeNotConnected = "not_connected"
	outcomeCanceled     = "canceled"
	outcomeSendFailed   = "send_failed"
	outcomeError        = "error"
)

func outcomeOf(err error) string {
	var (
		remote       *RemoteError
		noReply      *NoReplyError
		notConnected *NotConnectedError
	)
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &remote):
		return outcomeRemoteError
	case errors.As(err, &noReply):
		return outcomeNoReply
	case errors.As(err, &notConnected):
		return outcomeNotConnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeError
	}
}

// callStarted records a sent call. Calls that expect a reply stay
// pending until callFinished or callForgotten.
func (m *Metrics) callStarted(mode Mode, pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.pendingCalls.Inc()
	} else {
		m.callsTotal.WithLabelValues(mode.String(), outcomeSent).Inc()
	}
}

// callFailed records a call that could not be submitted.
func (m *Metrics) callFailed(mode Mode, err error) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(mode.String(), outcomeOf(err)).Inc()
}

func (m *Metrics) callFinished(mode Mode, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
	m.callsTotal.WithLabelValues(mode.String(), outcomeOf(err)).Inc()
	m.callDuration.WithLabelValues(mode.String()).Observe(d.Seconds())
}

// callForgotten records a pending call that failed to send.
func (m *Metrics) callForgotten(mode Mode) {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
	m.callsTotal.WithLabelValues(mode.String(), outcomeSendFailed).Inc()
}
