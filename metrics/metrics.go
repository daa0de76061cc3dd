// Package metrics exposes Prometheus counters for HL7 exchanges. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hl7mllp"

// Metrics holds the collectors shared by the initiator and the receiver.
type Metrics struct {
	sends        prometheus.Counter
	sendErrors   *prometheus.CounterVec // by error kind
	dialErrors   *prometheus.CounterVec // by reason
	acks         *prometheus.CounterVec // by MSA-1 code
	exchange     prometheus.Histogram
	accepted     prometheus.Counter
	reads        prometheus.Counter
	handled      prometheus.Counter
	handleErrors *prometheus.CounterVec // by error kind
	writes       prometheus.Counter
	paused       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: Registry to register with, e.g. prometheus.NewRegistry()
//
// Returns:
//   - The metrics, or an error if a collector is already registered
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "initiator", Name: "sends_total",
			Help: "Messages sent to a remote endpoint",
		}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "initiator", Name: "send_errors_total",
			Help: "Failed send exchanges by error kind",
		}, []string{"kind"}),
		dialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "initiator", Name: "dial_errors_total",
			Help: "Failed connection attempts by reason",
		}, []string{"reason"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "initiator", Name: "acks_total",
			Help: "Acknowledgements received by MSA-1 code",
		}, []string{"code"}),
		exchange: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "initiator", Name: "exchange_seconds",
			Help:    "Duration of send and acknowledgement round trips",
			Buckets: prometheus.DefBuckets,
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "connections_total",
			Help: "Accepted inbound connections",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "frames_read_total",
			Help: "Frames read from inbound connections",
		}),
		handled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "messages_handled_total",
			Help: "Inbound messages acknowledged",
		}),
		handleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "handle_errors_total",
			Help: "Inbound messages rejected by error kind",
		}, []string{"kind"}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "replies_written_total",
			Help: "Acknowledgements written to inbound connections",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "paused",
			Help: "1 while inbound processing is paused",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.sends, m.sendErrors, m.dialErrors, m.acks, m.exchange,
		m.accepted, m.reads, m.handled, m.handleErrors, m.writes, m.paused,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SendStarted counts an outbound exchange.
func (m *Metrics) SendStarted() {
	if m == nil {
		return
	}
	m.sends.Inc()
}

// SendFailed counts a failed exchange.
func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(kind).Inc()
}

// DialFailed counts a failed connection attempt.
func (m *Metrics) DialFailed(reason string) {
	if m == nil {
		return
	}
	m.dialErrors.WithLabelValues(reason).Inc()
}

// AckReceived counts an acknowledgement and records the exchange duration.
func (m *Metrics) AckReceived(code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "none"
	}
	m.acks.WithLabelValues(code).Inc()
	m.exchange.Observe(elapsed.Seconds())
}

// ConnectionAccepted counts an inbound connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

// FrameRead counts an inbound frame.
func (m *Metrics) FrameRead() {
	if m == nil {
		return
	}
	m.reads.Inc()
}

// MessageHandled counts an acknowledged inbound message.
func (m *Metrics) MessageHandled() {
	if m == nil {
		return
	}
	m.handled.Inc()
}

// HandleFailed counts a rejected inbound message.
func (m *Metrics) HandleFailed(kind string) {
	if m == nil {
		return
	}
	m.handleErrors.WithLabelValues(kind).Inc()
}

// ReplyWritten counts a reply written to an inbound connection.
func (m *Metrics) ReplyWritten() {
	if m == nil {
		return
	}
	m.writes.Inc()
}

// SetPaused records the pause state.
func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}
