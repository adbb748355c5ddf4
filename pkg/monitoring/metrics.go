package monitoring

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cloud_session"

// Metrics are the host counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessions         *prometheus.CounterVec
	negotiationFails prometheus.Counter
	conflicts        *prometheus.CounterVec
	callAttempts     *prometheus.CounterVec
	callRetries      *prometheus.CounterVec
	callGiveUps      *prometheus.CounterVec
	retryQueue       prometheus.Gauge
	inbox            prometheus.Gauge
	rtpBytes         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Number of open seat sessions.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total", Help: "Seat sessions by outcome.",
		}, []string{"outcome"}),
		negotiationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "negotiation_failures_total", Help: "Failed offer/answer exchanges.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_conflicts_total", Help: "Seat identity conflicts by operation.",
		}, []string{"op"}),
		callAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "call_attempts_total", Help: "Reliable call invocations.",
		}, []string{"call"}),
		callRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "call_retries_total", Help: "Reliable call retries after backoff.",
		}, []string{"call"}),
		callGiveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "call_giveups_total", Help: "Reliable calls given up by reason.",
		}, []string{"call", "reason"}),
		retryQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "retry_queue_depth", Help: "Calls waiting in the retry queue.",
		}),
		inbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inbox_depth", Help: "Messages waiting for the next tick.",
		}),
		rtpBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtp_sent_bytes_total", Help: "Outgoing RTP bytes by mime type.",
		}, []string{"mime"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionsActive, m.sessions, m.negotiationFails, m.conflicts,
			m.callAttempts, m.callRetries, m.callGiveUps, m.retryQueue, m.inbox, m.rtpBytes)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed counts a closed session with its outcome: exited, failed, dropped.
func (m *Metrics) SessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionStreaming() {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues("streaming").Inc()
}

func (m *Metrics) NegotiationFailed() {
	if m == nil {
		return
	}
	m.negotiationFails.Inc()
}

func (m *Metrics) PresenceConflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) CallAttempt(name string) {
	if m == nil {
		return
	}
	m.callAttempts.WithLabelValues(name).Inc()
}

func (m *Metrics) CallRetry(name string) {
	if m == nil {
		return
	}
	m.callRetries.WithLabelValues(name).Inc()
}

func (m *Metrics) CallGiveUp(name string, reason string) {
	if m == nil {
		return
	}
	m.callGiveUps.WithLabelValues(name, reason).Inc()
}

func (m *Metrics) QueueDepth(retry int, inbox int) {
	if m == nil {
		return
	}
	m.retryQueue.Set(float64(retry))
	m.inbox.Set(float64(inbox))
}

func (m *Metrics) RTPSent(mime string, n int) {
	if m == nil {
		return
	}
	m.rtpBytes.WithLabelValues(mime).Add(float64(n))
}
