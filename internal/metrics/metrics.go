package metrics

import (
	"github.com/layer-3/walletgate/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walletgate"

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	challengesIssued *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	sessionsCreated  prometheus.Counter
	sessionsRevoked  prometheus.Counter
	admissions       *prometheus.CounterVec
	relayOpen        prometheus.Gauge
	relayAttaches    *prometheus.CounterVec
	relayEvents      *prometheus.CounterVec
	relayClosed      *prometheus.CounterVec
}

// New registers every collector on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		challengesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Challenge issuance attempts by result code.",
		}, []string{"result"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Signature verifications by result code.",
		}, []string{"scheme", "result"}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions minted.",
		}),
		sessionsRevoked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked through this instance.",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_admissions_total",
			Help:      "Rate limiter decisions by policy.",
		}, []string{"policy", "result"}),
		relayOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Logical relay connections currently held by the gateway.",
		}),
		relayAttaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attaches_total",
			Help:      "Relay attach attempts by result code.",
		}, []string{"result"}),
		relayEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Events written to relay transports.",
		}, []string{"type"}),
		relayClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_closed_total",
			Help:      "Relay connections closed by reason code.",
		}, []string{"reason"}),
	}
}

func result(err error) string {
	if err == nil {
		return "OK"
	}
	return core.Code(err)
}

func (m *Metrics) ChallengeIssued(err error) {
	if m == nil {
		return
	}
	m.challengesIssued.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Verification(scheme string, err error) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(scheme, result(err)).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionRevoked() {
	if m == nil {
		return
	}
	m.sessionsRevoked.Inc()
}

func (m *Metrics) Admission(policy string, err error) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(policy, result(err)).Inc()
}

func (m *Metrics) RelayAttach(err error) {
	if m == nil {
		return
	}
	m.relayAttaches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RelayOpened() {
	if m == nil {
		return
	}
	m.relayOpen.Inc()
}

// RelayClosed records a connection leaving the gateway. A nil reason is a clean shutdown.
func (m *Metrics) RelayClosed(reason error) {
	if m == nil {
		return
	}
	m.relayOpen.Dec()
	m.relayClosed.WithLabelValues(result(reason)).Inc()
}

func (m *Metrics) RelayEvent(t core.MessageType) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(string(t)).Inc()
}
