package metrics

import (
	"testing"

	"github.com/layer-3/walletgate/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ChallengeIssued(nil)
	m.ChallengeIssued(core.ErrTooManyPending)
	m.Verification("personal_message", nil)
	m.Verification("personal_message", core.ErrAccountMismatch)
	m.Admission("verify", &core.RateLimitedError{})
	m.RelayOpened()
	m.RelayOpened()
	m.RelayClosed(core.ErrRevoked)
	m.RelayEvent(core.TypeWalletUpdate)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.challengesIssued.WithLabelValues("OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.challengesIssued.WithLabelValues(core.CodeTooManyPending)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifications.WithLabelValues("personal_message", core.CodeAccountMismatch)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("verify", core.CodeRateLimited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayClosed.WithLabelValues(core.CodeRevoked)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChallengeIssued(nil)
		m.Verification("typed_structured", nil)
		m.SessionCreated()
		m.SessionRevoked()
		m.Admission("relay", nil)
		m.RelayAttach(nil)
		m.RelayOpened()
		m.RelayClosed(nil)
		m.RelayEvent(core.TypeTransaction)
	})
}
