package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SendStarted()
		m.SendFailed("timeout")
		m.DialFailed("dial")
		m.AckReceived("AA", time.Millisecond)
		m.ConnectionAccepted()
		m.FrameRead()
		m.MessageHandled()
		m.HandleFailed("protocol")
		m.ReplyWritten()
		m.SetPaused(true)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SendStarted()
	m.SendStarted()
	m.SendFailed("timeout")
	m.DialFailed("tls-handshake")
	m.AckReceived("AA", 5*time.Millisecond)
	m.AckReceived("", time.Millisecond)
	m.ConnectionAccepted()
	m.FrameRead()
	m.MessageHandled()
	m.HandleFailed("conformance")
	m.ReplyWritten()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.sends))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sendErrors.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dialErrors.WithLabelValues("tls-handshake")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.acks.WithLabelValues("AA")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.acks.WithLabelValues("none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.accepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reads))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handled))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handleErrors.WithLabelValues("conformance")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.writes))

	m.SetPaused(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.paused))
	m.SetPaused(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.paused))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
