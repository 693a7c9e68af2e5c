package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *serverMetrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := newServerMetrics(reg)
	sm, ok := m.(*serverMetrics)
	require.True(t, ok)
	return sm
}

func TestConnectionOpenedAndClosed_TrackActiveGauge(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.connectionsOpened))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectionsActive))
}

func TestRequestStartedAndCompleted_TrackInFlightGauge(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.RequestStarted("read")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestsInFlight.WithLabelValues("read")))

	m.RequestCompleted("read", 5*time.Millisecond, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.requestsInFlight.WithLabelValues("read")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.requestErrors.WithLabelValues("read", errCodeLabel(0))))
}

func TestRequestCompleted_NonZeroErrCodeIncrementsErrorCounter(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.RequestStarted("write")
	m.RequestCompleted("write", time.Millisecond, 28)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestErrors.WithLabelValues("write", "ENOSPC")))
}

func TestBytesTransferred_IgnoresNonPositiveAmounts(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.BytesTransferred("read", 0)
	m.BytesTransferred("read", -5)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.bytesTransferred.WithLabelValues("read")))

	m.BytesTransferred("read", 100)
	assert.Equal(t, float64(100), testutil.ToFloat64(m.bytesTransferred.WithLabelValues("read")))
}

func TestHandshakeOption_IncrementsByOptionAndResult(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.HandshakeOption("EXPORT_NAME", "ack")
	m.HandshakeOption("EXPORT_NAME", "ack")
	m.HandshakeOption("STARTTLS", "unsup")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.handshakeOptions.WithLabelValues("EXPORT_NAME", "ack")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handshakeOptions.WithLabelValues("STARTTLS", "unsup")))
}

func TestErrCodeLabel_MapsKnownWireCodes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "EPERM", errCodeLabel(1))
	assert.Equal(t, "EIO", errCodeLabel(5))
	assert.Equal(t, "ENOMEM", errCodeLabel(12))
	assert.Equal(t, "EINVAL", errCodeLabel(22))
	assert.Equal(t, "ENOSPC", errCodeLabel(28))
	assert.Equal(t, "EOVERFLOW", errCodeLabel(75))
	assert.Equal(t, "ENOTSUP", errCodeLabel(95))
	assert.Equal(t, "ESHUTDOWN", errCodeLabel(108))
	assert.Equal(t, "UNKNOWN", errCodeLabel(999))
}
