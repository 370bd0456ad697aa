package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Inbound("text")
	m.Inbound("text")
	m.Delivery("delivered", 20*time.Millisecond)
	m.MediaFailure("refresh")
	m.Outbound("image", nil)
	m.Outbound("image", errors.New("boom"))
	m.ReconnectScheduled()
	m.SetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inbound.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mediaFailures.WithLabelValues("refresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outbound.WithLabelValues("image", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Inbound("text")
	m.SetConnected(true)
	m.Delivery("failed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.ReconnectScheduled()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_reconnects_scheduled_total 1")
}
