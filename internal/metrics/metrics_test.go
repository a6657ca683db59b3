// ABOUTME: Tests for metrics collectors and HTTP exposure
// ABOUTME: Uses prometheus testutil to read counter values
package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordAdmitted()
	m.RecordDropped(DropDuplicate)
	m.RecordUnderrun()
	m.RecordState("streaming", 3)
	m.RecordBuffered(time.Second)
	m.RecordClock(10, 20)
	m.RecordHandshake(time.Millisecond)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordAdmitted()
	m.RecordAdmitted()
	m.RecordDropped(DropDuplicate)
	m.RecordDropped(DropDuplicate)
	m.RecordDropped(DropOverflow)
	m.RecordUnderrun()
	m.RecordViolation()
	m.RecordReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsAdmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(DropDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(DropOverflow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Underruns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
}

func TestStateGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordState("handshaking", 1)
	m.RecordState("streaming", 3)
	m.RecordBuffered(1500 * time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.State))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("streaming")))
	assert.InDelta(t, 1.5, testutil.ToFloat64(m.BufferedSeconds), 1e-9)
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordUnderrun()

	s := NewServer("127.0.0.1:0", reg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "sendspin_playback_underruns_total 1"))

	resp, err = http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
