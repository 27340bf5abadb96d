package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWith(reg, reg)

	m.PermissionResolved("timed_out", 2*time.Second)
	m.PermissionResolved("allowed", time.Second)
	m.PermissionResolved("allowed", time.Second)
	m.SetPending(3)
	m.SessionEvent("Stop")
	m.SessionEvent("")
	m.DispatchAttempt("tmux", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.permissions.WithLabelValues("allowed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatch.WithLabelValues("tmux", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PermissionResolved("denied", time.Second)
		m.SetPending(1)
		m.SetActiveSessions(1)
		m.SessionEvent("Stop")
		m.DispatchAttempt("tmux", "error")
		m.Notification("session_started", "ok")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetActiveSessions(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "approvald_sessions_active 2")
}
