package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approvald"

// Metrics holds the daemon's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	permissions    *prometheus.CounterVec
	waitSeconds    prometheus.Histogram
	pending        prometheus.Gauge
	activeSessions prometheus.Gauge
	sessionEvents  *prometheus.CounterVec
	dispatch       *prometheus.CounterVec
	notifications  *prometheus.CounterVec
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		permissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_requests_total",
			Help:      "Permission requests by final outcome.",
		}, []string{"outcome"}),
		waitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "permission_wait_seconds",
			Help:      "Time from submit to decision.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "permission_requests_pending",
			Help:      "Permission requests awaiting a decision.",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Tracked sessions that have not ended.",
		}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session hook events by kind.",
		}, []string{"event"}),
		dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Input injection attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) PermissionResolved(outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.permissions.WithLabelValues(outcome).Inc()
	m.waitSeconds.Observe(wait.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SessionEvent(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.sessionEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) DispatchAttempt(strategy, result string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
