package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	TrialsCompleted prometheus.Counter
	SessionFailures *prometheus.CounterVec
	PreloadDuration prometheus.Histogram
	CaptureJitter   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active experiment sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TrialsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_completed_total",
			Help:      "Trials completed across all sessions.",
		}),
		SessionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Terminal session failures by taxonomy code.",
		}, []string{"code"}),
		PreloadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preload_duration_ms",
			Help:      "Stimulus preload duration in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		CaptureJitter: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_window_jitter_ms",
			Help:      "Absolute deviation of the realized capture window from the configured one, in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 250},
		}),
	}
}

func (m *Metrics) ObservePreload(d time.Duration) {
	m.PreloadDuration.Observe(float64(d.Milliseconds()))
}

// ObserveCaptureJitter records how far a trial's realized capture window
// landed from the configured duration.
func (m *Metrics) ObserveCaptureJitter(realized, configured time.Duration) {
	jitter := realized - configured
	if jitter < 0 {
		jitter = -jitter
	}
	m.CaptureJitter.Observe(float64(jitter.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
