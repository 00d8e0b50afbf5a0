package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation for the verification server.
type Metrics struct {
	Requests        *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	LiveWorkspaces  prometheus.Gauge
	RunDuration     prometheus.Histogram
	ArchivedFiles   prometheus.Counter
	ArchivedReports prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verify_requests_total",
				Help: "Requests handled, by request type and response status.",
			},
			[]string{"type", "status"},
		),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verify_active_runs",
			Help: "Verification child processes currently supervised.",
		}),
		LiveWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verify_live_workspaces",
			Help: "Workspaces currently registered and not expired.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verify_run_duration_seconds",
			Help:    "Wall-clock duration of finished verification runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		ArchivedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verify_archived_files_total",
			Help: "Distinct file blobs checked into the archive.",
		}),
		ArchivedReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verify_archived_reports_total",
			Help: "Distinct reports checked into the archive.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.Requests,
		m.ActiveRuns,
		m.LiveWorkspaces,
		m.RunDuration,
		m.ArchivedFiles,
		m.ArchivedReports,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
