package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProjectUp reports 1 while a project's last health check succeeded,
	// 0 otherwise, labeled by project name.
	ProjectUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_project_up",
			Help: "Whether the project's last health check succeeded (1) or failed (0)",
		},
		[]string{"project"},
	)

	// ProjectResponseSeconds tracks the per-project HTTP health check
	// response time, labeled by project name.
	ProjectResponseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_project_response_seconds",
			Help:    "Project health check response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"project"},
	)
)

func init() {
	prometheus.MustRegister(ProjectUp)
	prometheus.MustRegister(ProjectResponseSeconds)
}

// MetricsHandler exposes the Prometheus registry over HTTP, including
// ProjectUp and ProjectResponseSeconds alongside any other metrics
// registered process-wide.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
