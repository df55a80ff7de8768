// Package metrics exposes Prometheus instrumentation for visit processing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	visitsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activator_visits_received_total",
		Help: "Total next-visit notifications accepted for processing",
	}, []string{"instrument", "survey"})

	visitsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activator_visits_processed_total",
		Help: "Total visits that finished processing, by outcome",
	}, []string{"instrument", "outcome"})

	imagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "activator_images_ingested_total",
		Help: "Total raw images ingested into local workspaces",
	})

	datasetsReplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activator_datasets_replicated_total",
		Help: "Total datasets copied from the central registry, by kind",
	}, []string{"kind"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "activator_stage_duration_seconds",
		Help:    "Wall time of each processing stage",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})
)

func init() {
	// Register eagerly; if no /metrics endpoint is mounted the registration
	// is harmless.
	prometheus.MustRegister(visitsReceived, visitsProcessed, imagesIngested, datasetsReplicated, stageDuration)
}

// Outcome labels for visits_processed_total.
const (
	OutcomeSuccess  = "success"
	OutcomeSkipped  = "skipped"
	OutcomeNoData   = "no_data"
	OutcomeTimedOut = "timed_out"
	OutcomeError    = "error"
)

// VisitReceived counts an accepted next-visit notification.
func VisitReceived(instrument, survey string) {
	visitsReceived.WithLabelValues(instrument, survey).Inc()
}

// VisitProcessed counts a finished visit.
func VisitProcessed(instrument, outcome string) {
	visitsProcessed.WithLabelValues(instrument, outcome).Inc()
}

// ImageIngested counts one raw image landing in a workspace.
func ImageIngested() {
	imagesIngested.Inc()
}

// DatasetsReplicated counts datasets copied from the central registry.
func DatasetsReplicated(kind string, n int) {
	if n > 0 {
		datasetsReplicated.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveStage records the wall time of one processing stage.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
