package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce          sync.Once
	requestsTotal         *prometheus.CounterVec
	latencySeconds        *prometheus.HistogramVec
	errorsTotal           *prometheus.CounterVec
	pipelineRunsTotal     *prometheus.CounterVec
	pipelineStageSeconds  *prometheus.HistogramVec
	pipelineStageFailures *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and
// the grading pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		pipelineRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_pipeline_runs_total",
			Help: "Pipeline runs by final outcome.",
		}, []string{"outcome"})

		pipelineStageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_pipeline_stage_seconds",
			Help:    "Duration of individual pipeline stages.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120, 300},
		}, []string{"stage"})

		pipelineStageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_pipeline_stage_failures_total",
			Help: "Pipeline stage failures by stage.",
		}, []string{"stage"})

		prometheus.MustRegister(requestsTotal, latencySeconds, errorsTotal,
			pipelineRunsTotal, pipelineStageSeconds, pipelineStageFailures)
	})
}

// MetricsHandler exposes the Prometheus scrape endpoint via Fiber.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.Handler())
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for API error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

// PipelineRuns exposes the counter for completed pipeline runs.
func PipelineRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineRunsTotal
}

// PipelineStageDuration exposes the per-stage duration histogram.
func PipelineStageDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return pipelineStageSeconds
}

// PipelineStageFailures exposes the per-stage failure counter.
func PipelineStageFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineStageFailures
}
