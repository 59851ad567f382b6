package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bundle"

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics owns a private registry so tests and embedded use never collide
// with the process-wide default registerer. All methods accept a nil receiver.
type Metrics struct {
	registry       *prometheus.Registry
	operations     *prometheus.CounterVec
	opLatency      *prometheus.HistogramVec
	artifacts      *prometheus.CounterVec
	errors         *prometheus.CounterVec
	deployDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Bundle service operations by outcome.",
		}, []string{"operation", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of bundle service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_deployments_total",
			Help:      "Artifact deployments attempted, by class and outcome.",
		}, []string{"class", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors recorded by category.",
		}, []string{"category"}),
		deployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deploy_duration_seconds",
			Help:      "Wall time of bundle deployments.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.opLatency,
		m.artifacts,
		m.errors,
		m.deployDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackOperation is deferred by service operations:
//
//	defer m.TrackOperation("bundle.create", &err)()
func (m *Metrics) TrackOperation(operation string, errRef *error) func() {
	started := time.Now()
	return func() {
		if m == nil {
			return
		}
		outcome := OutcomeSuccess
		if errRef != nil && *errRef != nil {
			outcome = OutcomeError
		}
		m.operations.WithLabelValues(operation, outcome).Inc()
		m.opLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	category = strings.TrimSpace(category)
	if category == "" {
		category = "api"
	}
	m.errors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordArtifact(class, outcome string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) ObserveDeploy(elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	m.deployDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
