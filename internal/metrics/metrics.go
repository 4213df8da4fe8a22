// Package metrics exposes Prometheus counters for the report pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons an artifact is deleted instead of handed off.
const (
	ReasonUninteresting = "uninteresting"
	ReasonConfiguration = "configuration"
	ReasonHandoff       = "handoff"
)

// Metrics holds the pipeline counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ArtifactsSwept       prometheus.Counter
	ArtifactsDiscarded   *prometheus.CounterVec
	ArtifactsSubmitted   *prometheus.CounterVec
	DiagnosticsPayloads  prometheus.Counter
	DirectoryListFailure prometheus.Counter
	ReportsReceived      *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ArtifactsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "stacksift_artifacts_swept_total",
			Help: "Artifacts found in the report directory during sweeps",
		}),
		ArtifactsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stacksift_artifacts_discarded_total",
			Help: "Artifacts deleted locally without being uploaded",
		}, []string{"reason"}),
		ArtifactsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stacksift_artifacts_submitted_total",
			Help: "Artifacts handed off to the transport",
		}, []string{"kind"}),
		DiagnosticsPayloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "stacksift_diagnostics_payloads_total",
			Help: "Payloads delivered by the system diagnostics source",
		}),
		DirectoryListFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "stacksift_report_directory_errors_total",
			Help: "Sweeps that could not enumerate the report directory",
		}),
		ReportsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stacksift_receiver_reports_total",
			Help: "Reports accepted by the development receiver",
		}, []string{"kind"}),
	}
}

// Registry returns the registry holding the counters.
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

func (m *Metrics) IncSwept() {
	if m != nil {
		m.ArtifactsSwept.Inc()
	}
}

func (m *Metrics) IncDiscarded(reason string) {
	if m != nil {
		m.ArtifactsDiscarded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncSubmitted(kind string) {
	if m != nil {
		m.ArtifactsSubmitted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) AddDiagnosticsPayloads(n int) {
	if m != nil {
		m.DiagnosticsPayloads.Add(float64(n))
	}
}

func (m *Metrics) IncDirectoryListFailure() {
	if m != nil {
		m.DirectoryListFailure.Inc()
	}
}

func (m *Metrics) IncReceived(kind string) {
	if m != nil {
		m.ReportsReceived.WithLabelValues(kind).Inc()
	}
}
