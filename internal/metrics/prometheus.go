package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "console"

// Run outcomes used as the "outcome" label of console_runs_total.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDegraded  = "degraded"
)

// Exporter mirrors aggregator samples into Prometheus collectors. All methods
// are safe on a nil receiver.
type Exporter struct {
	registry          *prometheus.Registry
	firstTokenLatency prometheus.Histogram
	tokensPerSecond   prometheus.Histogram
	completionErrors  prometheus.Counter
	degradedRuns      prometheus.Counter
	runs              *prometheus.CounterVec
}

// NewExporter creates an exporter with its own registry, including the Go
// runtime and process collectors.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		firstTokenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_seconds",
			Help:      "Time from user message to first assistant token.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		tokensPerSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tokens_per_second",
			Help:      "Assistant token throughput per completed message.",
			Buckets:   prometheus.LinearBuckets(5, 10, 10),
		}),
		completionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_errors_total",
			Help:      "Assistant runs that ended in an error.",
		}),
		degradedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_runs_total",
			Help:      "Assistant runs served by the local fallback after an upstream failure.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Assistant runs by outcome.",
		}, []string{"outcome"}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.firstTokenLatency,
		e.tokensPerSecond,
		e.completionErrors,
		e.degradedRuns,
		e.runs,
	)
	return e
}

// TrackSubscribers exports the live subscriber count reported by fn.
func (e *Exporter) TrackSubscribers(fn func() int) {
	if e == nil {
		return
	}
	e.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_subscribers",
		Help:      "Subscribers currently attached to session streams.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveRun counts a finished run under outcome.
func (e *Exporter) ObserveRun(outcome string) {
	if e == nil {
		return
	}
	e.runs.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDegraded {
		e.degradedRuns.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

func (e *Exporter) observeMessage(sample MessageSample) {
	if e == nil {
		return
	}
	e.firstTokenLatency.Observe(sample.FirstTokenLatencyMs / 1000)
	e.tokensPerSecond.Observe(sample.TokensPerSec)
}

func (e *Exporter) observeError() {
	if e == nil {
		return
	}
	e.completionErrors.Inc()
}
