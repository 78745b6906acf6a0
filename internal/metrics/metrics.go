// Package metrics exposes Prometheus instrumentation for the fan-out
// pipeline: submissions, provider calls, dispatch retries and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the rest of the service reports to.
type Recorder interface {
	ObserveProviderCall(provider, status string, elapsed time.Duration, tokens int)
	IncSubmission(outcome string)
	IncAggregateFinished(status string)
	IncDispatch(outcome string)
	ObserveHTTPRequest(route, method string, code int, elapsed time.Duration)
}

// Prometheus implements Recorder on its own registry so tests can create
// as many instances as they like.
type Prometheus struct {
	registry *prometheus.Registry

	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	aggregatesClosed *prometheus.CounterVec
	dispatch         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewPrometheus registers every collector on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_provider_calls_total",
				Help: "Total number of upstream provider calls",
			},
			[]string{"provider", "status"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_provider_call_duration_milliseconds",
				Help:    "Upstream provider call duration in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
			},
			[]string{"provider"},
		),
		providerTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_provider_tokens_total",
				Help: "Total tokens reported by upstream providers",
			},
			[]string{"provider"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_submissions_total",
				Help: "Prompt submissions by outcome",
			},
			[]string{"outcome"},
		),
		aggregatesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_aggregates_finished_total",
				Help: "Aggregates that reached a terminal status",
			},
			[]string{"status"},
		),
		dispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_dispatch_jobs_total",
				Help: "Provider jobs handled by the dispatcher, by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"route", "method", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_http_request_duration_milliseconds",
				Help:    "HTTP request duration in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 200, 500, 1000, 2000},
			},
			[]string{"route"},
		),
	}

	p.registry.MustRegister(
		p.providerCalls,
		p.providerLatency,
		p.providerTokens,
		p.submissions,
		p.aggregatesClosed,
		p.dispatch,
		p.httpRequests,
		p.httpDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) ObserveProviderCall(provider, status string, elapsed time.Duration, tokens int) {
	p.providerCalls.WithLabelValues(provider, status).Inc()
	p.providerLatency.WithLabelValues(provider).Observe(float64(elapsed.Milliseconds()))
	if tokens > 0 {
		p.providerTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

func (p *Prometheus) IncSubmission(outcome string) {
	p.submissions.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) IncAggregateFinished(status string) {
	p.aggregatesClosed.WithLabelValues(status).Inc()
}

func (p *Prometheus) IncDispatch(outcome string) {
	p.dispatch.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) ObserveHTTPRequest(route, method string, code int, elapsed time.Duration) {
	p.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	p.httpDuration.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveProviderCall(string, string, time.Duration, int) {}
func (Noop) IncSubmission(string)                                   {}
func (Noop) IncAggregateFinished(string)                            {}
func (Noop) IncDispatch(string)                                     {}
func (Noop) ObserveHTTPRequest(string, string, int, time.Duration)  {}
