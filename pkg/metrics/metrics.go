// Package metrics exposes gateway counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flagkeeper"

// Registry holds the gateway collectors on a private prometheus.Registry.
type Registry struct {
	reg             *prometheus.Registry
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	verifications   *prometheus.CounterVec
	verifyLatency   prometheus.Histogram
	uncheckedNonces prometheus.Counter
	rateLimited     prometheus.Counter
	claimFallbacks  prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Finished verifications by outcome kind and error code.",
		}, []string{"kind", "code"}),
		verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Time spent in the verification pipeline.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		uncheckedNonces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unchecked_nonces_total",
			Help:      "Accepted nonces that were not timestamps, so freshness was not checked.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Submissions rejected by the rate limiter.",
		}),
		claimFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_claim_fallbacks_total",
			Help:      "Replay claims served by the in-memory store after a primary store error.",
		}),
	}
	r.reg.MustRegister(
		r.requests, r.requestLatency, r.verifications, r.verifyLatency,
		r.uncheckedNonces, r.rateLimited, r.claimFallbacks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one HTTP request. route should be the router pattern, not
// the raw path, to keep label cardinality bounded.
func (r *Registry) Observe(route string, status int, d time.Duration) {
	r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.requestLatency.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveVerification records a pipeline outcome. code is empty on success.
func (r *Registry) ObserveVerification(kind, code string, d time.Duration) {
	r.verifications.WithLabelValues(kind, code).Inc()
	r.verifyLatency.Observe(d.Seconds())
}

func (r *Registry) IncUncheckedNonce() { r.uncheckedNonces.Inc() }

func (r *Registry) IncRateLimited() { r.rateLimited.Inc() }

func (r *Registry) IncClaimFallback() { r.claimFallbacks.Inc() }

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
