// Package metrics exposes Prometheus collectors for the status engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors registered for one process.
type Registry struct {
	reg *prometheus.Registry

	transitions    *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	invoices       *prometheus.CounterVec
	counterRetries prometheus.Counter
	verifications  *prometheus.CounterVec
	requests       *prometheus.HistogramVec
}

// New registers all collectors under namespace on a fresh registry.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Status update attempts by service and outcome.",
		}, []string{"service", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_conflicts_total",
			Help:      "Optimistic transaction conflicts by operation.",
		}, []string{"operation"}),
		invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_total",
			Help:      "Invoice lifecycle events by outcome.",
		}, []string{"outcome"}),
		counterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_counter_retries_total",
			Help:      "Retried invoice counter allocations.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_verifications_total",
			Help:      "Token verifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.transitions, r.conflicts, r.invoices, r.counterRetries, r.verifications, r.requests,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and the CLI.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Transition counts one status update attempt. outcome is "allowed",
// "override" or a denial kind.
func (r *Registry) Transition(service, outcome string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(service, outcome).Inc()
}

func (r *Registry) Conflict(operation string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(operation).Inc()
}

// Invoice counts created, pending, reconciled and paid invoices.
func (r *Registry) Invoice(outcome string) {
	if r == nil {
		return
	}
	r.invoices.WithLabelValues(outcome).Inc()
}

func (r *Registry) CounterRetry() {
	if r == nil {
		return
	}
	r.counterRetries.Inc()
}

// RecordVerification implements auth.VerificationRecorder.
func (r *Registry) RecordVerification(kind, outcome string) {
	if r == nil {
		return
	}
	r.verifications.WithLabelValues(kind, outcome).Inc()
}

// Middleware observes request latency labelled by chi route pattern.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.requests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
