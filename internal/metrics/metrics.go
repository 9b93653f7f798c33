// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osce_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "route"},
	)

	RunsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osce_runs_started_total",
		Help: "Runs created",
	})

	RunsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_runs_submitted_total",
			Help: "Runs that reached the submitted phase, by end reason",
		},
		[]string{"reason"},
	)

	ScoringOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_scoring_total",
			Help: "Scoring passes by outcome (full, partial)",
		},
		[]string{"outcome"},
	)

	LLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osce_llm_calls_total",
			Help: "Language model calls by operation and result",
		},
		[]string{"op", "result"},
	)

	LLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osce_llm_call_duration_seconds",
			Help:    "Latency of language model calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			RunsStarted,
			RunsSubmitted,
			ScoringOutcomes,
			LLMCalls,
			LLMDuration,
		)
	})
}

// ObserveLLM records one language model call.
func ObserveLLM(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LLMCalls.WithLabelValues(op, result).Inc()
	LLMDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
