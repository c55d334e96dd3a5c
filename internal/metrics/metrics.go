// Package metrics exposes the service's Prometheus collectors.
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

	"github.com/kalambet/orca/internal/promptcache"
)

const namespace = "orca"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	retries       *prometheus.CounterVec
	analyses      *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	mockFallbacks prometheus.Counter
	chats         *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_failed_total",
			Help:      "Failed upstream attempts by operation and error class.",
		}, []string{"op", "class"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_analyses_total",
			Help:      "Document analyses by processing strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		mockFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mock_fallbacks_total",
			Help:      "Chat requests answered by the degraded-mode responder.",
		}),
		chats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Orchestrated chat requests by outcome.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.retries, m.analyses, m.toolCalls, m.mockFallbacks, m.chats, m.httpDuration,
	)
	return m
}

// ObserveRetry counts one failed attempt.
func (m *Metrics) ObserveRetry(op, class string) {
	m.retries.WithLabelValues(op, class).Inc()
}

func (m *Metrics) ObserveAnalysis(strategy, outcome string) {
	if strategy == "" {
		strategy = "none"
	}
	m.analyses.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) ObserveToolCall(tool string, failed bool) {
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveMockFallback() {
	m.mockFallbacks.Inc()
}

func (m *Metrics) ObserveChat(outcome string) {
	m.chats.WithLabelValues(outcome).Inc()
}

// WatchCache exports the prompt cache counters, read at scrape time.
func (m *Metrics) WatchCache(c *promptcache.Cache) {
	gauge := func(name, help string, v func(promptcache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prompt_cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(c.Stats()) })
	}
	m.registry.MustRegister(
		gauge("hits", "Cache hits since the last clear.", func(s promptcache.Stats) float64 { return float64(s.Hits) }),
		gauge("misses", "Cache misses since the last clear.", func(s promptcache.Stats) float64 { return float64(s.Misses) }),
		gauge("entries", "Live cache entries.", func(s promptcache.Stats) float64 { return float64(s.Entries) }),
		gauge("memory_bytes", "Approximate bytes held by cached values.", func(s promptcache.Stats) float64 { return float64(s.ApproxMemoryBytes) }),
	)
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware times requests by their chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
