package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/orca/internal/promptcache"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ObserveRetry("chat", "overloaded")
	m.ObserveRetry("chat", "overloaded")
	m.ObserveAnalysis("single_pass", "success")
	m.ObserveAnalysis("", "failure")
	m.ObserveToolCall("web_search", true)
	m.ObserveMockFallback()
	m.ObserveChat("mocked")

	out := scrape(t, m)
	for _, want := range []string{
		`orca_retry_attempts_failed_total{class="overloaded",op="chat"} 2`,
		`orca_document_analyses_total{outcome="success",strategy="single_pass"} 1`,
		`orca_document_analyses_total{outcome="failure",strategy="none"} 1`,
		`orca_tool_calls_total{outcome="error",tool="web_search"} 1`,
		`orca_mock_fallbacks_total 1`,
		`orca_chat_requests_total{outcome="mocked"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_WatchCache(t *testing.T) {
	m := New()
	c := promptcache.New(10, promptcache.DefaultTTLs)
	m.WatchCache(c)
	c.Set("k", promptcache.CategoryStatic, "value")
	c.Get("k", promptcache.CategoryStatic)
	c.Get("missing", promptcache.CategoryStatic)

	out := scrape(t, m)
	for _, want := range []string{
		"orca_prompt_cache_hits 1",
		"orca_prompt_cache_misses 1",
		"orca_prompt_cache_entries 1",
		"orca_prompt_cache_memory_bytes 5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	out := scrape(t, m)
	want := `orca_http_request_duration_seconds_count{method="GET",route="/items/{id}",status="418"} 1`
	if !strings.Contains(out, want) {
		t.Errorf("exposition missing %q", want)
	}
}
