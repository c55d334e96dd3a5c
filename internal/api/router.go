// Package api exposes the HTTP and MCP surfaces of orca.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/orca/internal/composer"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/metrics"
	"github.com/kalambet/orca/internal/orchestrator"
	"github.com/kalambet/orca/internal/promptcache"
	"github.com/kalambet/orca/internal/proxy"
	"github.com/kalambet/orca/internal/retry"
	"github.com/kalambet/orca/internal/storage"
)

// Upstream is the OpenAI-compatible provider used for pass-through.
type Upstream interface {
	Chat(ctx context.Context, req proxy.ChatRequest) (io.ReadCloser, error)
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

// ChatHandler answers orchestrated chat turns.
type ChatHandler interface {
	Handle(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Analyzer runs the document pipeline synchronously.
type Analyzer interface {
	Analyze(ctx context.Context, in document.Input) document.Result
	Supported(fileName string) bool
}

// Deps holds everything the HTTP surface needs. Upstream, Orchestrator,
// Analyzer and Store are required; the rest are optional.
type Deps struct {
	Upstream     Upstream
	Orchestrator ChatHandler
	Analyzer     Analyzer
	Store        *storage.Store
	Cache        *promptcache.Cache
	Composer     *composer.Composer
	Retry        *retry.Controller
	Policy       retry.Policy
	Metrics      *metrics.Metrics
	Token        string
	Logger       *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewRouter mounts the open routes (health, metrics, OpenAI-compatible
// pass-through) and the bearer-authenticated application routes.
func NewRouter(deps Deps) http.Handler {
	if deps.Policy.MaxAttempts == 0 {
		deps.Policy = retry.Patient
	}

	r := chi.NewRouter()
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleModels(deps))
	r.Post("/v1/chat/completions", handleChatCompletions(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))

		r.Post("/documents/analyze", handleAnalyzeDocument(deps))
		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))

		r.Get("/cache/stats", handleCacheStats(deps))
		r.Post("/cache/clear", handleCacheClear(deps))
		r.Get("/prompt/info", handlePromptInfo(deps))

		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))
		r.Delete("/interactions/{id}", handleDeleteInteraction(deps))
	})

	return r
}
