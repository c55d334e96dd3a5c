package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/orca/internal/proxy"
	"github.com/kalambet/orca/internal/retry"
)

const maxRequestBodySize = 1 << 20 // 1MB

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Upstream.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, proxy.ModelList{
			Object: "list",
			Data:   models,
		})
	}
}

// handleChatCompletions forwards an OpenAI-style request upstream with the
// orca system prompt prepended, retrying overloads with the patient policy.
func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req proxy.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if !hasMessages(req.Messages) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		if deps.Composer != nil {
			composed, err := deps.Composer.Compose(req)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid messages: %v", err)
				return
			}
			req = composed
		}

		rc, err := forward(r.Context(), deps, req)
		if err != nil {
			deps.logger().Warn("upstream chat failed", "model", req.Model, "stream", req.Stream, "error", err)
			upstreamError(w, err)
			return
		}
		defer rc.Close()

		if req.Stream {
			streamResponse(w, rc, deps.logger())
		} else {
			body, err := io.ReadAll(rc)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "reading upstream response: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		}
	}
}

func forward(ctx context.Context, deps Deps, req proxy.ChatRequest) (io.ReadCloser, error) {
	if deps.Retry == nil {
		return deps.Upstream.Chat(ctx, req)
	}
	var rc io.ReadCloser
	_, err := deps.Retry.Do(ctx, deps.Policy, "passthrough", func(ctx context.Context) error {
		var err error
		rc, err = deps.Upstream.Chat(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// upstreamError maps a provider failure onto the response: overloads that
// survived retries become 503, client errors keep their status, the rest 502.
func upstreamError(w http.ResponseWriter, err error) {
	if retry.IsOverloaded(err) {
		httpError(w, http.StatusServiceUnavailable, "overloaded_error", "upstream overloaded: %v", err)
		return
	}
	var se *proxy.StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		httpError(w, se.Status, "invalid_request_error", "upstream rejected request: %s", se.Message)
		return
	}
	httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
}

func streamResponse(w http.ResponseWriter, rc io.Reader, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.Write(line)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn("upstream stream read error", "error", err)
				errPayload, marshalErr := json.Marshal(map[string]any{
					"error": map[string]any{
						"message": "upstream read error",
						"type":    "server_error",
					},
				})
				if marshalErr == nil {
					fmt.Fprintf(w, "data: %s\n\n", errPayload)
					flusher.Flush()
				}
			}
			break
		}
	}
}

func hasMessages(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
