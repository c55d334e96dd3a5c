package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/ingest"
	"github.com/kalambet/orca/internal/orchestrator"
	"github.com/kalambet/orca/internal/storage"
)

// Attachments arrive base64 encoded inside the JSON body.
const maxUploadBodySize = 48 << 20 // 48MB

type documentRequest struct {
	FileName     string   `json:"file_name"`
	Content      string   `json:"content"`
	MimeType     string   `json:"mime_type"`
	AnalysisType string   `json:"analysis_type"`
	Questions    []string `json:"questions"`
}

// decode validates the request and returns the raw document bytes.
func (d documentRequest) decode() ([]byte, error) {
	if strings.TrimSpace(d.FileName) == "" {
		return nil, errors.New("file_name is required")
	}
	if d.Content == "" {
		return nil, errors.New("content is required")
	}
	data, err := orchestrator.DecodeContent(d.Content)
	if err != nil {
		return nil, err
	}
	return data, nil
}

type documentView struct {
	storage.Document
	Questions []string        `json:"questions"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func viewDocument(d storage.Document) documentView {
	v := documentView{Document: d, Questions: []string{}}
	if d.QuestionsJSON != "" {
		json.Unmarshal([]byte(d.QuestionsJSON), &v.Questions)
	}
	if d.ResultJSON != "" {
		v.Result = json.RawMessage(d.ResultJSON)
	}
	return v
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req orchestrator.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Orchestrator.Handle(r.Context(), req)
		if err != nil {
			if errors.Is(err, orchestrator.ErrInvalidRequest) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			upstreamError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func handleAnalyzeDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req documentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		data, err := req.decode()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res := deps.Analyzer.Analyze(r.Context(), document.Input{
			Data:         data,
			FileName:     req.FileName,
			AnalysisType: document.ParseAnalysisType(req.AnalysisType),
			Questions:    req.Questions,
		})

		code := http.StatusOK
		if !res.Success && res.ErrorKind != document.KindDeadlineExceeded {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, res)
	}
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req documentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		data, err := req.decode()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if !deps.Analyzer.Supported(req.FileName) {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "unsupported file type: %s", req.FileName)
			return
		}

		mime := req.MimeType
		if mime == "" {
			mime = mimetype.Detect(data).String()
		}
		questions := req.Questions
		if questions == nil {
			questions = []string{}
		}
		qb, err := json.Marshal(questions)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid questions: %v", err)
			return
		}

		now := time.Now().UTC()
		doc := storage.Document{
			ID:            uuid.NewString(),
			FileName:      req.FileName,
			MimeType:      mime,
			SizeBytes:     int64(len(data)),
			Data:          data,
			AnalysisType:  string(document.ParseAnalysisType(req.AnalysisType)),
			QuestionsJSON: string(qb),
			Status:        storage.DocumentPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		job := ingest.NewAnalyzeJob(doc.ID)
		if err := deps.Store.SaveDocument(r.Context(), doc, &job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store document: %v", err)
			return
		}

		deps.logger().Info("document queued", "document_id", doc.ID, "job_id", job.ID, "size_bytes", doc.SizeBytes)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"job_id": job.ID,
			"status": doc.Status,
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = viewDocument(d)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, viewDocument(doc))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "prompt cache disabled")
			return
		}
		writeJSON(w, http.StatusOK, deps.Cache.Stats())
	}
}

func handleCacheClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "prompt cache disabled")
			return
		}
		deps.Cache.Clear()
		deps.logger().Info("prompt cache cleared")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handlePromptInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Composer == nil {
			httpError(w, http.StatusNotFound, "not_found", "prompt composer not configured")
			return
		}
		writeJSON(w, http.StatusOK, deps.Composer.Info())
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		conversationID := r.URL.Query().Get("conversation_id")

		interactions, err := deps.Store.GetRecentInteractions(r.Context(), conversationID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}

		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, http.StatusOK, interactions)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.Store.GetInteraction(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, interaction)
	}
}

func handleDeleteInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteInteraction(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete interaction: %v", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
