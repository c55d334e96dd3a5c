package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/orca/internal/composer"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/ingest"
	"github.com/kalambet/orca/internal/orchestrator"
	"github.com/kalambet/orca/internal/promptcache"
	"github.com/kalambet/orca/internal/proxy"
	"github.com/kalambet/orca/internal/retry"
	"github.com/kalambet/orca/internal/storage"
)

const testToken = "test-token"

type fakeChat struct {
	got orchestrator.Request
	res orchestrator.Result
	err error
}

func (f *fakeChat) Handle(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.got = req
	return f.res, f.err
}

type appFixture struct {
	router http.Handler
	store  *storage.Store
	cache  *promptcache.Cache
	chat   *fakeChat
}

func newAppFixture(t *testing.T) *appFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cache := promptcache.New(100, promptcache.DefaultTTLs)
	chat := &fakeChat{res: orchestrator.Result{Success: true, MessageText: "hello", Model: "test-model"}}
	router := NewRouter(Deps{
		Upstream:     proxy.NewClientWithBaseURL("k", "http://127.0.0.1:0"),
		Orchestrator: chat,
		Analyzer:     document.New(document.Options{Logger: quietLogger()}),
		Store:        store,
		Cache:        cache,
		Composer:     composer.New(0, cache),
		Token:        testToken,
		Logger:       quietLogger(),
	})
	return &appFixture{router: router, store: store, cache: cache, chat: chat}
}

func (f *appFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuth_Required(t *testing.T) {
	f := newAppFixture(t)

	paths := []string{"/cache/stats", "/documents", "/interactions", "/prompt/info"}
	for _, p := range paths {
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status = %d, want %d", p, rr.Code, http.StatusUnauthorized)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestChat(t *testing.T) {
	f := newAppFixture(t)

	rr := f.do(t, http.MethodPost, "/chat", map[string]any{
		"message":         "what's on today?",
		"conversation_id": "conv-1",
		"auth_tokens":     map[string]string{"calendar": "tok"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	if f.chat.got.Message != "what's on today?" {
		t.Errorf("message = %q", f.chat.got.Message)
	}
	if f.chat.got.AuthTokens["calendar"] != "tok" {
		t.Errorf("auth_tokens = %v, want calendar token", f.chat.got.AuthTokens)
	}

	var res orchestrator.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.MessageText != "hello" || !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: message is empty", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{"overloaded", &retry.ExhaustedError{Op: "chat", Attempts: 8, Class: retry.Overloaded, Err: errors.New("overloaded")}, http.StatusServiceUnavailable},
		{"rejected", &retry.NonRetryableError{Err: &proxy.StatusError{Status: 401, Message: "no key"}}, http.StatusUnauthorized},
		{"other", errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAppFixture(t)
			f.chat.err = tt.err

			rr := f.do(t, http.MethodPost, "/chat", map[string]any{"message": "hi"})
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAnalyzeDocument(t *testing.T) {
	f := newAppFixture(t)

	rr := f.do(t, http.MethodPost, "/documents/analyze", map[string]any{
		"file_name":     "notes.txt",
		"content":       b64("Quarterly notes. Contact: a@b.com for details."),
		"analysis_type": "summary",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var res document.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !res.Success {
		t.Fatalf("success = false: %s", res.Error)
	}
	if res.Strategy != document.StrategySinglePass {
		t.Errorf("strategy = %q, want %q", res.Strategy, document.StrategySinglePass)
	}
	if res.Summary == "" {
		t.Error("summary is empty")
	}
}

func TestAnalyzeDocument_Unsupported(t *testing.T) {
	f := newAppFixture(t)

	rr := f.do(t, http.MethodPost, "/documents/analyze", map[string]any{
		"file_name": "archive.zip",
		"content":   b64("PK..."),
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}
	var res document.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.ErrorKind != document.KindUnsupportedFormat {
		t.Errorf("error kind = %q, want %q", res.ErrorKind, document.KindUnsupportedFormat)
	}
}

func TestAnalyzeDocument_BadInput(t *testing.T) {
	f := newAppFixture(t)

	bodies := []map[string]any{
		{"content": b64("x")},
		{"file_name": "a.txt"},
		{"file_name": "a.txt", "content": "%%% not base64"},
	}
	for i, body := range bodies {
		rr := f.do(t, http.MethodPost, "/documents/analyze", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %d: status = %d, want %d", i, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestUploadDocument_QueuesJob(t *testing.T) {
	f := newAppFixture(t)

	rr := f.do(t, http.MethodPost, "/documents", map[string]any{
		"file_name": "report.md",
		"content":   b64("# Report\n\nRevenue grew 12%."),
		"questions": []string{"How much did revenue grow?"},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["id"] == "" || resp["job_id"] == "" {
		t.Fatalf("response = %v, want id and job_id", resp)
	}
	if resp["status"] != storage.DocumentPending {
		t.Errorf("status = %q, want %q", resp["status"], storage.DocumentPending)
	}

	job, err := f.store.GetJob(context.Background(), resp["job_id"])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != ingest.JobAnalyzeDocument {
		t.Errorf("job type = %q, want %q", job.Type, ingest.JobAnalyzeDocument)
	}

	rr = f.do(t, http.MethodGet, "/documents/"+resp["id"], nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rr.Code, http.StatusOK)
	}
	var view struct {
		FileName     string   `json:"file_name"`
		MimeType     string   `json:"mime_type"`
		AnalysisType string   `json:"analysis_type"`
		Questions    []string `json:"questions"`
	}
	json.NewDecoder(rr.Body).Decode(&view)
	if view.FileName != "report.md" {
		t.Errorf("file_name = %q", view.FileName)
	}
	if !strings.HasPrefix(view.MimeType, "text/plain") {
		t.Errorf("mime_type = %q, want text/plain", view.MimeType)
	}
	if view.AnalysisType != string(document.AnalysisGeneral) {
		t.Errorf("analysis_type = %q, want %q", view.AnalysisType, document.AnalysisGeneral)
	}
	if len(view.Questions) != 1 {
		t.Errorf("questions = %v, want 1", view.Questions)
	}
}

func TestUploadDocument_Unsupported(t *testing.T) {
	f := newAppFixture(t)

	rr := f.do(t, http.MethodPost, "/documents", map[string]any{
		"file_name": "image.png",
		"content":   b64("\x89PNG"),
	})
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnsupportedMediaType)
	}
}

func TestDocuments_ListAndDelete(t *testing.T) {
	f := newAppFixture(t)

	for _, name := range []string{"a.txt", "b.txt"} {
		rr := f.do(t, http.MethodPost, "/documents", map[string]any{"file_name": name, "content": b64("text of " + name)})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("upload %s: status = %d", name, rr.Code)
		}
		time.Sleep(time.Millisecond)
	}

	rr := f.do(t, http.MethodGet, "/documents?limit=10", nil)
	var docs []map[string]any
	json.NewDecoder(rr.Body).Decode(&docs)
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	id, _ := docs[0]["id"].(string)

	rr = f.do(t, http.MethodDelete, "/documents/"+id, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	rr = f.do(t, http.MethodDelete, "/documents/"+id, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	rr = f.do(t, http.MethodGet, "/documents/"+id, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	f := newAppFixture(t)
	f.cache.Set("q", "document", "a")
	f.cache.Get("q", "document")
	f.cache.Get("missing", "document")

	rr := f.do(t, http.MethodGet, "/cache/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var stats promptcache.Stats
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.Hits < 1 || stats.Misses < 1 {
		t.Errorf("stats = %+v, want at least one hit and one miss", stats)
	}

	rr = f.do(t, http.MethodPost, "/cache/clear", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d, want %d", rr.Code, http.StatusOK)
	}
	after := f.cache.Stats()
	if after.Entries != 0 || after.Hits != 0 {
		t.Errorf("after clear = %+v, want empty", after)
	}
}

func TestPromptInfo(t *testing.T) {
	f := newAppFixture(t)

	rr := f.do(t, http.MethodGet, "/prompt/info", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var info composer.Info
	json.NewDecoder(rr.Body).Decode(&info)
	if info.Version != composer.PromptVersion {
		t.Errorf("version = %q, want %q", info.Version, composer.PromptVersion)
	}
	if info.Length == 0 || info.EstimatedTokens == 0 {
		t.Errorf("info = %+v, want non-zero length", info)
	}
}

func TestInteractions(t *testing.T) {
	f := newAppFixture(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, conv := range []string{"c1", "c1", "c2"} {
		err := f.store.SaveInteraction(ctx, storage.Interaction{
			ID:             fmt.Sprintf("int-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
			ConversationID: conv,
			UserMessage:    "msg",
			Response:       "resp",
			Model:          "m",
		}, []storage.ToolExecution{{Name: "web_search", Output: "ok"}})
		if err != nil {
			t.Fatalf("SaveInteraction: %v", err)
		}
	}

	rr := f.do(t, http.MethodGet, "/interactions?conversation_id=c1", nil)
	var list []storage.Interaction
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 2 {
		t.Fatalf("got %d interactions, want 2", len(list))
	}

	rr = f.do(t, http.MethodGet, "/interactions/int-2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rr.Code, http.StatusOK)
	}
	var got storage.Interaction
	json.NewDecoder(rr.Body).Decode(&got)
	if len(got.ToolExecutions) != 1 || got.ToolExecutions[0].Name != "web_search" {
		t.Errorf("tool executions = %+v", got.ToolExecutions)
	}

	rr = f.do(t, http.MethodDelete, "/interactions/int-2", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	rr = f.do(t, http.MethodGet, "/interactions/int-2", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=500", 100},
		{"limit=-1", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
