package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/orca/internal/composer"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/mock"
	"github.com/kalambet/orca/internal/promptcache"
	"github.com/kalambet/orca/internal/proxy"
	"github.com/kalambet/orca/internal/retry"
	"github.com/kalambet/orca/internal/storage"
	"github.com/kalambet/orca/internal/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testPolicy = retry.Policy{
	Name:         "test",
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     time.Millisecond,
	Multiplier:   1,
}

type step struct {
	resp proxy.GenerateResponse
	err  error
}

// fakeGen replays steps in order and repeats the last one.
type fakeGen struct {
	mu    sync.Mutex
	steps []step
	reqs  []proxy.GenerateRequest
}

func (g *fakeGen) Generate(_ context.Context, req proxy.GenerateRequest) (proxy.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	s := g.steps[len(g.steps)-1]
	if len(g.reqs) <= len(g.steps) {
		s = g.steps[len(g.reqs)-1]
	}
	return s.resp, s.err
}

func (g *fakeGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

type fakeTool struct {
	name  string
	out   string
	err   error
	token string
}

func (t *fakeTool) Name() string               { return t.name }
func (t *fakeTool) Description() string        { return "fake " + t.name }
func (t *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *fakeTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	t.token, _ = tools.AuthToken(ctx, t.name)
	return t.out, t.err
}

type slowAnalyzer struct {
	active, peak atomic.Int32
	calls        atomic.Int32
}

func (a *slowAnalyzer) Analyze(_ context.Context, in document.Input) document.Result {
	a.calls.Add(1)
	n := a.active.Add(1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	a.active.Add(-1)
	return document.Result{Success: true, FileName: in.FileName, Summary: "ok"}
}

type fakeStore struct {
	mu    sync.Mutex
	err   error
	saved []storage.Interaction
	calls [][]storage.ToolExecution
}

func (s *fakeStore) SaveInteraction(_ context.Context, i storage.Interaction, calls []storage.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, i)
	s.calls = append(s.calls, calls)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	chats    []string
	mocks    int
	toolFail int
	toolOK   int
}

func (r *recorder) ObserveChat(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, outcome)
}

func (r *recorder) ObserveMockFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mocks++
}

func (r *recorder) ObserveToolCall(_ string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if failed {
		r.toolFail++
	} else {
		r.toolOK++
	}
}

func newTestOrchestrator(gen proxy.Generator, mutate func(*Options)) *Orchestrator {
	cache := promptcache.New(100, promptcache.DefaultTTLs)
	opts := Options{
		Generator: gen,
		Analyzer:  document.New(document.Options{Logger: quietLogger(), PromptCache: cache}),
		Composer:  composer.New(4000, cache),
		Retry:     retry.NewController(quietLogger(), nil),
		Policy:    testPolicy,
		Model:     "test/model",
		Logger:    quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func text(s string, in, out int) step {
	return step{resp: proxy.GenerateResponse{
		Model: "test/model-2025",
		Text:  s,
		Usage: proxy.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}}
}

func toolCall(id, name, args string) proxy.ToolCall {
	return proxy.ToolCall{ID: id, Type: "function", Function: proxy.FunctionCall{Name: name, Arguments: args}}
}

func TestHandle_Validation(t *testing.T) {
	o := newTestOrchestrator(&fakeGen{steps: []step{text("x", 1, 1)}}, nil)
	tooMany := make([]Attachment, maxAttachments+1)
	for i := range tooMany {
		tooMany[i] = Attachment{FileName: "a.txt", Content: "YQ=="}
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{Message: "   "}},
		{"too many attachments", Request{Message: "hi", Attachments: tooMany}},
		{"unnamed attachment", Request{Message: "hi", Attachments: []Attachment{{Content: "YQ=="}}}},
		{"negative length", Request{Message: "hi", ConversationLength: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Handle(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestHandle_PlainAnswer(t *testing.T) {
	gen := &fakeGen{steps: []step{text("Hello!", 10, 5)}}
	cal := &fakeTool{name: "calendar", out: "none"}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Tools = tools.NewRegistry(cal)
	})

	res, err := o.Handle(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success || res.MessageText != "Hello!" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage != (Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}) {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Model != "test/model-2025" {
		t.Errorf("model = %q", res.Model)
	}
	if res.ConversationID == "" {
		t.Error("conversation id not generated")
	}
	if res.ToolCalls == nil || len(res.ToolCalls) != 0 {
		t.Errorf("tool calls = %#v, want empty non-nil", res.ToolCalls)
	}
	if res.Mocked {
		t.Error("mocked = true")
	}
	if res.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	if gen.calls() != 1 {
		t.Fatalf("generate calls = %d, want 1", gen.calls())
	}
	req := gen.reqs[0]
	if req.Model != "test/model" {
		t.Errorf("request model = %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hi" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "calendar" || req.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestHandle_ToolLoop(t *testing.T) {
	gen := &fakeGen{steps: []step{
		{resp: proxy.GenerateResponse{
			ToolCalls: []proxy.ToolCall{toolCall("c1", "calendar", `{"range":"today"}`)},
			Usage:     proxy.Usage{PromptTokens: 20, CompletionTokens: 4},
		}},
		text("You have 2 events.", 30, 6),
	}}
	cal := &fakeTool{name: "calendar", out: "2 events"}
	rec := &recorder{}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Tools = tools.NewRegistry(cal)
		opts.Recorder = rec
	})

	res, err := o.Handle(context.Background(), Request{
		Message:    "what's on today?",
		AuthTokens: map[string]string{"calendar": "tok-123"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.MessageText != "You have 2 events." {
		t.Errorf("text = %q", res.MessageText)
	}
	if res.Usage.TotalTokens != 60 {
		t.Errorf("total tokens = %d, want 60", res.Usage.TotalTokens)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.Name != "calendar" || tc.Output != "2 events" || string(tc.Input) != `{"range":"today"}` || tc.IsError {
		t.Errorf("tool call = %+v", tc)
	}
	if cal.token != "tok-123" {
		t.Errorf("tool saw token %q, want tok-123", cal.token)
	}

	second := gen.reqs[1]
	if len(second.Messages) != 4 {
		t.Fatalf("second request has %d messages, want 4", len(second.Messages))
	}
	if m := second.Messages[2]; m.Role != "assistant" || len(m.ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", m)
	}
	if m := second.Messages[3]; m.Role != "tool" || m.ToolCallID != "c1" || m.Content != "2 events" {
		t.Errorf("tool message = %+v", m)
	}
	if rec.toolOK != 1 || rec.toolFail != 0 {
		t.Errorf("tool observations ok=%d failed=%d", rec.toolOK, rec.toolFail)
	}
	if len(rec.chats) != 1 || rec.chats[0] != "success" {
		t.Errorf("chat observations = %v", rec.chats)
	}
}

func TestHandle_RejectedToolCalls(t *testing.T) {
	gen := &fakeGen{steps: []step{
		{resp: proxy.GenerateResponse{ToolCalls: []proxy.ToolCall{
			toolCall("c1", "nope", `{}`),
			toolCall("c2", "calendar", `{bad`),
			toolCall("c3", "web_search", `{"query":"x"}`),
		}}},
		text("done", 1, 1),
	}}
	search := &fakeTool{name: "web_search", err: errors.New("search backend down")}
	rec := &recorder{}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Tools = tools.NewRegistry(&fakeTool{name: "calendar"}, search)
		opts.Recorder = rec
	})

	res, err := o.Handle(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(res.ToolCalls) != 3 {
		t.Fatalf("tool calls = %d, want 3", len(res.ToolCalls))
	}
	for _, tc := range res.ToolCalls {
		if !tc.IsError {
			t.Errorf("%s not marked as error", tc.Name)
		}
	}
	if !strings.Contains(res.ToolCalls[0].Output, "unknown tool") {
		t.Errorf("unknown tool output = %q", res.ToolCalls[0].Output)
	}
	if !strings.Contains(res.ToolCalls[1].Output, "not valid JSON") {
		t.Errorf("bad args output = %q", res.ToolCalls[1].Output)
	}
	if !strings.Contains(res.ToolCalls[2].Output, "search backend down") {
		t.Errorf("failed tool output = %q", res.ToolCalls[2].Output)
	}
	if rec.toolFail != 3 {
		t.Errorf("failed tool observations = %d, want 3", rec.toolFail)
	}
}

func TestHandle_ToolRoundsBounded(t *testing.T) {
	gen := &fakeGen{steps: []step{
		{resp: proxy.GenerateResponse{Text: "still thinking", ToolCalls: []proxy.ToolCall{toolCall("c", "calendar", `{}`)}}},
	}}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Tools = tools.NewRegistry(&fakeTool{name: "calendar", out: "x"})
		opts.MaxToolRounds = 2
	})

	res, err := o.Handle(context.Background(), Request{Message: "loop"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gen.calls() != 3 {
		t.Errorf("generate calls = %d, want 3", gen.calls())
	}
	if len(gen.reqs[2].Tools) != 0 {
		t.Error("final round still offered tools")
	}
	if len(res.ToolCalls) != 2 {
		t.Errorf("tool calls = %d, want 2", len(res.ToolCalls))
	}
	if res.MessageText != "still thinking" {
		t.Errorf("text = %q", res.MessageText)
	}
}

func TestHandle_OverloadFallsBackToMock(t *testing.T) {
	gen := &fakeGen{steps: []step{{err: &proxy.StatusError{Status: 529, Message: "Overloaded"}}}}
	monitor := mock.NewMonitor(time.Minute, 3)
	rec := &recorder{}
	store := &fakeStore{}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Monitor = monitor
		opts.Recorder = rec
		opts.Store = store
	})

	msg := "find the latest news on my calendar"
	res, err := o.Handle(context.Background(), Request{Message: msg, ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gen.calls() != testPolicy.MaxAttempts {
		t.Errorf("generate calls = %d, want %d", gen.calls(), testPolicy.MaxAttempts)
	}
	if !res.Mocked || res.Model != mock.Model {
		t.Errorf("result = %+v, want mocked", res)
	}
	if !strings.Contains(res.MessageText, "degraded mode") {
		t.Errorf("text lacks disclaimer: %q", res.MessageText)
	}
	if res.Usage.TotalTokens == 0 {
		t.Error("mock usage not estimated")
	}

	want := mock.NewResponder().Generate(msg, "conv-1")
	if res.MessageText != want.Text {
		t.Errorf("mock text differs from responder")
	}
	if len(res.ToolCalls) != len(want.ToolCalls) {
		t.Fatalf("tool calls = %d, want %d", len(res.ToolCalls), len(want.ToolCalls))
	}
	for k, tc := range res.ToolCalls {
		if tc.Name != want.ToolCalls[k].Name {
			t.Errorf("tool call %d = %q, want %q", k, tc.Name, want.ToolCalls[k].Name)
		}
	}

	if monitor.Count() != testPolicy.MaxAttempts {
		t.Errorf("monitor count = %d, want %d", monitor.Count(), testPolicy.MaxAttempts)
	}
	if rec.mocks != 1 || rec.chats[0] != "mock" {
		t.Errorf("observations mocks=%d chats=%v", rec.mocks, rec.chats)
	}
	if len(store.saved) != 1 || !store.saved[0].Mocked {
		t.Errorf("saved = %+v", store.saved)
	}
}

func TestHandle_NonRetryableSurfaces(t *testing.T) {
	gen := &fakeGen{steps: []step{{err: &proxy.StatusError{Status: 400, Message: "bad model"}}}}
	store := &fakeStore{}
	rec := &recorder{}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Store = store
		opts.Recorder = rec
	})

	_, err := o.Handle(context.Background(), Request{Message: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	var se *proxy.StatusError
	if !errors.As(err, &se) || se.Status != 400 {
		t.Errorf("err = %v, want StatusError 400", err)
	}
	if gen.calls() != 1 {
		t.Errorf("generate calls = %d, want 1", gen.calls())
	}
	if len(store.saved) != 1 || store.saved[0].Status != "failed" || store.saved[0].Error == "" {
		t.Errorf("saved = %+v", store.saved)
	}
	if store.saved[0].Model != "test/model" {
		t.Errorf("saved model = %q", store.saved[0].Model)
	}
	if rec.chats[0] != "error" {
		t.Errorf("chats = %v", rec.chats)
	}
}

func TestHandle_DegradedSkipsUpstream(t *testing.T) {
	gen := &fakeGen{steps: []step{text("real", 1, 1)}}
	monitor := mock.NewMonitor(time.Minute, 1)
	monitor.RecordOverload()
	o := newTestOrchestrator(gen, func(opts *Options) { opts.Monitor = monitor })

	res, err := o.Handle(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Mocked {
		t.Error("expected mock while degraded")
	}
	if gen.calls() != 0 {
		t.Errorf("generate calls = %d, want 0", gen.calls())
	}
}

func TestHandle_MockEnabled(t *testing.T) {
	gen := &fakeGen{steps: []step{text("real", 1, 1)}}
	o := newTestOrchestrator(gen, func(opts *Options) { opts.MockEnabled = true })

	res, err := o.Handle(context.Background(), Request{Message: "schedule a meeting"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Mocked || gen.calls() != 0 {
		t.Errorf("mocked=%v calls=%d", res.Mocked, gen.calls())
	}
	if len(res.Badges) == 0 || res.Badges[0] != mock.BadgeCalendar {
		t.Errorf("badges = %v", res.Badges)
	}
}

func TestHandle_Attachments(t *testing.T) {
	gen := &fakeGen{steps: []step{text("The report says revenue grew.", 1, 1)}}
	cache := promptcache.New(100, promptcache.DefaultTTLs)
	pipeline := document.New(document.Options{Logger: quietLogger(), PromptCache: cache})
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Analyzer = pipeline
		opts.Tools = tools.NewRegistry(tools.NewDocumentTool(pipeline), &fakeTool{name: "web_search"})
	})

	content := "Quarterly report.\n\nRevenue grew twelve percent compared to last year."
	res, err := o.Handle(context.Background(), Request{
		Message: "summarize these",
		Attachments: []Attachment{
			{FileName: "report", MimeType: "text/plain", Content: base64.StdEncoding.EncodeToString([]byte(content))},
			{FileName: "broken.txt", Content: "%%% not base64 %%%"},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("documents = %d, want 2", len(res.Documents))
	}
	good, bad := res.Documents[0], res.Documents[1]
	if !good.Success || good.FileName != "report.txt" {
		t.Errorf("good document = %+v", good)
	}
	if bad.Success || bad.ErrorKind != document.KindNoExtractableContent {
		t.Errorf("bad document = %+v", bad)
	}

	user := gen.reqs[0].Messages[1].Content
	if !strings.Contains(user, "[Attached documents]") || !strings.Contains(user, "### report.txt") {
		t.Errorf("user message not augmented: %q", user)
	}
	if strings.Contains(user, "broken.txt") {
		t.Error("failed attachment included in prompt")
	}
	for _, tl := range gen.reqs[0].Tools {
		if tl.Function.Name == tools.AnalyzeDocumentName {
			t.Error("analyze_document offered although attachments were analyzed")
		}
	}
	if len(gen.reqs[0].Tools) != 1 {
		t.Errorf("tools = %d, want 1", len(gen.reqs[0].Tools))
	}
}

func TestHandle_AttachmentConcurrencyBounded(t *testing.T) {
	gen := &fakeGen{steps: []step{text("ok", 1, 1)}}
	an := &slowAnalyzer{}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Analyzer = an
		opts.MaxConcurrent = 2
	})

	atts := make([]Attachment, 6)
	for i := range atts {
		atts[i] = Attachment{FileName: "a.txt", Content: "YQ=="}
	}
	if _, err := o.Handle(context.Background(), Request{Message: "hi", Attachments: atts}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if an.calls.Load() != 6 {
		t.Errorf("analyze calls = %d, want 6", an.calls.Load())
	}
	if p := an.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestHandle_MockPathSkipsAttachments(t *testing.T) {
	degraded := mock.NewMonitor(time.Minute, 1)
	degraded.RecordOverload()

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"forced mock", func(opts *Options) { opts.MockEnabled = true }},
		{"degraded upstream", func(opts *Options) { opts.Monitor = degraded }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGen{steps: []step{text("real", 1, 1)}}
			an := &slowAnalyzer{}
			o := newTestOrchestrator(gen, func(opts *Options) {
				opts.Analyzer = an
				tt.mutate(opts)
			})

			req := Request{Message: "hi", Attachments: []Attachment{{FileName: "a.txt", Content: "YQ=="}}}
			res, err := o.Handle(context.Background(), req)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if !res.Mocked {
				t.Errorf("Mocked = false, want true")
			}
			if got := an.calls.Load(); got != 0 {
				t.Errorf("analyze calls = %d, want 0", got)
			}
			if len(res.Documents) != 0 {
				t.Errorf("documents = %d, want 0", len(res.Documents))
			}
			if gen.calls() != 0 {
				t.Errorf("generate calls = %d, want 0", gen.calls())
			}
		})
	}
}

func TestHandle_PersistsInteraction(t *testing.T) {
	gen := &fakeGen{steps: []step{
		{resp: proxy.GenerateResponse{ToolCalls: []proxy.ToolCall{toolCall("c1", "calendar", `{}`)}}},
		text("answer", 3, 2),
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Store = store
		opts.Tools = tools.NewRegistry(&fakeTool{name: "calendar", out: "busy"})
	})

	res, err := o.Handle(context.Background(), Request{Message: "hi", ConversationID: "conv-9"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(store.saved))
	}
	saved := store.saved[0]
	if res.InteractionID == "" || saved.ID != res.InteractionID {
		t.Errorf("interaction id = %q, saved %q", res.InteractionID, saved.ID)
	}
	if saved.ConversationID != "conv-9" || saved.Response != "answer" || saved.Status != "completed" {
		t.Errorf("saved = %+v", saved)
	}
	if len(store.calls[0]) != 1 || store.calls[0][0].Name != "calendar" || store.calls[0][0].Output != "busy" {
		t.Errorf("saved calls = %+v", store.calls[0])
	}
}

func TestHandle_PersistFailureIsBestEffort(t *testing.T) {
	gen := &fakeGen{steps: []step{text("answer", 1, 1)}}
	o := newTestOrchestrator(gen, func(opts *Options) {
		opts.Store = &fakeStore{err: errors.New("disk full")}
	})

	res, err := o.Handle(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.InteractionID != "" {
		t.Errorf("interaction id = %q, want empty", res.InteractionID)
	}
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		a    Attachment
		want string
	}{
		{Attachment{FileName: "a.txt", MimeType: "application/pdf"}, "a.txt"},
		{Attachment{FileName: "report", MimeType: "application/pdf"}, "report.pdf"},
		{Attachment{MimeType: "text/csv"}, "attachment.csv"},
		{Attachment{FileName: "blob", MimeType: "application/x-unknown-thing"}, "blob"},
	}
	for _, tt := range tests {
		if got := attachmentName(tt.a); got != tt.want {
			t.Errorf("attachmentName(%+v) = %q, want %q", tt.a, got, tt.want)
		}
	}
}

func TestDecodeContent(t *testing.T) {
	for _, in := range []string{"aGVsbG8=", "aGVsbG8", "data:text/plain;base64,aGVsbG8="} {
		b, err := DecodeContent(in)
		if err != nil || string(b) != "hello" {
			t.Errorf("DecodeContent(%q) = %q, %v", in, b, err)
		}
	}
	if _, err := DecodeContent("%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
