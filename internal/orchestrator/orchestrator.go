// Package orchestrator turns a user message and its attachments into a
// model answer: documents are analyzed, the prompt is assembled, the model
// is called under the retry policy with tool calling, and the tool calls
// made along the way are returned with the answer.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/orca/internal/composer"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/mock"
	"github.com/kalambet/orca/internal/proxy"
	"github.com/kalambet/orca/internal/retry"
	"github.com/kalambet/orca/internal/storage"
	"github.com/kalambet/orca/internal/tools"
)

const (
	defaultMaxConcurrent = 3
	defaultMaxToolRounds = 4
	maxAttachments       = 10
	persistTimeout       = 5 * time.Second
)

// Store persists handled requests.
type Store interface {
	SaveInteraction(ctx context.Context, i storage.Interaction, calls []storage.ToolExecution) error
}

// Recorder receives request-level observations.
type Recorder interface {
	ObserveChat(outcome string)
	ObserveMockFallback()
	ObserveToolCall(tool string, failed bool)
}

// Options wires an Orchestrator. Generator, Analyzer and Composer are
// required; everything else has a default or is optional.
type Options struct {
	Generator proxy.Generator
	Analyzer  tools.Analyzer
	Composer  *composer.Composer
	Tools     *tools.Registry
	Retry     *retry.Controller
	// Policy governs upstream calls; defaults to retry.Patient.
	Policy        retry.Policy
	Mock          *mock.Responder
	Monitor       *mock.Monitor
	MockEnabled   bool
	Model         string
	MaxTokens     int
	MaxConcurrent int
	MaxToolRounds int
	Store         Store
	Recorder      Recorder
	Logger        *slog.Logger
}

type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewController(opts.Logger, nil)
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Patient
	}
	if opts.Mock == nil {
		opts.Mock = mock.NewResponder()
	}
	if opts.Monitor == nil {
		opts.Monitor = mock.NewMonitor(mock.DefaultWindow, mock.DefaultThreshold)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	return &Orchestrator{opts: opts, logger: opts.Logger, now: time.Now}
}

func validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	if len(req.Attachments) > maxAttachments {
		return fmt.Errorf("%w: at most %d attachments", ErrInvalidRequest, maxAttachments)
	}
	for i, a := range req.Attachments {
		if a.FileName == "" && a.MimeType == "" {
			return fmt.Errorf("%w: attachment %d has neither file_name nor mime_type", ErrInvalidRequest, i)
		}
	}
	if req.ConversationLength < 0 {
		return fmt.Errorf("%w: negative conversation_length", ErrInvalidRequest)
	}
	return nil
}

// Handle answers one request. Validation failures wrap ErrInvalidRequest.
// Upstream overload that outlasts the retry policy yields a mocked result,
// not an error.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		o.observe("invalid")
		return Result{}, err
	}

	start := o.now()
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	logger := o.logger.With("conversation_id", req.ConversationID)

	tracker := tools.NewTracker()
	ctx = tools.WithTracker(ctx, tracker)
	ctx = tools.WithAuthTokens(ctx, req.AuthTokens)

	var (
		res  Result
		docs []document.Result
		err  error
	)
	if o.opts.MockEnabled || o.opts.Monitor.Degraded() {
		// Attachments are left unanalyzed: the summarizer shares the
		// degraded upstream.
		logger.Info("answering with mock responder", "forced", o.opts.MockEnabled, "attachments", len(req.Attachments))
		res = o.mockResult(req, tracker)
	} else {
		docs = o.analyzeAttachments(ctx, logger, req.Attachments)
		res, err = o.generate(ctx, logger, req, docs, tracker)
	}

	res.ConversationID = req.ConversationID
	res.Timestamp = o.now().UTC()
	res.Documents = docs
	res.ToolCalls = tracker.Drain()
	if res.ToolCalls == nil {
		res.ToolCalls = []tools.Record{}
	}

	latency := o.now().Sub(start)
	res.InteractionID = o.persist(ctx, logger, req, res, err, latency)

	switch {
	case err != nil:
		o.observe("error")
		logger.Error("chat failed", "error", err, "duration_ms", latency.Milliseconds())
		return Result{}, err
	case res.Mocked:
		o.observe("mock")
	default:
		o.observe("success")
	}

	logger.Info("chat handled",
		"model", res.Model,
		"mocked", res.Mocked,
		"tool_calls", len(res.ToolCalls),
		"documents", len(docs),
		"conversation_length", req.ConversationLength,
		"total_tokens", res.Usage.TotalTokens,
		"duration_ms", latency.Milliseconds(),
	)
	return res, nil
}

func (o *Orchestrator) observe(outcome string) {
	if o.opts.Recorder != nil {
		o.opts.Recorder.ObserveChat(outcome)
	}
}

// analyzeAttachments runs the document pipeline over every attachment with
// bounded concurrency. Failures are logged and kept as failed results.
func (o *Orchestrator) analyzeAttachments(ctx context.Context, logger *slog.Logger, atts []Attachment) []document.Result {
	if len(atts) == 0 {
		return nil
	}
	results := make([]document.Result, len(atts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrent)
	for i, a := range atts {
		g.Go(func() error {
			name := attachmentName(a)
			data, err := DecodeContent(a.Content)
			if err != nil {
				results[i] = document.Result{
					FileName:  name,
					ErrorKind: document.KindNoExtractableContent,
					Error:     fmt.Sprintf("decoding attachment: %v", err),
				}
			} else {
				results[i] = o.opts.Analyzer.Analyze(gctx, document.Input{
					Data:         data,
					FileName:     name,
					AnalysisType: document.AnalysisSummary,
				})
			}
			if !results[i].Success {
				logger.Warn("attachment analysis failed",
					"file", name,
					"kind", results[i].ErrorKind,
					"error", results[i].Error,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// attachmentName returns the file name, adding an extension from the MIME
// type when the name has none.
func attachmentName(a Attachment) string {
	name := a.FileName
	if name == "" {
		name = "attachment"
	}
	if filepath.Ext(name) != "" || a.MimeType == "" {
		return name
	}
	if m := mimetype.Lookup(a.MimeType); m != nil && m.Extension() != "" {
		return name + m.Extension()
	}
	return name
}

// DecodeContent decodes base64 attachment content, accepting a data URL
// prefix and missing padding.
func DecodeContent(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func (o *Orchestrator) toolDefinitions(docs []document.Result) []proxy.Tool {
	var exclude []string
	if len(docs) > 0 {
		exclude = append(exclude, tools.AnalyzeDocumentName)
	}
	defs := o.opts.Tools.Definitions(exclude...)
	out := make([]proxy.Tool, len(defs))
	for i, d := range defs {
		out[i] = proxy.Tool{
			Type: "function",
			Function: proxy.FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

func (o *Orchestrator) generate(ctx context.Context, logger *slog.Logger, req Request, docs []document.Result, tracker *tools.Tracker) (Result, error) {
	msgs := o.opts.Composer.Build(req.Message, docs)
	defs := o.toolDefinitions(docs)

	var usage Usage
	for round := 0; ; round++ {
		gr := proxy.GenerateRequest{
			Model:     o.opts.Model,
			Messages:  msgs,
			MaxTokens: o.opts.MaxTokens,
		}
		// The last round offers no tools so the model has to answer.
		if round < o.opts.MaxToolRounds {
			gr.Tools = defs
		}

		var resp proxy.GenerateResponse
		outcome, err := o.opts.Retry.Do(ctx, o.opts.Policy, "chat", func(ctx context.Context) error {
			r, err := o.opts.Generator.Generate(ctx, gr)
			if err != nil {
				// Each overloaded attempt counts toward degradation.
				if retry.Classify(err) == retry.Overloaded {
					o.opts.Monitor.RecordOverload()
				}
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			if retry.IsOverloaded(err) {
				logger.Warn("upstream overloaded, falling back to mock",
					"attempts", outcome.Attempts,
					"elapsed_ms", outcome.Elapsed.Milliseconds(),
					"overloads_in_window", o.opts.Monitor.Count(),
				)
				return o.mockResult(req, tracker), nil
			}
			return Result{}, fmt.Errorf("calling model: %w", err)
		}
		o.opts.Monitor.RecordSuccess()

		usage.InputTokens += resp.Usage.PromptTokens
		usage.OutputTokens += resp.Usage.CompletionTokens

		if len(resp.ToolCalls) == 0 || len(gr.Tools) == 0 {
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			model := resp.Model
			if model == "" {
				model = o.opts.Model
			}
			return Result{
				Success:     true,
				MessageText: resp.Text,
				Usage:       usage,
				Model:       model,
			}, nil
		}

		msgs = append(msgs, proxy.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			out := o.runTool(ctx, logger, call, tracker)
			msgs = append(msgs, proxy.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    out,
			})
		}
	}
}

// runTool executes one model-requested call and returns the output fed
// back to the model. Tool failures become error outputs, not request errors.
func (o *Orchestrator) runTool(ctx context.Context, logger *slog.Logger, call proxy.ToolCall, tracker *tools.Tracker) string {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	t, ok := o.opts.Tools.Get(name)
	if !ok || !json.Valid(args) {
		msg := "unknown tool"
		if ok {
			msg = "arguments are not valid JSON"
			args = mustJSON(call.Function.Arguments)
		}
		out := string(mustJSON(map[string]string{"error": msg}))
		tracker.Record(name, args, out, 0, true)
		o.recordTool(name, true)
		logger.Warn("rejected tool call", "tool", name, "reason", msg)
		return out
	}

	out, err := tools.Execute(ctx, t, args)
	o.recordTool(name, err != nil)
	if err != nil {
		logger.Warn("tool call failed", "tool", name, "error", err)
	}
	return out
}

func (o *Orchestrator) recordTool(name string, failed bool) {
	if o.opts.Recorder != nil {
		o.opts.Recorder.ObserveToolCall(name, failed)
	}
}

// mockResult answers from the mock responder. Its simulated tool calls are
// recorded on the tracker so they surface like real ones.
func (o *Orchestrator) mockResult(req Request, tracker *tools.Tracker) Result {
	m := o.opts.Mock.Generate(req.Message, req.ConversationID)
	for _, tc := range m.ToolCalls {
		tracker.Record(tc.Name, tc.Input, tc.Output, 0, false)
	}
	if o.opts.Recorder != nil {
		o.opts.Recorder.ObserveMockFallback()
	}
	in := composer.EstimateTokens(req.Message)
	out := composer.EstimateTokens(m.Text)
	return Result{
		Success:     true,
		MessageText: m.Text,
		Model:       m.Model,
		Mocked:      true,
		Badges:      m.Badges,
		Usage:       Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// persist stores the interaction and returns its ID, or "" when there is
// no store or saving failed. It outlives the caller's cancellation.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, req Request, res Result, callErr error, latency time.Duration) string {
	if o.opts.Store == nil {
		return ""
	}

	id := uuid.NewString()
	i := storage.Interaction{
		ID:             id,
		CreatedAt:      res.Timestamp,
		ConversationID: req.ConversationID,
		UserMessage:    req.Message,
		Response:       res.MessageText,
		Model:          res.Model,
		Mocked:         res.Mocked,
		Status:         "completed",
		InputTokens:    res.Usage.InputTokens,
		OutputTokens:   res.Usage.OutputTokens,
		DocumentCount:  len(res.Documents),
		LatencyMs:      latency.Milliseconds(),
	}
	if callErr != nil {
		i.Status = "failed"
		i.Error = callErr.Error()
		if i.Model == "" {
			i.Model = o.opts.Model
		}
	}

	calls := make([]storage.ToolExecution, len(res.ToolCalls))
	for k, r := range res.ToolCalls {
		calls[k] = storage.ToolExecution{
			InteractionID: id,
			Name:          r.Name,
			InputJSON:     string(r.Input),
			Output:        r.Output,
			IsError:       r.IsError,
			DurationMs:    r.DurationMs,
			ExecutedAt:    r.Timestamp,
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.opts.Store.SaveInteraction(pctx, i, calls); err != nil {
		logger.Warn("saving interaction failed", "error", err)
		return ""
	}
	return id
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
