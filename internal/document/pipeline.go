package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/orca/internal/promptcache"
)

const (
	defaultTimeout         = 20 * time.Second
	defaultResultCacheSize = 256
)

// Recorder receives one observation per analysis.
type Recorder interface {
	ObserveAnalysis(strategy, outcome string)
}

// Options configures a Pipeline. Zero values select the defaults.
type Options struct {
	// Timeout bounds a single Analyze call.
	Timeout time.Duration
	// Summarizer writes chunk and meta summaries. Nil selects extractive
	// summaries only.
	Summarizer Summarizer
	// PromptCache memoizes chunk summaries when set.
	PromptCache *promptcache.Cache
	// ResultCacheSize bounds the identity cache.
	ResultCacheSize int
	// ResultCacheTTL expires identity cache entries; zero keeps them for the
	// process lifetime.
	ResultCacheTTL time.Duration
	// Extractors overrides the extension table.
	Extractors map[string]Extractor
	Recorder   Recorder
	Logger     *slog.Logger
}

// Pipeline analyzes documents. It is safe for concurrent use.
type Pipeline struct {
	timeout     time.Duration
	summarizer  Summarizer
	promptCache *promptcache.Cache
	extractors  map[string]Extractor
	results     *expirable.LRU[string, Result]
	recorder    Recorder
	logger      *slog.Logger
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResultCacheSize <= 0 {
		opts.ResultCacheSize = defaultResultCacheSize
	}
	if opts.Extractors == nil {
		opts.Extractors = DefaultExtractors()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		timeout:     opts.Timeout,
		summarizer:  opts.Summarizer,
		promptCache: opts.PromptCache,
		extractors:  opts.Extractors,
		results:     expirable.NewLRU[string, Result](opts.ResultCacheSize, nil, opts.ResultCacheTTL),
		recorder:    opts.Recorder,
		logger:      opts.Logger,
	}
}

// Supported reports whether fileName has an extension with an extractor.
func (p *Pipeline) Supported(fileName string) bool {
	_, ok := p.extractors[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// identityKey hashes the content, not the file name, so renamed copies share
// one entry and same-length edits do not collide.
func identityKey(in Input) string {
	h := sha256.New()
	h.Write(in.Data)
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(filepath.Ext(in.FileName))))
	h.Write([]byte{0})
	h.Write([]byte(in.AnalysisType))
	for _, q := range in.Questions {
		h.Write([]byte{0})
		h.Write([]byte(q))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Analyze runs the full pipeline under the configured deadline. It never
// returns an error: failures, including timeouts, are encoded in the Result.
// Results other than timeouts and cancellations are cached by content
// identity, failures included.
func (p *Pipeline) Analyze(ctx context.Context, in Input) Result {
	in.AnalysisType = ParseAnalysisType(string(in.AnalysisType))
	in.Questions = cleanQuestions(in.Questions)

	key := identityKey(in)
	if r, ok := p.results.Get(key); ok {
		p.logger.Debug("document analysis cache hit", "file", in.FileName, "success", r.Success)
		return r
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	prog := &progress{}
	done := make(chan Result, 1)
	go func() {
		done <- p.run(ctx, in, prog)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = p.interrupted(ctx.Err(), in, prog)
	}

	outcome := "success"
	switch {
	case r.ErrorKind == KindDeadlineExceeded || r.ErrorKind == KindCanceled:
		outcome = string(r.ErrorKind)
	case !r.Success:
		outcome = "failure"
		p.results.Add(key, r)
	default:
		p.results.Add(key, r)
	}
	if p.recorder != nil {
		p.recorder.ObserveAnalysis(string(r.Strategy), outcome)
	}

	p.logger.Info("document analyzed",
		"file", in.FileName,
		"type", in.AnalysisType,
		"success", r.Success,
		"strategy", r.Strategy,
		"chunks", r.ChunkCount,
		"error_kind", r.ErrorKind,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return r
}

func cleanQuestions(qs []string) []string {
	var out []string
	for _, q := range qs {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// progress is the state the analysis goroutine has produced so far; the
// timeout path reads it to build a partial result.
type progress struct {
	mu        sync.Mutex
	text      string
	meta      Metadata
	extracted bool
	summaries []string
	chunks    int
}

func (pr *progress) setExtracted(text string, meta Metadata) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.text, pr.meta, pr.extracted = text, meta, true
}

func (pr *progress) setChunks(n int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.chunks = n
}

func (pr *progress) addSummary(s string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.summaries = append(pr.summaries, s)
}

func (pr *progress) snapshot() (string, Metadata, bool, []string, int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.text, pr.meta, pr.extracted, append([]string(nil), pr.summaries...), pr.chunks
}

func failed(in Input, kind ErrorKind, err error) Result {
	return Result{
		Success:      false,
		FileName:     in.FileName,
		AnalysisType: in.AnalysisType,
		ErrorKind:    kind,
		Error:        err.Error(),
	}
}

// interrupted builds the placeholder returned when the deadline elapses or
// the caller cancels. Text extracted before the interruption is still
// previewed and summarized extractively.
func (p *Pipeline) interrupted(cause error, in Input, prog *progress) Result {
	kind, sentinel := KindDeadlineExceeded, ErrDeadlineExceeded
	if errors.Is(cause, context.Canceled) {
		kind, sentinel = KindCanceled, ErrCanceled
	}

	text, meta, extracted, summaries, chunks := prog.snapshot()
	r := Result{
		FileName:     in.FileName,
		AnalysisType: in.AnalysisType,
		Strategy:     StrategyTimeoutLimited,
		ErrorKind:    kind,
		Error:        fmt.Sprintf("%v after %s", sentinel, p.timeout),
		ChunkCount:   chunks,
	}
	if !extracted {
		r.Summary = "Document analysis did not finish in time; no text could be extracted."
		return r
	}

	r.Success = true
	r.Metadata = meta
	r.Content = preview(text, previewLimit)
	r.Entities = ExtractEntities(text, meta.FileType)
	if len(summaries) > 0 {
		r.Summary = strings.Join(summaries, "\n\n")
	} else {
		r.Summary = extractiveSummary(text, extractiveCap)
	}
	return r
}

func (p *Pipeline) run(ctx context.Context, in Input, prog *progress) Result {
	ext := strings.ToLower(filepath.Ext(in.FileName))
	extractor, ok := p.extractors[ext]
	if !ok {
		if ext == "" {
			ext = "(none)"
		}
		return failed(in, KindUnsupportedFormat, fmt.Errorf("%w: extension %s", ErrUnsupportedFormat, ext))
	}

	extraction, err := extractor.Extract(ctx, in.Data)
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx.Err(), in, prog)
		}
		return failed(in, KindNoExtractableContent, err)
	}

	text := strings.TrimSpace(extraction.Text)
	if text == "" {
		return failed(in, KindNoExtractableContent, fmt.Errorf("%w: document contains no text", ErrNoExtractableContent))
	}

	meta := extraction.Meta
	meta.FileType = strings.TrimPrefix(ext, ".")
	meta.MimeType = mimetype.Detect(in.Data).String()
	meta.CharCount = runeLen(text)
	meta.EstimatedTokens = estimateTokens(meta.CharCount)
	prog.setExtracted(text, meta)

	chunks := SplitChunks(text, ConfigFor(in.AnalysisType))
	prog.setChunks(len(chunks))
	entities := ExtractEntities(text, meta.FileType)

	budget := chunkTokenBudget(len(chunks))
	modelUp := p.summarizer != nil
	summaries := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if ctx.Err() != nil {
			return p.interrupted(ctx.Err(), in, prog)
		}
		var s string
		s, modelUp = p.summarizeChunk(ctx, in, meta.FileType, c, len(chunks), budget, modelUp)
		summaries = append(summaries, s)
		prog.addSummary(s)
	}

	summary, strategy := p.finalSummary(ctx, in, summaries, modelUp)
	if ctx.Err() != nil {
		return p.interrupted(ctx.Err(), in, prog)
	}

	return Result{
		Success:      true,
		FileName:     in.FileName,
		AnalysisType: in.AnalysisType,
		Content:      preview(text, previewLimit),
		Summary:      summary,
		Metadata:     meta,
		Entities:     entities,
		Strategy:     strategy,
		ChunkCount:   len(chunks),
	}
}

// summarizeChunk asks the model for a chunk summary, falling back to an
// extractive one. After the first model failure the rest of the document
// is summarized extractively.
func (p *Pipeline) summarizeChunk(ctx context.Context, in Input, fileType string, c Chunk, total, budget int, modelUp bool) (string, bool) {
	if !modelUp {
		return extractiveSummary(c.Content, extractiveCap), false
	}

	prompt := chunkPrompt(in.AnalysisType, fileType, c, total, in.Questions)
	if p.promptCache != nil {
		if s, ok := p.promptCache.Get(prompt, promptcache.CategoryDocument); ok {
			return s, true
		}
	}

	s, err := p.summarizer.Summarize(ctx, prompt, budget)
	s = strings.TrimSpace(s)
	if err != nil || s == "" {
		if err == nil {
			err = errors.New("empty summary")
		}
		p.logger.Warn("chunk summary unavailable, using extractive fallback",
			"file", in.FileName, "chunk", c.Index, "error", err)
		return extractiveSummary(c.Content, extractiveCap), false
	}

	if p.promptCache != nil {
		p.promptCache.Set(prompt, promptcache.CategoryDocument, s)
	}
	return s, true
}

func (p *Pipeline) finalSummary(ctx context.Context, in Input, summaries []string, modelUp bool) (string, Strategy) {
	if len(summaries) == 1 {
		return summaries[0], StrategySinglePass
	}

	combined := strings.Join(summaries, "\n\n")
	if runeLen(combined) <= combinedDirectSize || !modelUp {
		return combined, StrategyCombinedDirect
	}

	meta, err := p.summarizer.Summarize(ctx, metaPrompt(in.AnalysisType, summaries, in.Questions), metaSummaryTokens)
	meta = strings.TrimSpace(meta)
	if err != nil || meta == "" {
		p.logger.Warn("meta summary failed, returning combined chunk summaries", "file", in.FileName, "error", err)
		return combined, StrategyCombinedDirect
	}
	return meta, StrategyProgressiveMeta
}
