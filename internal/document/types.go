// Package document extracts, chunks, summarizes and mines entities from
// uploaded attachments under a hard time budget.
package document

import (
	"errors"
	"fmt"
	"strings"
)

// AnalysisType selects chunk sizing and prompt framing.
type AnalysisType string

const (
	AnalysisGeneral    AnalysisType = "general"
	AnalysisSummary    AnalysisType = "summary"
	AnalysisExtraction AnalysisType = "extraction"
	AnalysisLegal      AnalysisType = "legal"
	AnalysisFinancial  AnalysisType = "financial"
	AnalysisTechnical  AnalysisType = "technical"
	AnalysisMedical    AnalysisType = "medical"
)

// ParseAnalysisType maps free-form input to a known type, defaulting to general.
func ParseAnalysisType(s string) AnalysisType {
	switch t := AnalysisType(strings.ToLower(strings.TrimSpace(s))); t {
	case AnalysisSummary, AnalysisExtraction, AnalysisLegal, AnalysisFinancial, AnalysisTechnical, AnalysisMedical:
		return t
	default:
		return AnalysisGeneral
	}
}

// Strategy records how the final summary was produced.
type Strategy string

const (
	StrategySinglePass      Strategy = "single_pass"
	StrategyCombinedDirect  Strategy = "combined_direct"
	StrategyProgressiveMeta Strategy = "progressive_meta"
	StrategyTimeoutLimited  Strategy = "timeout_limited"
)

// ChunkKind tells how a chunk was cut.
type ChunkKind string

const (
	// KindParagraph chunks are packed from whole paragraphs.
	KindParagraph ChunkKind = "paragraph"
	// KindHybrid chunks are window slices of a paragraph too large to pack.
	KindHybrid ChunkKind = "hybrid"
	// KindSection chunks are the whole text or sliding-window slices of it.
	KindSection ChunkKind = "section"
)

// Chunk is a bounded slice of extracted text. The first Overlap runes of
// Content repeat the end of the previous chunk.
type Chunk struct {
	Content string    `json:"content"`
	Index   int       `json:"index"`
	Kind    ChunkKind `json:"kind"`
	Overlap int       `json:"overlap,omitempty"`
}

// Metadata describes the extracted document.
type Metadata struct {
	FileType        string   `json:"file_type"`
	MimeType        string   `json:"mime_type,omitempty"`
	PageCount       int      `json:"page_count,omitempty"`
	SheetNames      []string `json:"sheet_names,omitempty"`
	RowCount        int      `json:"row_count,omitempty"`
	Encoding        string   `json:"encoding,omitempty"`
	CharCount       int      `json:"char_count"`
	EstimatedTokens int      `json:"estimated_tokens"`
}

// Entity is a pattern match found in the full text.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Input is one document to analyze.
type Input struct {
	Data         []byte
	FileName     string
	AnalysisType AnalysisType
	Questions    []string
}

// Result is the outcome of analyzing one document. Failed analyses are
// results too, with Success false and ErrorKind set.
type Result struct {
	Success      bool         `json:"success"`
	FileName     string       `json:"file_name"`
	AnalysisType AnalysisType `json:"analysis_type"`
	Content      string       `json:"content"`
	Summary      string       `json:"summary,omitempty"`
	Metadata     Metadata     `json:"metadata"`
	Entities     []Entity     `json:"entities,omitempty"`
	Strategy     Strategy     `json:"processing_strategy,omitempty"`
	ChunkCount   int          `json:"chunk_count,omitempty"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Err returns the typed error for a failed or time-limited result, or nil.
func (r Result) Err() error {
	if r.ErrorKind == "" {
		return nil
	}
	return &Error{Kind: r.ErrorKind, FileName: r.FileName, Err: errors.New(r.Error)}
}

// ErrorKind is the per-document failure taxonomy.
type ErrorKind string

const (
	KindUnsupportedFormat    ErrorKind = "unsupported_format"
	KindNoExtractableContent ErrorKind = "no_extractable_content"
	KindDeadlineExceeded     ErrorKind = "deadline_exceeded"
	KindCanceled             ErrorKind = "canceled"
)

var (
	ErrUnsupportedFormat    = errors.New("unsupported format")
	ErrNoExtractableContent = errors.New("no extractable content")
	ErrDeadlineExceeded     = errors.New("analysis deadline exceeded")
	ErrCanceled             = errors.New("analysis canceled")
)

var kindSentinels = map[ErrorKind]error{
	KindUnsupportedFormat:    ErrUnsupportedFormat,
	KindNoExtractableContent: ErrNoExtractableContent,
	KindDeadlineExceeded:     ErrDeadlineExceeded,
	KindCanceled:             ErrCanceled,
}

// Error is a per-document failure. errors.Is matches it against the
// package sentinels by Kind.
type Error struct {
	Kind     ErrorKind
	FileName string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.FileName, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.FileName, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}
