package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/orca/internal/document"
)

// AnalyzeDocumentName is the tool name the orchestrator suppresses when
// attachments were already analyzed.
const AnalyzeDocumentName = "analyze_document"

// Analyzer runs the document pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, in document.Input) document.Result
}

// DocumentTool lets the model analyze a base64-encoded document.
type DocumentTool struct {
	analyzer Analyzer
}

func NewDocumentTool(a Analyzer) *DocumentTool {
	return &DocumentTool{analyzer: a}
}

func (t *DocumentTool) Name() string { return AnalyzeDocumentName }

func (t *DocumentTool) Description() string {
	return "Analyze a document (PDF, DOCX, TXT, Markdown, CSV, TSV, XLSX) and return a summary, a content preview and extracted entities."
}

func (t *DocumentTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"file_name":     stringProp("File name including extension"),
		"content":       stringProp("Base64-encoded file content"),
		"analysis_type": enumProp("Kind of analysis", "general", "summary", "extraction", "legal", "financial", "technical", "medical"),
		"questions": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Specific questions to answer from the document",
		},
	}, "file_name", "content")
}

type documentInput struct {
	FileName     string   `json:"file_name"`
	Content      string   `json:"content"`
	AnalysisType string   `json:"analysis_type"`
	Questions    []string `json:"questions"`
}

func (t *DocumentTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in documentInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("decoding input: %w", err)
	}
	if in.FileName == "" || in.Content == "" {
		return "", errors.New("file_name and content are required")
	}
	data, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		return "", fmt.Errorf("content is not valid base64: %w", err)
	}

	res := t.analyzer.Analyze(ctx, document.Input{
		Data:         data,
		FileName:     in.FileName,
		AnalysisType: document.ParseAnalysisType(in.AnalysisType),
		Questions:    in.Questions,
	})
	if !res.Success {
		return "", res.Err()
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}
