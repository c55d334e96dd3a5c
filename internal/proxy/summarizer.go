package proxy

import (
	"context"

	"github.com/kalambet/orca/internal/retry"
)

// Generator is the subset of Client used for summaries.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// Summarizer writes document summaries with the upstream model under a
// retry policy.
type Summarizer struct {
	gen    Generator
	model  string
	ctl    *retry.Controller
	policy retry.Policy
}

func NewSummarizer(gen Generator, model string, ctl *retry.Controller, policy retry.Policy) *Summarizer {
	return &Summarizer{gen: gen, model: model, ctl: ctl, policy: policy}
}

func (s *Summarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	temp := 0.2
	req := GenerateRequest{
		Model:       s.model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: &temp,
	}

	var text string
	_, err := s.ctl.Do(ctx, s.policy, "summarize", func(ctx context.Context) error {
		resp, err := s.gen.Generate(ctx, req)
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	return text, err
}
