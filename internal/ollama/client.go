package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	probeTimeout = 2 * time.Second
	listTimeout  = 10 * time.Second
)

// Message is one chat turn in Ollama's wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to a local Ollama daemon. Requests carry no client-side
// timeout; callers bound them through the context.
type Client struct {
	rc *resty.Client
}

func New(baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

// StatusError is a non-200 answer from the daemon.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: unexpected status %d: %s", e.Status, e.Message)
}

func (e *StatusError) StatusCode() int { return e.Status }

func statusError(resp *resty.Response) *StatusError {
	var body chatResponse
	_ = json.Unmarshal(resp.Body(), &body)
	return &StatusError{Status: resp.StatusCode(), Message: body.Error}
}

// IsRunning probes GET /api/tags.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.rc.R().SetContext(ctx).Get("/api/tags")
	return err == nil && resp.StatusCode() == http.StatusOK
}

// ListModels returns the names of the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	resp, err := c.rc.R().SetContext(ctx).Get("/api/tags")
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags tagsResponse
	if err := json.Unmarshal(resp.Body(), &tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is installed, ignoring the ":tag" suffix
// Ollama appends.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullModel downloads name, passing every streamed progress line to
// onProgress when it is non-nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(pullRequest{Name: name, Stream: true}).
		SetDoNotParseResponse(true).
		Post("/api/pull")
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode())
	}

	dec := json.NewDecoder(body)
	for {
		var p PullProgress
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

// Chat runs a non-streaming completion. maxTokens maps to num_predict; zero
// keeps the model default.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, maxTokens int) (string, error) {
	cr := chatRequest{Model: model, Messages: messages}
	if maxTokens > 0 {
		cr.Options = map[string]any{"num_predict": maxTokens}
	}

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(cr).
		Post("/api/chat")
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp)
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	return out.Message.Content, nil
}

// Summarizer writes document summaries with a local model.
type Summarizer struct {
	client *Client
	model  string
}

func NewSummarizer(c *Client, model string) *Summarizer {
	return &Summarizer{client: c, model: model}
}

func (s *Summarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	out, err := s.client.Chat(ctx, s.model, []Message{{Role: "user", Content: prompt}}, maxTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
