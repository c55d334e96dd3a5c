package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxToolOutput      = 16 << 10
)

// HTTPTool forwards the model's input as a JSON POST to an endpoint and
// returns the response body. When the request carries an auth token for the
// tool's name it is sent as a bearer token.
type HTTPTool struct {
	name        string
	description string
	params      map[string]any
	endpoint    string
	client      *resty.Client
}

// HTTPSpec declares an HTTP-backed tool.
type HTTPSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Endpoint    string
	Timeout     time.Duration
}

func NewHTTPTool(spec HTTPSpec) *HTTPTool {
	if spec.Timeout <= 0 {
		spec.Timeout = defaultHTTPTimeout
	}
	client := resty.New().
		SetTimeout(spec.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPTool{
		name:        spec.Name,
		description: spec.Description,
		params:      spec.Parameters,
		endpoint:    spec.Endpoint,
		client:      client,
	}
}

func (t *HTTPTool) Name() string               { return t.name }
func (t *HTTPTool) Description() string        { return t.description }
func (t *HTTPTool) Parameters() map[string]any { return t.params }

func (t *HTTPTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	if !json.Valid(input) {
		return "", errors.New("input is not valid JSON")
	}

	req := t.client.R().SetContext(ctx).SetBody([]byte(input))
	if tok, ok := AuthToken(ctx, t.name); ok {
		req.SetAuthToken(tok)
	}

	resp, err := req.Post(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", t.endpoint, err)
	}
	body := strings.TrimSpace(string(resp.Body()))
	if resp.StatusCode() >= http.StatusBadRequest {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(body, 512))
	}
	return truncate(body, maxToolOutput), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Endpoints are the configured URLs of the HTTP-backed tools. Empty entries
// leave the tool unregistered.
type Endpoints struct {
	Search   string
	Calendar string
	Storage  string
}

// HTTPTools builds the web_search, calendar and file_storage tools for the
// configured endpoints.
func HTTPTools(ep Endpoints) []Tool {
	var out []Tool
	if ep.Search != "" {
		out = append(out, NewHTTPTool(HTTPSpec{
			Name:        "web_search",
			Description: "Search the web for current information. Returns a list of results with titles, URLs and snippets.",
			Endpoint:    ep.Search,
			Parameters: objectSchema(map[string]any{
				"query":       stringProp("Search query"),
				"max_results": map[string]any{"type": "integer", "description": "Maximum number of results", "minimum": 1, "maximum": 20},
			}, "query"),
		}))
	}
	if ep.Calendar != "" {
		out = append(out, NewHTTPTool(HTTPSpec{
			Name:        "calendar",
			Description: "Read or create events in the user's calendar.",
			Endpoint:    ep.Calendar,
			Parameters: objectSchema(map[string]any{
				"action": enumProp("Operation to perform", "list_events", "create_event"),
				"start":  stringProp("Range or event start, RFC 3339"),
				"end":    stringProp("Range or event end, RFC 3339"),
				"title":  stringProp("Event title for create_event"),
			}, "action"),
		}))
	}
	if ep.Storage != "" {
		out = append(out, NewHTTPTool(HTTPSpec{
			Name:        "file_storage",
			Description: "List, read or write files in the user's cloud storage.",
			Endpoint:    ep.Storage,
			Parameters: objectSchema(map[string]any{
				"action":  enumProp("Operation to perform", "list", "read", "write"),
				"path":    stringProp("File or folder path"),
				"content": stringProp("File content for write"),
			}, "action"),
		}))
	}
	return out
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enumProp(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}
