// Package mock produces canned degraded-mode replies when the upstream model
// stays overloaded.
package mock

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// Model identifies mock replies so clients can tell them apart.
const Model = "mock-fallback/degraded"

const disclaimer = "⚠️ The assistant is temporarily running in degraded mode because the language model is overloaded. This is an automated placeholder reply, not a model answer."

// Badge names a capability the reply pretends to have used.
type Badge string

const (
	BadgeWebSearch Badge = "web_search"
	BadgeCalendar  Badge = "calendar"
	BadgeStorage   Badge = "file_storage"
	BadgeAnalysis  Badge = "analyze_document"
)

// ToolCall is a simulated tool invocation shown alongside a mock reply.
type ToolCall struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Output string          `json:"output"`
}

// Result is one mock reply.
type Result struct {
	Text      string     `json:"text"`
	Model     string     `json:"model"`
	Badges    []Badge    `json:"badges"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

var templates = []string{
	"I received your message about %q. I can't give a full answer right now, but your request has been noted and you can retry in a few minutes.",
	"Thanks for your patience. Your question on %q needs the full model, which is busy at the moment. Please try again shortly.",
	"I'm operating with limited capacity. Regarding %q: I'd normally look into this in detail. Retrying soon should get you a complete answer.",
	"The service is under heavy load. I've kept your message (%q) and a complete response will be available once capacity recovers.",
}

// keyword sets per badge. Matching is a substring test on the lower-cased
// message, so it is approximate.
var badgeKeywords = []struct {
	badge Badge
	words []string
}{
	{BadgeCalendar, []string{"calendar", "meeting", "schedule", "appointment", "event", "tomorrow", "agenda"}},
	{BadgeStorage, []string{"file", "folder", "drive", "upload", "storage", "save"}},
	{BadgeAnalysis, []string{"document", "pdf", "analyze", "analyse", "spreadsheet", "report", "contract"}},
	{BadgeWebSearch, []string{"search", "find", "latest", "news", "look up", "who is", "what is"}},
}

// Responder builds deterministic mock replies.
type Responder struct{}

func NewResponder() *Responder { return &Responder{} }

// Generate returns the same reply for the same conversation and message.
func (r *Responder) Generate(message, conversationID string) Result {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write([]byte(message))
	tmpl := templates[h.Sum32()%uint32(len(templates))]

	badges := inferBadges(message)
	calls := make([]ToolCall, 0, len(badges))
	for _, b := range badges {
		input, _ := json.Marshal(map[string]string{"query": topic(message, 120)})
		calls = append(calls, ToolCall{
			Name:   string(b),
			Input:  input,
			Output: `{"status":"skipped","reason":"degraded mode"}`,
		})
	}

	return Result{
		Text:      disclaimer + "\n\n" + fmt.Sprintf(tmpl, topic(message, 80)),
		Model:     Model,
		Badges:    badges,
		ToolCalls: calls,
	}
}

func inferBadges(message string) []Badge {
	m := strings.ToLower(message)
	var out []Badge
	for _, bk := range badgeKeywords {
		for _, w := range bk.words {
			if strings.Contains(m, w) {
				out = append(out, bk.badge)
				break
			}
		}
	}
	if len(out) == 0 {
		out = []Badge{BadgeWebSearch}
	}
	return out
}

func topic(message string, n int) string {
	m := strings.Join(strings.Fields(message), " ")
	r := []rune(m)
	if len(r) <= n {
		return m
	}
	return string(r[:n]) + "…"
}
