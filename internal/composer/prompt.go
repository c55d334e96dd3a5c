package composer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/promptcache"
	"github.com/kalambet/orca/internal/proxy"
)

const (
	defaultMaxContextTokens = 4000
	maxExcerptChars         = 1500
)

// PromptVersion changes whenever the system prompt fragments change.
const PromptVersion = "2025.06-1"

// fragments are the static pieces of the system prompt, in order.
var fragments = []promptcache.Fragment{
	{Name: "system/identity", Content: "You are Orca, a careful assistant that answers with accurate, well-sourced information. Be direct and concise; prefer short paragraphs and lists over long prose."},
	{Name: "system/tools", Content: "You may call the provided tools when they help. Call web_search for current events or facts you are unsure about, calendar for scheduling, file_storage for the user's files and analyze_document for documents the user shares. Never invent tool results."},
	{Name: "system/documents", Content: "When document analyses are included in the user's message, ground your answer in them, cite the file name you rely on, and say so when the documents do not contain the answer."},
	{Name: "system/format", Content: "Use Markdown. Quote numbers, dates and names exactly as they appear in sources."},
}

// Info describes the current system prompt.
type Info struct {
	Version         string   `json:"version"`
	Length          int      `json:"length"`
	EstimatedTokens int      `json:"estimated_tokens"`
	Fragments       []string `json:"fragments"`
}

// Composer assembles the system prompt from cached fragments and augments
// user messages with document analyses under a token budget.
type Composer struct {
	MaxContextTokens int
	cache            *promptcache.Cache
	now              func() time.Time
}

// New creates a Composer and preloads the prompt fragments into cache.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int, cache *promptcache.Cache) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if cache == nil {
		cache = promptcache.New(0, promptcache.DefaultTTLs)
	}
	cache.Preload(fragments)
	return &Composer{MaxContextTokens: maxContextTokens, cache: cache, now: time.Now}
}

func (c *Composer) fragment(f promptcache.Fragment) string {
	if s, ok := c.cache.Get(f.Name, promptcache.CategoryStatic); ok {
		return s
	}
	c.cache.Set(f.Name, promptcache.CategoryStatic, f.Content)
	return f.Content
}

// dateLine is cached per day in the temporal tier.
func (c *Composer) dateLine() string {
	day := c.now().UTC().Format("2006-01-02")
	key := "system/date/" + day
	if s, ok := c.cache.Get(key, promptcache.CategoryTemporal); ok {
		return s
	}
	s := fmt.Sprintf("Today's date is %s (UTC).", day)
	c.cache.Set(key, promptcache.CategoryTemporal, s)
	return s
}

// SystemPrompt returns the full system prompt.
func (c *Composer) SystemPrompt() string {
	parts := make([]string, 0, len(fragments)+1)
	for _, f := range fragments {
		parts = append(parts, c.fragment(f))
	}
	parts = append(parts, c.dateLine())
	return strings.Join(parts, "\n\n")
}

func (c *Composer) Info() Info {
	p := c.SystemPrompt()
	names := make([]string, len(fragments))
	for i, f := range fragments {
		names[i] = f.Name
	}
	return Info{
		Version:         PromptVersion,
		Length:          len(p),
		EstimatedTokens: EstimateTokens(p),
		Fragments:       names,
	}
}

// Build returns the messages for one orchestrated turn: the system prompt
// and the user message augmented with the successful document analyses.
func (c *Composer) Build(message string, docs []document.Result) []proxy.Message {
	return []proxy.Message{
		{Role: "system", Content: c.SystemPrompt()},
		{Role: "user", Content: c.Augment(message, docs)},
	}
}

// Augment appends a summary and an excerpt of each successful document to
// message. Documents are added in order until the token budget runs out;
// excerpts shrink before summaries are dropped.
func (c *Composer) Augment(message string, docs []document.Result) string {
	var ok []document.Result
	for _, d := range docs {
		if d.Success {
			ok = append(ok, d)
		}
	}
	if len(ok) == 0 {
		return message
	}

	header := "\n\n[Attached documents]\n"
	remaining := c.MaxContextTokens - EstimateTokens(header)

	var sb strings.Builder
	sb.WriteString(message)
	added := 0
	for _, d := range ok {
		entry := formatDocument(d, maxExcerptChars)
		if EstimateTokens(entry) > remaining {
			entry = formatDocument(d, 0)
			if EstimateTokens(entry) > remaining {
				continue
			}
		}
		if added == 0 {
			sb.WriteString(header)
		}
		sb.WriteString(entry)
		remaining -= EstimateTokens(entry)
		added++
	}
	return sb.String()
}

func formatDocument(d document.Result, excerptChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n### %s (%s", d.FileName, d.Metadata.FileType)
	if d.Metadata.PageCount > 0 {
		fmt.Fprintf(&sb, ", %d pages", d.Metadata.PageCount)
	}
	if d.Strategy == document.StrategyTimeoutLimited {
		sb.WriteString(", partial analysis")
	}
	sb.WriteString(")\n")
	if d.Summary != "" {
		sb.WriteString("Summary: ")
		sb.WriteString(d.Summary)
		sb.WriteString("\n")
	}
	if excerptChars > 0 && d.Content != "" {
		sb.WriteString("Excerpt:\n")
		sb.WriteString(excerpt(d.Content, excerptChars))
		sb.WriteString("\n")
	}
	return sb.String()
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Compose prepends the system prompt to a pass-through request. If the
// request already has a system message, the prompt is merged into it.
// Original user messages are preserved unchanged.
func (c *Composer) Compose(req proxy.ChatRequest) (proxy.ChatRequest, error) {
	msgs, err := parseMessages(req.Messages)
	if err != nil {
		return req, fmt.Errorf("parsing messages: %w", err)
	}

	prompt := c.SystemPrompt()
	if len(msgs) > 0 && getRole(msgs[0]) == "system" {
		setContent(msgs[0], prompt+"\n\n---\n\n"+getContent(msgs[0]))
	} else {
		msgs = append([]rawMsg{makeSystemMessage(prompt)}, msgs...)
	}

	marshalled, err := json.Marshal(msgs)
	if err != nil {
		return req, fmt.Errorf("marshalling messages: %w", err)
	}

	out := req
	out.Messages = marshalled
	return out, nil
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// rawMsg preserves all JSON fields on a message while allowing role/content access.
type rawMsg map[string]json.RawMessage

func parseMessages(data json.RawMessage) ([]rawMsg, error) {
	var msgs []rawMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func getRole(m rawMsg) string {
	var role string
	if v, ok := m["role"]; ok {
		json.Unmarshal(v, &role)
	}
	return role
}

func getContent(m rawMsg) string {
	var content string
	if v, ok := m["content"]; ok {
		json.Unmarshal(v, &content)
	}
	return content
}

func setContent(m rawMsg, s string) {
	b, _ := json.Marshal(s)
	m["content"] = b
}

func makeSystemMessage(content string) rawMsg {
	m := make(rawMsg)
	m["role"], _ = json.Marshal("system")
	m["content"], _ = json.Marshal(content)
	return m
}
