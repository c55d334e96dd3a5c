// Package tools holds the external tools a model may call during a chat
// request and the per-request tracker that records every call.
package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is one tool invocation.
type Record struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	Output     string          `json:"output"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMs int64           `json:"duration_ms"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Tracker collects the tool calls of a single request. Drain hands the
// records over exactly once.
type Tracker struct {
	mu      sync.Mutex
	records []Record
	drained bool
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends a call. Calls recorded after Drain are dropped.
func (t *Tracker) Record(name string, input json.RawMessage, output string, d time.Duration, isErr bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drained {
		return
	}
	t.records = append(t.records, Record{
		Name:       name,
		Input:      input,
		Output:     output,
		Timestamp:  t.now().UTC(),
		DurationMs: d.Milliseconds(),
		IsError:    isErr,
	})
}

// Drain returns the recorded calls and empties the tracker. A second call
// returns nil.
func (t *Tracker) Drain() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drained {
		return nil
	}
	out := t.records
	t.records = nil
	t.drained = true
	return out
}

// Len reports how many calls are pending.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

type ctxKey int

const (
	trackerKey ctxKey = iota
	authTokensKey
)

// WithTracker returns a context carrying t.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey, t)
}

// TrackerFrom returns the request's tracker, or nil.
func TrackerFrom(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey).(*Tracker)
	return t
}

// WithAuthTokens attaches per-request credentials keyed by tool name. The
// map is copied.
func WithAuthTokens(ctx context.Context, tokens map[string]string) context.Context {
	if len(tokens) == 0 {
		return ctx
	}
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return context.WithValue(ctx, authTokensKey, cp)
}

// AuthToken returns the request's token for name.
func AuthToken(ctx context.Context, name string) (string, bool) {
	m, _ := ctx.Value(authTokensKey).(map[string]string)
	tok, ok := m[name]
	return tok, ok && tok != ""
}
