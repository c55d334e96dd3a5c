package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tool is something the model can call.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the input object.
	Parameters() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry is a name-indexed set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions renders every tool except the excluded names, sorted by name.
func (r *Registry) Definitions(exclude ...string) []Definition {
	skip := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		skip[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []Definition
	for _, t := range r.tools {
		if skip[t.Name()] {
			continue
		}
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs t and records the call on the context's tracker, if any. A
// failed call is recorded with an {"error": "..."} output and its error is
// returned. A panicking tool counts as a failed call.
func Execute(ctx context.Context, t Tool, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	start := time.Now()
	out, err := safeExecute(ctx, t, input)
	elapsed := time.Since(start)

	if err != nil {
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		out = string(b)
	}
	if tr := TrackerFrom(ctx); tr != nil {
		tr.Record(t.Name(), input, out, elapsed, err != nil)
	}
	if err != nil {
		return out, fmt.Errorf("tool %s: %w", t.Name(), err)
	}
	return out, nil
}

func safeExecute(ctx context.Context, t Tool, input json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Execute(ctx, input)
}
