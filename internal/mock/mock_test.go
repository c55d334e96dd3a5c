package mock

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestGenerate_Deterministic(t *testing.T) {
	r := NewResponder()
	a := r.Generate("what is the weather", "conv-1")
	b := r.Generate("what is the weather", "conv-1")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("replies differ:\n%+v\n%+v", a, b)
	}
	if a.Model != Model {
		t.Errorf("model = %q, want %q", a.Model, Model)
	}
	if !strings.HasPrefix(a.Text, disclaimer) {
		t.Errorf("text does not start with disclaimer: %q", a.Text)
	}
	if !strings.Contains(a.Text, "what is the weather") {
		t.Errorf("text does not mention the message: %q", a.Text)
	}
}

func TestGenerate_Badges(t *testing.T) {
	tests := []struct {
		message string
		want    []Badge
	}{
		{"hello there", []Badge{BadgeWebSearch}},
		{"schedule a meeting tomorrow", []Badge{BadgeCalendar}},
		{"save this to my drive", []Badge{BadgeStorage}},
		{"analyze the attached PDF contract", []Badge{BadgeAnalysis}},
		{"search the news and put it on my calendar", []Badge{BadgeCalendar, BadgeWebSearch}},
	}
	r := NewResponder()
	for _, tt := range tests {
		got := r.Generate(tt.message, "c")
		if !reflect.DeepEqual(got.Badges, tt.want) {
			t.Errorf("Generate(%q).Badges = %v, want %v", tt.message, got.Badges, tt.want)
		}
		if len(got.ToolCalls) != len(got.Badges) {
			t.Errorf("tool calls = %d, badges = %d", len(got.ToolCalls), len(got.Badges))
		}
	}
}

func TestGenerate_LongMessageTruncated(t *testing.T) {
	msg := strings.Repeat("a", 500)
	got := NewResponder().Generate(msg, "c")
	if strings.Contains(got.Text, msg) {
		t.Error("full long message echoed")
	}
}

func TestMonitor(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(5*time.Minute, 3)
	m.now = func() time.Time { return now }

	m.RecordOverload()
	m.RecordOverload()
	if m.Degraded() {
		t.Fatal("degraded after 2 overloads")
	}
	m.RecordOverload()
	if !m.Degraded() {
		t.Fatal("not degraded after 3 overloads")
	}

	m.RecordSuccess()
	if m.Degraded() || m.Count() != 0 {
		t.Error("success did not reset")
	}

	m.RecordOverload()
	m.RecordOverload()
	now = now.Add(6 * time.Minute)
	m.RecordOverload()
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1 after window expiry", m.Count())
	}
	if m.Degraded() {
		t.Error("old overloads still counted")
	}
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(0, 0)
	if m.window != DefaultWindow || m.threshold != DefaultThreshold {
		t.Errorf("defaults = %v/%d", m.window, m.threshold)
	}
}
