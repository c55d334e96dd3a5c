package mock

import (
	"sync"
	"time"
)

const (
	DefaultWindow    = 5 * time.Minute
	DefaultThreshold = 3
)

// Monitor counts overload failures in a sliding window. Once the count
// reaches the threshold the service is considered degraded until a
// successful upstream call resets it.
type Monitor struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	events    []time.Time
	now       func() time.Time
}

func NewMonitor(window time.Duration, threshold int) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{window: window, threshold: threshold, now: time.Now}
}

func (m *Monitor) RecordOverload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, m.now())
	m.prune()
}

func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.events) >= m.threshold
}

// Count returns the overloads inside the window.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.events)
}

func (m *Monitor) prune() {
	cutoff := m.now().Add(-m.window)
	i := 0
	for i < len(m.events) && !m.events[i].After(cutoff) {
		i++
	}
	m.events = m.events[i:]
}
