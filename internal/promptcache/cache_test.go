package promptcache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(16, TTLs{})
	c.now = clock.Now
	return c, clock
}

func TestGetSet_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set("system prompt", CategoryStatic, "rendered")

	got, ok := c.Get("system prompt", CategoryStatic)
	if !ok || got != "rendered" {
		t.Fatalf("Get = %q, %v; want %q, true", got, ok, "rendered")
	}
	if _, ok := c.Get("system prompt", CategoryTemporal); ok {
		t.Error("same content in another category must not hit")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.TotalRequests != 2 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 2 requests", st)
	}
	if st.EfficiencyPct != 50 {
		t.Errorf("EfficiencyPct = %v, want 50", st.EfficiencyPct)
	}
}

func TestZeroTTL_MissOnNextGet(t *testing.T) {
	c, _ := newTestCache(t)
	c.SetWithTTL("x", "misc", "value", 0)

	if _, ok := c.Get("x", "misc"); ok {
		t.Fatal("entry with ttl=0 must be a miss")
	}
	if n := c.Stats().Entries; n != 0 {
		t.Errorf("Entries = %d, want 0 after lazy eviction", n)
	}
}

func TestCategoryTTLs(t *testing.T) {
	c, clock := newTestCache(t)
	c.Set("s", CategoryStatic, "static")
	c.Set("t", CategoryTemporal, "temporal")
	c.Set("d", CategoryDocument, "document")

	clock.Advance(6 * time.Minute)
	if _, ok := c.Get("d", CategoryDocument); ok {
		t.Error("document entry should expire after the default 5m")
	}
	if _, ok := c.Get("t", CategoryTemporal); !ok {
		t.Error("temporal entry should survive 6m")
	}

	clock.Advance(time.Hour)
	if _, ok := c.Get("t", CategoryTemporal); ok {
		t.Error("temporal entry should expire after 1h")
	}
	if _, ok := c.Get("s", CategoryStatic); !ok {
		t.Error("static entry should survive 1h6m")
	}

	clock.Advance(24 * time.Hour)
	if _, ok := c.Get("s", CategoryStatic); ok {
		t.Error("static entry should expire after 24h")
	}
}

func TestApproxMemory(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set("a", "misc", "12345")
	c.Set("b", "misc", "123")
	if got := c.Stats().ApproxMemoryBytes; got != 8 {
		t.Errorf("ApproxMemoryBytes = %d, want 8", got)
	}

	c.Set("a", "misc", "1")
	if got := c.Stats().ApproxMemoryBytes; got != 4 {
		t.Errorf("ApproxMemoryBytes after overwrite = %d, want 4", got)
	}

	c.Clear()
	st := c.Stats()
	if st.ApproxMemoryBytes != 0 || st.Entries != 0 || st.Hits != 0 {
		t.Errorf("stats after Clear = %+v, want zeroed", st)
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(2, TTLs{})
	c.Set("a", "misc", "aa")
	c.Set("b", "misc", "bb")
	c.Set("c", "misc", "cc")

	if _, ok := c.Get("a", "misc"); ok {
		t.Error("oldest entry should be evicted at capacity")
	}
	if got := c.Stats().ApproxMemoryBytes; got != 4 {
		t.Errorf("ApproxMemoryBytes = %d, want 4", got)
	}
}

func TestSweep(t *testing.T) {
	c, clock := newTestCache(t)
	c.Set("keep", CategoryStatic, "v")
	c.Set("drop1", "misc", "v")
	c.Set("drop2", "misc", "v")

	clock.Advance(10 * time.Minute)
	if n := c.Sweep(); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if n := c.Stats().Entries; n != 1 {
		t.Errorf("Entries = %d, want 1", n)
	}
}

func TestPreload(t *testing.T) {
	c, _ := newTestCache(t)
	c.Preload([]Fragment{
		{Name: "system.base", Content: "You are helpful."},
		{Name: "tools.guide", Content: "Use tools sparingly.", Category: CategoryTemporal},
	})

	if got, ok := c.Get("system.base", CategoryStatic); !ok || got != "You are helpful." {
		t.Errorf("Get(system.base) = %q, %v", got, ok)
	}
	if got, ok := c.Get("tools.guide", CategoryTemporal); !ok || got != "Use tools sparingly." {
		t.Errorf("Get(tools.guide) = %q, %v", got, ok)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := New(4, TTLs{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(64, TTLs{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("k", "misc", "v")
				c.Get("k", "misc")
				if j%10 == 0 {
					c.Sweep()
				}
			}
		}(i)
	}
	wg.Wait()
	if st := c.Stats(); st.TotalRequests != 800 {
		t.Errorf("TotalRequests = %d, want 800", st.TotalRequests)
	}
}
