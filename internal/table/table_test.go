package table

import (
	"sync"
	"testing"

	"github.com/SimonWaldherr/pagecache/internal/frame"
)

func zeroLoader(buf []byte) bool {
	for i := range buf {
		buf[i] = 0
	}
	return true
}

func TestGetOrLoadMissThenHit(t *testing.T) {
	tb := New(Config{MaxPages: 100})

	loads := 0
	loader := func(buf []byte) bool {
		loads++
		buf[0] = 0xAB
		return true
	}

	f, ok := tb.GetOrLoad(1, 0, loader)
	if !ok {
		t.Fatal("expected success")
	}
	if f.Payload()[0] != 0xAB {
		t.Fatalf("payload[0] = %x, want 0xAB", f.Payload()[0])
	}
	f.Unpin()

	if tb.Total() != 1 {
		t.Fatalf("total = %d, want 1", tb.Total())
	}

	f2, ok := tb.GetOrLoad(1, 0, loader)
	if !ok {
		t.Fatal("expected success on hit")
	}
	f2.Unpin()
	if loads != 1 {
		t.Fatalf("loader invoked %d times, want 1 (second access should hit)", loads)
	}
	if f != f2 {
		t.Fatal("idempotent get: expected same frame identity")
	}
}

func TestCapacityBounded(t *testing.T) {
	tb := New(Config{MaxPages: 3})
	for i := int64(0); i < 10; i++ {
		f, ok := tb.GetOrLoad(1, i, zeroLoader)
		if !ok {
			t.Fatalf("load %d failed", i)
		}
		f.Unpin()
	}
	if tb.Total() != 3 {
		t.Fatalf("total = %d, want 3", tb.Total())
	}
	if tb.Stats().Evictions != 7 {
		t.Fatalf("evictions = %d, want 7 (10 - max(3))", tb.Stats().Evictions)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	tb := New(Config{MaxPages: 3, EvictionPolicy: "lru"})

	for _, idx := range []int64{0, 1, 2} {
		f, _ := tb.GetOrLoad(1, idx, zeroLoader)
		f.Unpin()
	}
	// Access (1,0) again to make it most recent.
	f0, _ := tb.Get(1, 0)
	_ = f0

	f3, ok := tb.GetOrLoad(1, 3, zeroLoader)
	if !ok {
		t.Fatal("load of page 3 failed")
	}
	f3.Unpin()

	if tb.Total() != 3 {
		t.Fatalf("total = %d, want 3", tb.Total())
	}
	if _, ok := tb.Get(1, 1); ok {
		t.Fatal("page (1,1) should have been evicted (least recently used)")
	}
	if _, ok := tb.Get(1, 0); !ok {
		t.Fatal("page (1,0) should still be resident (recently touched)")
	}
}

func TestPinnedPageSurvivesEviction(t *testing.T) {
	tb := New(Config{MaxPages: 2})

	f0, ok := tb.GetOrLoad(1, 0, zeroLoader)
	if !ok {
		t.Fatal("load 0 failed")
	}
	// Hold the pin: do not Unpin f0.

	f1, _ := tb.GetOrLoad(1, 1, zeroLoader)
	f1.Unpin()

	f2, ok := tb.GetOrLoad(1, 2, zeroLoader)
	if !ok {
		t.Fatal("load 2 failed")
	}
	f2.Unpin()

	if tb.Total() != 2 {
		t.Fatalf("total = %d, want 2", tb.Total())
	}
	if _, ok := tb.Get(1, 0); !ok {
		t.Fatal("pinned page (1,0) must survive eviction")
	}
	if _, ok := tb.Get(1, 1); ok {
		t.Fatal("page (1,1) should have been evicted instead of the pinned page")
	}
	f0.Unpin()
}

func TestClockSecondChance(t *testing.T) {
	tb := New(Config{MaxPages: 3, EvictionPolicy: "clock", ClockWindow: 1000})

	for _, idx := range []int64{0, 1, 2} {
		f, _ := tb.GetOrLoad(1, idx, zeroLoader)
		f.Unpin()
	}
	// All three pages are "recently touched" (within the window).
	f3, ok := tb.GetOrLoad(1, 3, zeroLoader)
	if !ok {
		t.Fatal("load of page 3 failed")
	}
	f3.Unpin()

	if tb.Total() != 3 {
		t.Fatalf("total = %d, want 3", tb.Total())
	}
	// One of the original three pages must have been evicted to make room.
	evictedCount := 0
	for _, idx := range []int64{0, 1, 2} {
		if _, ok := tb.Get(1, idx); !ok {
			evictedCount++
		}
	}
	if evictedCount != 1 {
		t.Fatalf("expected exactly one of the original pages evicted, got %d", evictedCount)
	}
}

func TestDirtyVictimFlushedBeforeEviction(t *testing.T) {
	var flushed []Key
	var mu sync.Mutex

	tb := New(Config{MaxPages: 2, Flush: func(k Key, payload []byte) bool {
		mu.Lock()
		flushed = append(flushed, k)
		mu.Unlock()
		return true
	}})

	f0, _ := tb.GetOrLoad(1, 0, zeroLoader)
	f0.SetState(frame.Dirty)
	f0.Unpin()

	f1, _ := tb.GetOrLoad(1, 1, zeroLoader)
	f1.Unpin()

	f2, ok := tb.GetOrLoad(1, 2, zeroLoader)
	if !ok {
		t.Fatal("load of page 2 failed")
	}
	f2.Unpin()

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || flushed[0] != (Key{FileID: 1, Index: 0}) {
		t.Fatalf("expected dirty page (1,0) to be flushed before eviction, got %v", flushed)
	}
}

func TestSingleFlightCoalescesConcurrentLoaders(t *testing.T) {
	tb := New(Config{MaxPages: 100})

	var loadCount int
	var mu sync.Mutex
	release := make(chan struct{})

	loader := func(buf []byte) bool {
		mu.Lock()
		loadCount++
		mu.Unlock()
		<-release
		return true
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*frame.Frame, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			f, ok := tb.GetOrLoad(7, 42, loader)
			if ok {
				results[i] = f
			}
		}(i)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	got := loadCount
	mu.Unlock()
	if got != 1 {
		t.Fatalf("loader invoked %d times, want 1 (single-flight)", got)
	}
	for i, f := range results {
		if f == nil {
			t.Fatalf("goroutine %d got no frame", i)
		}
		f.Unpin()
	}
}

func TestCapacityExhaustedWhenAllPinned(t *testing.T) {
	tb := New(Config{MaxPages: 1})

	f0, ok := tb.GetOrLoad(1, 0, zeroLoader)
	if !ok {
		t.Fatal("load 0 failed")
	}
	defer f0.Unpin()

	_, ok = tb.GetOrLoad(1, 1, zeroLoader)
	if ok {
		t.Fatal("expected CapacityExhausted (absent) when the sole page is pinned")
	}
}
