package readahead

import (
	"sync"
	"testing"
	"time"
)

func TestSequentialReadSchedulesPrefetch(t *testing.T) {
	var mu sync.Mutex
	var fetched []int64

	d := New(4, func(fileID, pageIndex int64) {
		mu.Lock()
		fetched = append(fetched, pageIndex)
		mu.Unlock()
	})

	s := NewStreamID()
	d.OnRead(s, 1, 0)
	d.OnRead(s, 1, 1) // sequential: triggers prefetch of 2,3,4,5

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(fetched)
		mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[int64]bool{2: true, 3: true, 4: true, 5: true}
	if len(fetched) != 4 {
		t.Fatalf("fetched %v, want 4 pages", fetched)
	}
	for _, p := range fetched {
		if !want[p] {
			t.Fatalf("unexpected prefetch of page %d", p)
		}
	}
}

func TestNonSequentialReadDoesNotPrefetch(t *testing.T) {
	var mu sync.Mutex
	var fetched []int64

	d := New(4, func(fileID, pageIndex int64) {
		mu.Lock()
		fetched = append(fetched, pageIndex)
		mu.Unlock()
	})

	s := NewStreamID()
	d.OnRead(s, 1, 0)
	d.OnRead(s, 1, 50) // a jump, not sequential

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fetched) != 0 {
		t.Fatalf("fetched %v, want none for a non-sequential read", fetched)
	}
}

func TestDistinctStreamsTrackedIndependently(t *testing.T) {
	var mu sync.Mutex
	var fetched []int64

	d := New(2, func(fileID, pageIndex int64) {
		mu.Lock()
		fetched = append(fetched, pageIndex)
		mu.Unlock()
	})

	a := NewStreamID()
	b := NewStreamID()
	if a == b {
		t.Fatal("expected distinct stream IDs")
	}

	d.OnRead(a, 1, 0)
	d.OnRead(b, 1, 1) // b's first read, must not be seen as sequential from a's position

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fetched) != 0 {
		t.Fatalf("fetched %v, want none: stream b must not continue stream a's run", fetched)
	}
}
