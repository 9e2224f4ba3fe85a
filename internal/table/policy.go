package table

import (
	"sync"

	"github.com/SimonWaldherr/pagecache/internal/frame"
)

// Candidate pairs an identity with its resident frame, in recency-scan
// order, for a policy to inspect.
type Candidate struct {
	Key   Key
	Frame *frame.Frame
}

// TimeSource gives a policy read access to the table's monotonic clock
// without exposing the rest of the table.
type TimeSource interface {
	Now() int64
}

// Policy selects at most one evictable victim from candidates, ordered
// oldest-first. It never mutates table structure directly; touch lets a
// policy (CLOCK's second chance) refresh a candidate's recency through
// the table's own touch path, keeping the table the sole owner of the
// recency sequence.
type Policy interface {
	Name() string
	SelectVictim(candidates []Candidate, clock TimeSource, touch func(Key)) (Key, bool)
}

// NewPolicy resolves a policy by name. Unknown names fall back to LRU.
func NewPolicy(name string, clockWindow int64) Policy {
	switch name {
	case "clock":
		return newClockPolicy(clockWindow)
	default:
		return lruPolicy{}
	}
}

// lruPolicy returns the first (oldest) unpinned, unlocked candidate.
type lruPolicy struct{}

func (lruPolicy) Name() string { return "lru" }

func (lruPolicy) SelectVictim(candidates []Candidate, _ TimeSource, _ func(Key)) (Key, bool) {
	for _, c := range candidates {
		if c.Frame.Evictable() {
			return c.Key, true
		}
	}
	return Key{}, false
}

// clockPolicy approximates a reference bit via last-accessed tick
// compared against a sliding window. The cursor is the only private
// state it retains between calls.
type clockPolicy struct {
	mu        sync.Mutex
	cursor    Key
	hasCursor bool
	window    int64
}

func newClockPolicy(window int64) *clockPolicy {
	if window <= 0 {
		window = 1000
	}
	return &clockPolicy{window: window}
}

func (p *clockPolicy) Name() string { return "clock" }

func (p *clockPolicy) setCursor(k Key) {
	p.mu.Lock()
	p.cursor = k
	p.hasCursor = true
	p.mu.Unlock()
}

// SelectVictim sweeps at most one full revolution of the ring from the
// cursor. A recently-touched candidate gets a second chance: it is
// re-touched (advancing the table's clock) and skipped. If the whole
// revolution finds no victim it reports no candidate; the table then
// runs one follow-up pass against a clock one window ahead, in which
// no candidate reads as referenced.
func (p *clockPolicy) SelectVictim(candidates []Candidate, clock TimeSource, touch func(Key)) (Key, bool) {
	n := len(candidates)
	if n == 0 {
		return Key{}, false
	}

	p.mu.Lock()
	start := 0
	if p.hasCursor {
		for i, c := range candidates {
			if c.Key == p.cursor {
				start = i
				break
			}
		}
	}
	p.mu.Unlock()

	for step := 0; step < n; step++ {
		idx := (start + step) % n
		c := candidates[idx]
		if !c.Frame.Evictable() {
			continue
		}
		if c.Frame.LastAccessed() > clock.Now()-p.window {
			touch(c.Key)
			p.setCursor(candidates[(idx+1)%n].Key)
			continue
		}
		p.setCursor(candidates[(idx+1)%n].Key)
		return c.Key, true
	}
	return Key{}, false
}
