// Package table implements the page table: the (file-id, page-index) ->
// frame map, its recency-ordered eviction structure, the pluggable
// eviction policy, and the single-flight demand-load path.
package table

import (
	"sync"

	"github.com/SimonWaldherr/pagecache/internal/frame"
)

// Key identifies a page uniquely within a Table: (file-id, page-index).
type Key struct {
	FileID int64
	Index  int64
}

// Loader fetches a page's content into payload, returning success. It
// is invoked outside the table lock.
type Loader func(payload []byte) bool

// FlushFunc persists a dirty frame's payload, returning success. It is
// invoked outside the table lock, from both the writeback engine and
// (synchronously, on a dirty eviction candidate) the table itself.
type FlushFunc func(key Key, payload []byte) bool

// Table is the page table: a bounded-capacity map of resident frames
// plus the recency sequence eviction scans over. All mutation is
// serialized by mu; mu is released across loader/flush callbacks.
type Table struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxPages int
	m        map[Key]*frame.Frame
	rec      *recencyList
	clock    frame.Clock
	policy   Policy
	flush    FlushFunc

	clockWindow int64

	stats Stats
}

// Config configures a new Table.
type Config struct {
	MaxPages       int
	EvictionPolicy string // "lru" | "clock"
	ClockWindow    int64  // ticks; only meaningful for "clock"
	Flush          FlushFunc
}

// New constructs an empty Table.
func New(cfg Config) *Table {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 65536
	}
	window := cfg.ClockWindow
	if window <= 0 {
		window = 1000
	}
	t := &Table{
		maxPages:    cfg.MaxPages,
		m:           make(map[Key]*frame.Frame, cfg.MaxPages),
		rec:         newRecencyList(),
		policy:      NewPolicy(cfg.EvictionPolicy, window),
		flush:       cfg.Flush,
		clockWindow: window,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// SetFlush installs (or replaces) the flush callback used for
// synchronous dirty-eviction. Safe to call at any time.
func (t *Table) SetFlush(fn FlushFunc) {
	t.mu.Lock()
	t.flush = fn
	t.mu.Unlock()
}

// SetMaxPages adjusts the resident-frame bound at runtime, evicting
// down to the new bound when it shrinks.
func (t *Table) SetMaxPages(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.maxPages = n
	t.mu.Unlock()
	t.EvictToTarget(n)
}

// SetPolicy atomically switches the eviction policy by name. Unknown
// names fall back to LRU.
func (t *Table) SetPolicy(name string) {
	t.mu.Lock()
	t.policy = NewPolicy(name, t.clockWindow)
	t.mu.Unlock()
}

// touchLocked stamps the frame with a fresh tick and moves it to the
// tail of the recency sequence. Caller must hold t.mu.
func (t *Table) touchLocked(key Key) {
	f, ok := t.m[key]
	if !ok {
		return
	}
	f.Touch(t.clock.Next())
	t.rec.touch(key)
}

// Now implements table.TimeSource for the eviction policy.
func (t *Table) Now() int64 { return t.clock.Now() }

// Get returns the resident frame for (fileID, index), touching it and
// updating recency. It does not adjust refcount; callers that need the
// frame pinned use GetOrLoad.
func (t *Table) Get(fileID, index int64) (*frame.Frame, bool) {
	key := Key{FileID: fileID, Index: index}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.m[key]
	if !ok || f.State() == frame.Locked {
		// A page mid-population has undefined contents; treat it as
		// absent rather than hand out a partially-loaded buffer.
		t.stats.recordMiss()
		return nil, false
	}
	t.touchLocked(key)
	t.stats.recordHit()
	return f, true
}

// Insert publishes an already-constructed frame as resident, evicting
// if necessary to stay within capacity.
func (t *Table) Insert(fileID, index int64, f *frame.Frame) {
	key := Key{FileID: fileID, Index: index}
	t.mu.Lock()
	if _, exists := t.m[key]; !exists {
		t.makeRoomLocked()
	}
	t.m[key] = f
	t.touchLocked(key)
	t.mu.Unlock()
}

// GetOrLoad is the demand loader: on a hit it touches and pins the
// frame for the caller; on a miss it evicts room, publishes a Locked
// placeholder before releasing the lock so concurrent requesters for
// the same key observe and can coalesce onto it, then invokes loader
// outside the lock and republishes the result.
func (t *Table) GetOrLoad(fileID, index int64, loader Loader) (*frame.Frame, bool) {
	f, _, ok := t.GetOrLoadTracked(fileID, index, loader)
	return f, ok
}

// GetOrLoadTracked is GetOrLoad plus a report of whether the request was
// serviced from residency (hit) rather than demand-loaded or coalesced
// onto an in-flight load. The I/O path uses the miss report to drive the
// readahead detector.
func (t *Table) GetOrLoadTracked(fileID, index int64, loader Loader) (*frame.Frame, bool, bool) {
	key := Key{FileID: fileID, Index: index}

	t.mu.Lock()
	if f, ok := t.m[key]; ok {
		if f.State() == frame.Locked {
			// Single-flight: another goroutine is populating this
			// page. Wait for it on the table's condition variable.
			t.mu.Unlock()
			f, ok := t.awaitInFlight(key)
			return f, false, ok
		}
		t.touchLocked(key)
		f.Pin()
		t.stats.recordHit()
		t.mu.Unlock()
		return f, true, true
	}
	t.stats.recordMiss()

	if !t.makeRoomLocked() {
		t.mu.Unlock()
		return nil, false, false
	}

	// makeRoomLocked drops the table lock while a dirty victim is
	// flushed, so a concurrent request for the same key may have
	// published a frame in the meantime. Re-check before constructing a
	// placeholder, or two frames would exist for one key and the loser's
	// buffer would never return to the arena.
	if f, ok := t.m[key]; ok {
		if f.State() == frame.Locked {
			t.mu.Unlock()
			f, ok := t.awaitInFlight(key)
			return f, false, ok
		}
		t.touchLocked(key)
		f.Pin()
		t.mu.Unlock()
		return f, false, true
	}

	nf := frame.New(fileID, index, frame.Locked)
	t.m[key] = nf
	t.mu.Unlock()

	ok := loader(nf.Payload())

	t.mu.Lock()
	if !ok {
		delete(t.m, key)
		t.cond.Broadcast()
		t.mu.Unlock()
		nf.Release()
		return nil, false, false
	}
	nf.SetState(frame.Clean)
	nf.SetLocked(false)
	t.touchLocked(key)
	nf.Pin()
	t.cond.Broadcast()
	t.mu.Unlock()
	return nf, false, true
}

// MarkDirty transitions the resident frame for (fileID, index) to Dirty
// under the table lock. The caller must hold a refcount on the frame, so
// the frame cannot be mid-flush or mid-load (both require refcount zero
// or set Locked before the caller could have pinned it).
func (t *Table) MarkDirty(fileID, index int64) {
	t.mu.Lock()
	if f, ok := t.m[Key{FileID: fileID, Index: index}]; ok && f.State() != frame.Locked {
		f.SetState(frame.Dirty)
	}
	t.mu.Unlock()
}

// awaitInFlight blocks on the table's condition variable until a key's
// in-flight loader publishes or discards its frame, then pins and
// returns it. It never spins; the table mutex is only held while
// waiting on the condition variable, which releases it internally.
func (t *Table) awaitInFlight(key Key) (*frame.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		f, ok := t.m[key]
		if !ok {
			return nil, false
		}
		if f.State() != frame.Locked {
			t.touchLocked(key)
			f.Pin()
			return f, true
		}
		t.cond.Wait()
	}
}

// makeRoomLocked evicts until the table has room for one more entry.
// Caller must hold t.mu; it is released and re-acquired internally
// while a dirty victim is flushed.
func (t *Table) makeRoomLocked() bool {
	for len(t.m) >= t.maxPages {
		if !t.evictOneLocked() {
			return false
		}
	}
	return true
}

// EvictOne drops one evictable frame per the active policy, flushing a
// dirty victim synchronously first so its writes are never lost.
// Returns false if no candidate is evictable.
func (t *Table) EvictOne() bool {
	t.mu.Lock()
	ok := t.evictOneLocked()
	t.mu.Unlock()
	return ok
}

func (t *Table) evictOneLocked() bool {
	excluded := map[Key]bool{}
	for attempt := 0; attempt < t.rec.len()+1; attempt++ {
		candidates := t.liveCandidatesLocked(excluded)
		key, ok := t.policy.SelectVictim(candidates, t, t.touchLocked)
		if !ok {
			// A CLOCK revolution that only granted second chances
			// re-touched every candidate it passed. The follow-up pass
			// reads the clock one window ahead, so those reference bits
			// count as cleared and the candidate at the cursor is taken.
			key, ok = t.policy.SelectVictim(candidates, clearedBits{t}, t.touchLocked)
		}
		if !ok {
			return false
		}
		f := t.m[key]
		if f.State() == frame.Dirty {
			if !t.flushVictimLocked(key, f) {
				excluded[key] = true
				continue
			}
		}
		if !f.Evictable() {
			excluded[key] = true
			continue
		}
		t.removeLocked(key)
		f.Release()
		t.stats.recordEviction()
		return true
	}
	return false
}

// clearedBits is a TimeSource one clock window ahead of the table's
// clock: against it no resident frame reads as recently referenced.
type clearedBits struct{ t *Table }

func (c clearedBits) Now() int64 { return c.t.clock.Now() + c.t.clockWindow }

// flushVictimLocked synchronously persists a dirty candidate before it
// is removed. The table lock is released across the callback, matching
// the writeback engine's flush step; on failure the candidate reverts
// to Dirty and is excluded from this scan.
func (t *Table) flushVictimLocked(key Key, f *frame.Frame) bool {
	if t.flush == nil {
		return false
	}
	f.SetState(frame.Locked)
	f.SetLocked(true)
	f.Pin()
	t.mu.Unlock()

	ok := t.flush(key, f.Payload())

	t.mu.Lock()
	f.Unpin()
	f.SetLocked(false)
	if ok {
		f.SetState(frame.Clean)
	} else {
		f.SetState(frame.Dirty)
	}
	t.cond.Broadcast()
	return ok
}

// removeLocked drops key from both structures. Caller must hold t.mu.
func (t *Table) removeLocked(key Key) {
	delete(t.m, key)
	t.rec.remove(key)
}

// liveCandidatesLocked snapshots the recency sequence oldest-first,
// lazily pruning entries whose frame no longer exists and skipping any
// key in excluded (a victim this scan already tried and failed to
// flush).
func (t *Table) liveCandidatesLocked(excluded map[Key]bool) []Candidate {
	keys := t.rec.oldestToNewest()
	out := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		f, ok := t.m[k]
		if !ok {
			t.rec.remove(k)
			continue
		}
		if excluded[k] {
			continue
		}
		out = append(out, Candidate{Key: k, Frame: f})
	}
	return out
}

// EvictToTarget drops frames until total resident count is at most n or
// no further candidate can be evicted.
func (t *Table) EvictToTarget(n int) {
	for t.Total() > n {
		if !t.EvictOne() {
			return
		}
	}
}

// Total returns the current resident count.
func (t *Table) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Dirty returns the current count of Dirty resident frames, scoped to
// one file (fileID != 0) or all files (fileID == 0), matching fsync's
// scoping rule.
func (t *Table) Dirty(fileID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, f := range t.m {
		if fileID != 0 && k.FileID != fileID {
			continue
		}
		if f.State() == frame.Dirty {
			n++
		}
	}
	return n
}

// Clean returns the current count of Clean resident frames.
func (t *Table) Clean() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.m {
		if f.State() == frame.Clean {
			n++
		}
	}
	return n
}

// DirtyKeys returns a snapshot of Dirty, unpinned, unlocked keys scoped
// to fileID (0 = all files). Used by the writeback engine to pick flush
// candidates without holding the table lock across I/O.
func (t *Table) DirtyKeys(fileID int64) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Key
	for k, f := range t.m {
		if fileID != 0 && k.FileID != fileID {
			continue
		}
		if f.State() == frame.Dirty && f.Evictable() {
			out = append(out, k)
		}
	}
	return out
}

// BeginFlush transitions a Dirty, unpinned, unlocked frame to Locked and
// pins it for the writeback engine's flush step, returning the frame and
// its payload snapshot target. Returns ok=false if the frame no longer
// qualifies (raced with another flush or eviction).
func (t *Table) BeginFlush(key Key) (*frame.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.m[key]
	if !ok || f.State() != frame.Dirty || !f.Evictable() {
		return nil, false
	}
	f.SetState(frame.Locked)
	f.SetLocked(true)
	f.Pin()
	return f, true
}

// EndFlush completes a writeback flush step begun with BeginFlush,
// transitioning the frame to Clean on success or back to Dirty on
// failure, and releasing the pin BeginFlush took.
func (t *Table) EndFlush(key Key, f *frame.Frame, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		f.SetState(frame.Clean)
	} else {
		f.SetState(frame.Dirty)
	}
	f.SetLocked(false)
	f.Unpin()
	t.cond.Broadcast()
}

// Stats returns a snapshot of table-maintained counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Resident = int64(len(t.m))
	s.Capacity = int64(t.maxPages)
	return s
}
