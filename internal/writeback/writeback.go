// Package writeback implements the writeback engine: a single
// background worker that scans the page table for dirty frames and
// flushes them through the backing-store write callback, driven by a
// periodic wakeup, a dirty-count threshold, and an explicit signal.
package writeback

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"golang.org/x/sync/errgroup"

	"github.com/SimonWaldherr/pagecache/internal/table"
)

// DefaultWakeupInterval is the default periodic wakeup cadence; the
// worker never sleeps longer than this between scans.
const DefaultWakeupInterval = 100 * time.Millisecond

// DefaultDirtyThreshold is the default dirty-page count that triggers an
// immediate flush pass instead of waiting for the next tick.
const DefaultDirtyThreshold = 8192

// Config configures an Engine.
type Config struct {
	// WakeupInterval bounds how long the worker can sleep between
	// scans. Zero uses DefaultWakeupInterval.
	WakeupInterval time.Duration
	// DirtyThreshold is the dirty-page count at or above which an
	// explicit Signal is raised after a write. Zero uses DefaultDirtyThreshold.
	DirtyThreshold int
	// FlushConcurrency bounds how many frames are flushed concurrently
	// within one pass via errgroup. Zero means 4.
	FlushConcurrency int
	// Flush is the backing-store write callback: persist payload for
	// key, returning success.
	Flush func(key table.Key, payload []byte) bool
}

// Engine is the writeback background worker. One Engine serves one
// Table; construction starts its goroutine immediately.
type Engine struct {
	tbl    *table.Table
	cfg    Config
	flush  func(key table.Key, payload []byte) bool
	signal func(func())

	wake      chan struct{}
	threshold atomic.Int64

	// passMu runs flush passes one at a time, so Fsync waits for a
	// periodic pass already in progress.
	passMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New constructs and starts a writeback Engine for tbl.
func New(tbl *table.Table, cfg Config) *Engine {
	if cfg.WakeupInterval <= 0 {
		cfg.WakeupInterval = DefaultWakeupInterval
	}
	if cfg.DirtyThreshold <= 0 {
		cfg.DirtyThreshold = DefaultDirtyThreshold
	}
	if cfg.FlushConcurrency <= 0 {
		cfg.FlushConcurrency = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tbl:    tbl,
		cfg:    cfg,
		flush:  cfg.Flush,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	e.threshold.Store(int64(cfg.DirtyThreshold))
	// A burst of writes crossing the dirty threshold in a tight loop
	// collapses into one extra wakeup instead of flooding the channel.
	debounced := debounce.New(10 * time.Millisecond)
	e.signal = debounced

	e.wg.Add(1)
	go e.run()
	return e
}

// Signal requests an out-of-band flush pass as soon as the worker next
// wakes, debounced so repeated calls in a tight loop coalesce.
func (e *Engine) Signal() {
	e.signal(func() {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	})
}

// NotifyDirty is called by the I/O path after marking a page dirty. It
// signals the worker only once the table's dirty count has crossed the
// configured threshold.
func (e *Engine) NotifyDirty() {
	if int64(e.tbl.Dirty(0)) >= e.threshold.Load() {
		e.Signal()
	}
}

// SetDirtyThreshold adjusts the writeback trigger at runtime.
func (e *Engine) SetDirtyThreshold(n int) {
	if n > 0 {
		e.threshold.Store(int64(n))
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.WakeupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			// Drain no further dirty pages; any remaining Dirty frames
			// are lost unless a preceding Fsync already persisted them.
			return
		case <-ticker.C:
			e.flushPass(0)
		case <-e.wake:
			e.flushPass(0)
		}
	}
}

// flushPass flushes dirty, unpinned, unlocked frames scoped to fileID (0
// = all files), running up to FlushConcurrency flushes concurrently;
// the table mutex is never held across a backing-store write, so
// distinct frames can flush in parallel.
func (e *Engine) flushPass(fileID int64) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	keys := e.tbl.DirtyKeys(fileID)
	if len(keys) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.FlushConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			e.flushOne(key)
			return nil
		})
	}
	_ = g.Wait()
}

// flushOne performs one flush step: lock-mark-Locked, callback outside
// the lock, re-lock to transition Clean or revert to Dirty.
func (e *Engine) flushOne(key table.Key) {
	f, ok := e.tbl.BeginFlush(key)
	if !ok {
		return
	}
	ok = false
	if e.flush != nil {
		ok = e.flush(key, f.Payload())
	}
	if !ok {
		log.Printf("writeback: flush failed for file=%d page=%d, will retry", key.FileID, key.Index)
	}
	e.tbl.EndFlush(key, f, ok)
}

// Fsync forces a synchronous flush of the Dirty frames scoped to fileID
// (0 = all files), first waiting for a pass already in progress, and
// returning after every write callback invoked for the scope has
// returned. Each frame gets one attempt; a frame whose write fails stays
// Dirty for the next writeback pass, and the caller has no per-page
// error channel. A frame that is pinned when the pass collects its keys
// is skipped and stays Dirty.
func (e *Engine) Fsync(fileID int64) {
	e.flushPass(fileID)
}

// Stop signals the worker to exit its wait loop and joins it. Any
// remaining Dirty frames are lost unless Stop is preceded by Fsync.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
