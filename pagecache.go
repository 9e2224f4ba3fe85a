// Package pagecache implements a user-space page cache: an in-memory
// layer between application file I/O and a block-device-backed file
// interface. Applications read and write at arbitrary byte offsets
// through a Cache; the cache owns a bounded population of fixed-size
// page frames, services hits from memory, demand-loads misses from the
// backing store, amortizes writes via deferred writeback, and
// prefetches ahead of sequential readers.
package pagecache

import (
	"sync"

	"github.com/SimonWaldherr/pagecache/internal/frame"
	"github.com/SimonWaldherr/pagecache/internal/readahead"
	"github.com/SimonWaldherr/pagecache/internal/table"
	"github.com/SimonWaldherr/pagecache/internal/writeback"
)

// PageSize is the fixed page-frame payload size in bytes.
const PageSize = frame.Size

// ReadFunc is the backing-store read callback: fill buf (up to one page)
// from fileID starting at byte offset, returning the number of bytes
// read (0 on error or EOF). Invoked outside the table lock.
type ReadFunc func(fileID int64, buf []byte, offset int64) int

// WriteFunc is the backing-store write callback: persist the first
// length bytes of buf to fileID at byte offset, returning the number of
// bytes written (< length on error). Invoked outside the table lock.
type WriteFunc func(fileID int64, buf []byte, offset int64, length int) int

// StreamID names one sequential-access stream, typically one open file
// handle. Obtain one from NewStream and pass it to Read so the
// readahead detector can tell interleaved readers apart.
type StreamID = readahead.StreamID

// Stats is a read-only snapshot of cache counters.
type Stats = table.Stats

// Cache is the page-frame manager and I/O state machine. It is safe for
// use by concurrent reader and writer goroutines; the writeback engine
// runs on its own goroutine from construction until Close.
type Cache struct {
	tbl  *table.Table
	eng  *writeback.Engine
	ra   *readahead.Detector
	read ReadFunc
	wr   WriteFunc

	mu    sync.Mutex
	sizes map[int64]*int64
}

// New constructs a Cache over the given backing-store callbacks and
// starts its writeback worker. A nil cfg uses DefaultConfig.
func New(cfg *Config, read ReadFunc, write WriteFunc) (*Cache, error) {
	if read == nil || write == nil {
		return nil, ErrNoBackingStore
	}
	resolved := DefaultConfig()
	if cfg != nil {
		*resolved = *cfg
	}
	resolved.normalize()

	c := &Cache{
		read:  read,
		wr:    write,
		sizes: make(map[int64]*int64),
	}
	c.tbl = table.New(table.Config{
		MaxPages:       resolved.MaxPages,
		EvictionPolicy: resolved.EvictionPolicy,
		ClockWindow:    resolved.ClockWindow,
		Flush:          c.flushPage,
	})
	c.eng = writeback.New(c.tbl, writeback.Config{
		WakeupInterval:   resolved.WakeupInterval,
		DirtyThreshold:   resolved.DirtyThreshold,
		FlushConcurrency: resolved.FlushConcurrency,
		Flush:            c.flushPage,
	})
	c.ra = readahead.New(resolved.ReadaheadWindow, c.prefetch)
	return c, nil
}

// NewStream registers a fresh sequential-access stream for use with
// Read.
func (c *Cache) NewStream() StreamID { return readahead.NewStreamID() }

// ForgetStream drops a stream's readahead state, e.g. when its file
// handle closes.
func (c *Cache) ForgetStream(s StreamID) { c.ra.Forget(s) }

// Read copies up to len(buf) bytes from fileID starting at offset into
// buf, clamped to fileSize, and returns the number of bytes copied. A
// short count means a page mid-range could not be loaded (backing-store
// failure or all frames pinned). Misses feed the readahead detector for
// stream after the page read succeeds.
func (c *Cache) Read(stream StreamID, fileID, offset int64, buf []byte, fileSize int64) int {
	if offset < 0 || offset >= fileSize {
		return 0
	}
	count := int64(len(buf))
	if rem := fileSize - offset; count > rem {
		count = rem
	}

	total := 0
	for int64(total) < count {
		pos := offset + int64(total)
		idx := pos / PageSize
		pageOff := int(pos % PageSize)
		n := PageSize - pageOff
		if rem := int(count) - total; n > rem {
			n = rem
		}

		f, hit, ok := c.tbl.GetOrLoadTracked(fileID, idx, c.readLoader(fileID, idx))
		if !ok {
			break
		}
		copy(buf[total:total+n], f.Payload()[pageOff:pageOff+n])
		f.Unpin()
		if !hit {
			c.ra.OnRead(stream, fileID, idx)
		}
		total += n
	}
	return total
}

// Write copies data to fileID starting at offset, marking the touched
// pages dirty for deferred writeback, and returns the number of bytes
// written. A short count means a page mid-range could not be
// materialized. fileSize is the externally owned file-size cell; it is
// advanced when the write extends the file, and may be nil for callers
// that track size elsewhere.
func (c *Cache) Write(fileID, offset int64, data []byte, fileSize *int64) int {
	if offset < 0 {
		return 0
	}
	c.rememberSize(fileID, fileSize)

	total := 0
	for total < len(data) {
		pos := offset + int64(total)
		idx := pos / PageSize
		pageOff := int(pos % PageSize)
		n := PageSize - pageOff
		if rem := len(data) - total; n > rem {
			n = rem
		}

		loader := c.writeLoader(fileID, idx)
		if n == PageSize {
			// The whole page is about to be overwritten; whatever the
			// backing store holds is irrelevant.
			loader = func([]byte) bool { return true }
		}
		f, ok := c.tbl.GetOrLoad(fileID, idx, loader)
		if !ok {
			break
		}
		copy(f.Payload()[pageOff:pageOff+n], data[total:total+n])
		c.tbl.MarkDirty(fileID, idx)
		f.Unpin()
		total += n
	}

	if fileSize != nil {
		if end := offset + int64(total); end > *fileSize {
			*fileSize = end
		}
	}
	c.eng.NotifyDirty()
	return total
}

// readLoader binds the backing-store read callback to one page. A zero
// byte count is a load failure; a short count on the file's final page
// is fine, the remainder of the freshly zeroed frame stays zero.
func (c *Cache) readLoader(fileID, idx int64) table.Loader {
	return func(payload []byte) bool {
		return c.read(fileID, payload, idx*PageSize) > 0
	}
}

// writeLoader is the read-modify-write loader for partial-page writes:
// it pulls the page's existing backing-store content so the bytes
// outside the written range survive. A zero byte count means the page
// lies past EOF (a freshly materialized tail page) and is not an error;
// the frame stays zeroed.
func (c *Cache) writeLoader(fileID, idx int64) table.Loader {
	return func(payload []byte) bool {
		c.read(fileID, payload, idx*PageSize)
		return true
	}
}

// flushPage persists one dirty frame, clamping the write to the known
// file size so flushing the final page does not extend the file with
// frame padding. Shared by the writeback engine and the table's
// synchronous dirty-eviction path.
func (c *Cache) flushPage(key table.Key, payload []byte) bool {
	off := key.Index * PageSize
	length := PageSize
	if sz, ok := c.sizeOf(key.FileID); ok && sz < off+PageSize {
		if sz <= off {
			return true
		}
		length = int(sz - off)
	}
	return c.wr(key.FileID, payload, off, length) == length
}

// prefetch loads one page and immediately drops the refcount; failures
// are silent.
func (c *Cache) prefetch(fileID, idx int64) {
	if f, ok := c.tbl.GetOrLoad(fileID, idx, c.readLoader(fileID, idx)); ok {
		f.Unpin()
	}
}

func (c *Cache) rememberSize(fileID int64, cell *int64) {
	if cell == nil {
		return
	}
	c.mu.Lock()
	c.sizes[fileID] = cell
	c.mu.Unlock()
}

func (c *Cache) sizeOf(fileID int64) (int64, bool) {
	c.mu.Lock()
	cell := c.sizes[fileID]
	c.mu.Unlock()
	if cell == nil {
		return 0, false
	}
	return *cell, true
}

// Fsync synchronously flushes the dirty pages for fileID, or for all
// files when fileID is 0. It waits for a writeback pass already in
// progress and returns only after the last write it issued has
// completed. A page whose write fails, or that an I/O operation holds
// pinned during the pass, stays dirty.
func (c *Cache) Fsync(fileID int64) { c.eng.Fsync(fileID) }

// SetPolicy switches the eviction policy by name ("lru" or "clock");
// unknown names fall back to LRU.
func (c *Cache) SetPolicy(name string) { c.tbl.SetPolicy(name) }

// SetReadaheadWindow updates the number of pages prefetched on
// sequential detection.
func (c *Cache) SetReadaheadWindow(n int) { c.ra.SetWindow(n) }

// SetMaxPages adjusts the resident-frame bound, evicting down to the
// new bound when it shrinks.
func (c *Cache) SetMaxPages(n int) { c.tbl.SetMaxPages(n) }

// SetDirtyThreshold adjusts the dirty-page count that triggers an
// immediate writeback pass.
func (c *Cache) SetDirtyThreshold(n int) { c.eng.SetDirtyThreshold(n) }

// EvictOne drops one evictable frame, returning false if every frame is
// pinned or locked.
func (c *Cache) EvictOne() bool { return c.tbl.EvictOne() }

// EvictToTarget drops frames until at most n remain resident or no
// further candidate can be evicted.
func (c *Cache) EvictToTarget(n int) { c.tbl.EvictToTarget(n) }

// Total returns the current resident page count.
func (c *Cache) Total() int { return c.tbl.Total() }

// DirtyPages returns the dirty page count for fileID, or for all files
// when fileID is 0.
func (c *Cache) DirtyPages(fileID int64) int { return c.tbl.Dirty(fileID) }

// CleanPages returns the current clean page count.
func (c *Cache) CleanPages() int { return c.tbl.Clean() }

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats { return c.tbl.Stats() }

// Close stops the writeback worker and joins it. Dirty pages still
// resident are lost unless Close is preceded by Fsync.
func (c *Cache) Close() { c.eng.Stop() }
