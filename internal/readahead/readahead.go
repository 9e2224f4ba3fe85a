// Package readahead implements the sequential-access detector and
// prefetch scheduler. It holds no locks beyond its own per-stream
// bookkeeping; prefetches are dispatched through the page table's
// public GetOrLoad, so concurrency with ordinary I/O is safe by
// construction.
package readahead

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

// StreamID names one sequential-access stream, typically one open file
// handle. A generated UUID saves callers from inventing a stream-key
// scheme of their own.
type StreamID string

// NewStreamID generates a fresh stream identifier.
func NewStreamID() StreamID {
	return StreamID(uuid.New().String())
}

// PrefetchFunc loads a page into the cache and immediately drops the
// refcount GetOrLoad would otherwise hand back; failures are silent.
type PrefetchFunc func(fileID, pageIndex int64)

type streamState struct {
	lastFileID int64
	lastIndex  int64
	hasLast    bool
}

// Detector tracks per-stream sequential access and schedules readahead.
type Detector struct {
	mu       sync.Mutex
	streams  map[StreamID]*streamState
	window   int
	prefetch PrefetchFunc
	sf       singleflight.Group
}

// New constructs a Detector with the given readahead window (pages) and
// prefetch callback.
func New(window int, prefetch PrefetchFunc) *Detector {
	if window < 0 {
		window = 0
	}
	return &Detector{
		streams:  make(map[StreamID]*streamState),
		window:   window,
		prefetch: prefetch,
	}
}

// SetWindow updates the prefetch window size (pages) used for
// subsequent reads.
func (d *Detector) SetWindow(window int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if window < 0 {
		window = 0
	}
	d.window = window
}

// OnRead records a completed read of (fileID, pageIndex) on stream. If
// this continues a sequential run from the stream's previous read, it
// schedules prefetch of the next window pages. The stream's
// last-observed position is unconditionally updated.
func (d *Detector) OnRead(stream StreamID, fileID, pageIndex int64) {
	d.mu.Lock()
	st, ok := d.streams[stream]
	if !ok {
		st = &streamState{}
		d.streams[stream] = st
	}
	sequential := ok && st.hasLast && st.lastFileID == fileID && pageIndex == st.lastIndex+1
	window := d.window
	st.lastFileID = fileID
	st.lastIndex = pageIndex
	st.hasLast = true
	d.mu.Unlock()

	if !sequential || window == 0 {
		return
	}
	d.schedulePrefetch(fileID, pageIndex, window)
}

// Forget drops a stream's state, e.g. when its file handle closes.
func (d *Detector) Forget(stream StreamID) {
	d.mu.Lock()
	delete(d.streams, stream)
	d.mu.Unlock()
}

// schedulePrefetch dispatches prefetches for [pageIndex+1, pageIndex+window]
// fire-and-forget, deduplicating concurrent requests for the same page
// (two readers crossing the same sequential boundary at once) via
// singleflight.
func (d *Detector) schedulePrefetch(fileID, pageIndex int64, window int) {
	targets := lo.Map(lo.Range(window), func(i int, _ int) int64 {
		return pageIndex + 1 + int64(i)
	})
	for _, idx := range targets {
		idx := idx
		key := fmt.Sprintf("%d:%d", fileID, idx)
		go func() {
			d.sf.Do(key, func() (interface{}, error) {
				if d.prefetch != nil {
					d.prefetch(fileID, idx)
				}
				return nil, nil
			})
		}()
	}
}
