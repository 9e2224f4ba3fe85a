// Package frame implements the page frame: the fixed-size payload buffer
// and residency metadata that the page table, demand loader, and
// writeback engine all operate on.
package frame

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Size is the fixed page-frame payload size in bytes.
const Size = 4096

// State is the residency state of a frame's payload.
type State int

const (
	// Clean means the payload is byte-identical to the backing store.
	Clean State = iota
	// Dirty means the payload contains writes not yet persisted.
	Dirty
	// Locked means a loader is populating the payload (contents
	// undefined) or a flush is writing it to the backing store.
	Locked
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

var arena bytebufferpool.Pool

// Frame is a single 4096-byte page-frame with residency metadata. A Frame
// is owned exclusively by the page-table entry that holds it; concurrent
// I/O operations share it only via refcount.
type Frame struct {
	FileID int64
	Index  int64

	buf *bytebufferpool.ByteBuffer

	// state and locked are mutated only under the owning table's lock;
	// they may be read under that same lock.
	state  State
	locked bool

	refcount     atomic.Int64
	lastAccessed atomic.Int64
}

// New allocates a frame from the shared arena. The payload is zeroed.
func New(fileID, index int64, state State) *Frame {
	b := arena.Get()
	if cap(b.B) < Size {
		b.B = make([]byte, Size)
	} else {
		b.B = b.B[:Size]
		for i := range b.B {
			b.B[i] = 0
		}
	}
	f := &Frame{
		FileID: fileID,
		Index:  index,
		buf:    b,
		state:  state,
	}
	if state == Locked {
		f.locked = true
	}
	return f
}

// Release returns the frame's payload buffer to the arena. Callers must
// not touch the frame after calling Release; only the page table (on
// eviction, or when a load fails) does this.
func (f *Frame) Release() {
	if f.buf != nil {
		arena.Put(f.buf)
		f.buf = nil
	}
}

// Payload returns the frame's 4096-byte buffer. Callers must hold a
// refcount or the lock bit before reading or writing it.
func (f *Frame) Payload() []byte { return f.buf.B }

// State returns the current residency state. Must be called under the
// owning table's lock.
func (f *Frame) State() State { return f.state }

// SetState sets the residency state. Must be called under the owning
// table's lock.
func (f *Frame) SetState(s State) { f.state = s }

// Locked reports whether a loader or the writeback engine is currently
// populating or flushing this frame. Must be called under the owning
// table's lock.
func (f *Frame) Locked() bool { return f.locked }

// SetLocked sets the lock bit. Must be called under the owning table's
// lock. Invariant: State() == Locked implies Locked() == true.
func (f *Frame) SetLocked(v bool) { f.locked = v }

// Pin increments the refcount. Safe to call without holding the table
// lock.
func (f *Frame) Pin() int64 { return f.refcount.Add(1) }

// Unpin decrements the refcount. Safe to call without holding the table
// lock.
func (f *Frame) Unpin() int64 { return f.refcount.Add(-1) }

// RefCount returns the current refcount. Safe to call without holding
// the table lock.
func (f *Frame) RefCount() int64 { return f.refcount.Load() }

// Touch stamps the frame with the given monotonic tick.
func (f *Frame) Touch(tick int64) { f.lastAccessed.Store(tick) }

// LastAccessed returns the last-stamped monotonic tick.
func (f *Frame) LastAccessed() int64 { return f.lastAccessed.Load() }

// Evictable reports whether the frame may be dropped from the table:
// refcount must be zero and the lock bit clear.
func (f *Frame) Evictable() bool {
	return f.refcount.Load() == 0 && !f.locked
}
