// Package fifo implements the bounded producer/consumer queue of
// compressed input units that sits between the upstream feeder and the
// decoder's worker loop (spec §3 "Frame FIFO").
//
// The FIFO's mutex doubles as the owning decoder's top-level lock (spec
// §3 invariant, §5 "Mutex discipline"): callers that need to combine a
// FIFO mutation with other decoder state changes atomically take the
// FIFO's Locker and hold it across both, rather than calling the
// self-locking convenience methods (Count/Size/IsEmpty) which only guard
// themselves.
package fifo

import (
	"sync"

	"github.com/zsiec/vdec/media"
)

// FIFO is an ordered queue of *media.Unit. The zero value is not usable;
// construct with New.
type FIFO struct {
	mu    sync.Mutex
	items []*media.Unit
	bytes int
}

// New creates an empty FIFO.
func New() *FIFO {
	return &FIFO{}
}

// Locker exposes the FIFO's mutex so an owner (decoder.Pipeline) can
// build condition variables against the same lock and extend critical
// sections across FIFO mutations and its own state fields.
func (f *FIFO) Locker() sync.Locker { return &f.mu }

// PushLocked appends u to the tail. u may be nil (a poison/drain marker,
// never an end-of-stream signal in its own right — spec §4.1 enqueue).
// Caller must hold the Locker.
func (f *FIFO) PushLocked(u *media.Unit) {
	f.items = append(f.items, u)
	f.bytes += u.Size()
}

// PopLocked removes and returns the head unit, or ok=false if empty.
// Caller must hold the Locker.
func (f *FIFO) PopLocked() (u *media.Unit, ok bool) {
	if len(f.items) == 0 {
		return nil, false
	}
	u = f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]
	f.bytes -= u.Size()
	if len(f.items) == 0 {
		f.items = nil
	}
	return u, true
}

// CountLocked returns the number of queued units. Caller must hold the Locker.
func (f *FIFO) CountLocked() int { return len(f.items) }

// SizeLocked returns the total payload byte size of queued units. Caller
// must hold the Locker.
func (f *FIFO) SizeLocked() int { return f.bytes }

// DrainLocked atomically removes and returns every queued unit, releasing
// the backlog in one step (spec §4.1 enqueue, backpressure overflow path:
// "chain-releases the backlog"). Caller must hold the Locker.
func (f *FIFO) DrainLocked() []*media.Unit {
	drained := f.items
	f.items = nil
	f.bytes = 0
	return drained
}

// IsEmptyLocked reports whether the FIFO has no queued units. Caller must
// hold the Locker.
func (f *FIFO) IsEmptyLocked() bool { return len(f.items) == 0 }

// Count, Size, and IsEmpty are self-locking convenience wrappers for
// callers that only need a single, standalone observation (e.g. stats
// reporting) rather than a multi-field atomic transaction.
func (f *FIFO) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CountLocked()
}

func (f *FIFO) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SizeLocked()
}

func (f *FIFO) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.IsEmptyLocked()
}
