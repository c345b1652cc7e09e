// Package ccdec implements the closed-caption sub-decoder multiplex: a
// parent video (or packetizer-driving) decoder feeds side-channel CC
// blocks to child Subtitle-category decoders, one per active 608/708
// channel (spec §4.3).
//
// The parent links to its children through the narrow Child interface
// rather than the concrete decoder type, so this package has no import
// cycle with package decoder: decoder.NewCCChild adapts a child Pipeline
// into a Child, and the owner supplies a factory closure built on it to
// CreateSubDec.
package ccdec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/vdec/codec"
)

// ErrUnknownChannel is returned by SetChannelState/ChannelState for a
// channel that has no active sub-decoder.
var ErrUnknownChannel = errors.New("ccdec: unknown channel")

// Format describes one sub-decoder's elementary-stream format, derived
// from the parent's descriptor (spec §4.3 GetCcDesc): "ids i+1, channel
// i, reorder depth copied from the parent".
type Format struct {
	ID           int
	Channel      int
	Std          string // "608" or "708"
	ReorderDepth int
}

// Child is the narrow interface a sub-decoder must satisfy so the
// multiplexer can route CC blocks to it and remove it from the parent's
// list before it tears itself down (spec §9 "Sub-decoders").
type Child interface {
	// Enqueue hands the child one CC block (spec §4.3 PlayCc).
	Enqueue(block []byte, pts int64)
	Close()
}

type entry struct {
	format  Format
	child   Child
	enabled bool
}

// Multiplexer is the parent-side state: the active-channel descriptor
// and the list of spawned sub-decoders, guarded by its own lock (spec §5
// "a separate mutex guards the sub-decoder list, always acquirable under
// or after the FIFO mutex; never before").
type Multiplexer struct {
	mu          sync.Mutex
	desc        codec.CCDescriptor
	descChanged bool
	entries     []*entry
}

// New creates an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{}
}

// UpdateDescriptor records the codec's or packetizer's most recent
// active-channel descriptor, marking it changed if it differs from the
// last one observed (spec §4.3 "only re-emitted when the descriptor has
// changed since the last query").
func (m *Multiplexer) UpdateDescriptor(d codec.CCDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.desc.Equal(d) {
		m.desc = d
		m.descChanged = true
	}
}

// GetCcDesc returns one Format per active channel bit in the current
// descriptor, and whether the descriptor has changed since the last call
// (spec §4.3 GetCcDesc). Calling it clears the changed flag.
func (m *Multiplexer) GetCcDesc() (formats []Format, changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed = m.descChanged
	m.descChanged = false
	if !changed {
		return nil, false
	}

	bits := 64
	if m.desc.Std == "608" {
		bits = 4
	}
	for i := 0; i < bits; i++ {
		if m.desc.Channels&(1<<uint(i)) == 0 {
			continue
		}
		formats = append(formats, Format{
			ID:           i + 1,
			Channel:      i,
			Std:          m.desc.Std,
			ReorderDepth: m.desc.ReorderDepth,
		})
	}
	return formats, true
}

// CreateSubDec spawns a child for format via newChild, links it into the
// parent's list, and returns it. newChild is called with the lock released
// so it may itself call back into the multiplexer (e.g. to enumerate
// siblings) without deadlocking.
func (m *Multiplexer) CreateSubDec(format Format, newChild func(Format) Child) Child {
	child := newChild(format)

	m.mu.Lock()
	m.entries = append(m.entries, &entry{format: format, child: child, enabled: true})
	m.mu.Unlock()

	return child
}

// RemoveSubDec removes child from the parent's list. Per spec §9 /
// invariant 6, this MUST be called before the child's own worker thread
// is joined, so the parent can safely iterate its list without racing a
// half-torn-down child.
func (m *Multiplexer) RemoveSubDec(child Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.child == child {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// PlayCc routes one CC block to every child whose channel is both
// present in desc and individually enabled (via SetChannelState). The
// last eligible child receives the original block; every preceding
// eligible child receives an independent copy, since each child may
// retain the slice past this call (spec §4.3 PlayCc). If no children are
// subscribed, the block is dropped.
func (m *Multiplexer) PlayCc(block []byte, pts int64, desc codec.CCDescriptor) {
	m.mu.Lock()
	var targets []Child
	for _, e := range m.entries {
		if !e.enabled {
			continue
		}
		if desc.Channels&(1<<uint(e.format.Channel)) == 0 {
			continue
		}
		targets = append(targets, e.child)
	}
	m.mu.Unlock()

	for i, child := range targets {
		if i == len(targets)-1 {
			child.Enqueue(block, pts)
			continue
		}
		dup := make([]byte, len(block))
		copy(dup, block)
		child.Enqueue(dup, pts)
	}
}

// SetChannelState enables or disables delivery to channel without
// tearing down its sub-decoder (spec §4 supplemental feature, restoring
// input_DecoderSetCcState).
func (m *Multiplexer) SetChannelState(channel int, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.format.Channel == channel {
			e.enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: channel %d", ErrUnknownChannel, channel)
}

// ChannelState reports whether channel currently has delivery enabled.
func (m *Multiplexer) ChannelState(channel int) (enabled bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.format.Channel == channel {
			return e.enabled, nil
		}
	}
	return false, fmt.Errorf("%w: channel %d", ErrUnknownChannel, channel)
}

// Children returns a snapshot of the currently registered children, used
// by the parent at delete time to close each one (spec §3 lifecycle:
// "asserts the sub-decoder list is empty" only after each child has been
// individually removed and closed).
func (m *Multiplexer) Children() []Child {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Child, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.child
	}
	return out
}

// Len reports the number of currently registered children.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
