// Package clock defines the external clock interface that converts stream
// timestamps into system (wall-clock) time, and a reference
// implementation. The real player shares one clock per
// playback group across every elementary stream's decoder so that audio,
// video, and subtitles stay mutually synchronized; this package only
// models the slice of that contract the decoder core depends on.
package clock

import (
	"sync"
	"time"
)

// Clock is the clock contract a decoder pipeline holds (spec §4.1
// "Scheduling and ordering", §6). The decoder's worker only anchors it,
// calling Start under Lock/Unlock; it does not call ConvertToSystem, so
// outputs are not paced against the clock.
type Clock interface {
	// Lock and Unlock guard a read/update sequence spanning more than one
	// call (e.g. Start followed by a ConvertToSystem in the same
	// transaction). Re-entrant calls are not supported.
	Lock()
	Unlock()

	// Start anchors the clock: ts (a stream timestamp) is defined to occur
	// at wall-clock time now. Called once per playback group, by the
	// master decoder, on its first output that survives preroll discard
	// (spec §4.1 wait-unblock).
	Start(now time.Time, ts int64)

	// ConvertToSystem maps a stream timestamp to a wall-clock deadline at
	// the given playback rate. It returns ok=false when the clock has not
	// been started yet, or when ts is the invalid sentinel — the caller
	// (decoder) treats that as "display immediately, unpaced".
	ConvertToSystem(now time.Time, ts int64, rate float64) (system time.Time, ok bool)
}

// SystemClock is a straightforward wall-clock implementation: it anchors
// a (wallBase, tsBase) pair on Start and linearly extrapolates
// ConvertToSystem from there, scaled by rate. This is the same timebase
// idiom used for live PTS scheduling elsewhere in the media stack (wallBase
// plus PTS-since-anchor, scaled by playback rate).
type SystemClock struct {
	mu       sync.Mutex
	started  bool
	wallBase time.Time
	tsBase   int64
	// tickDuration converts one unit of stream timestamp into a
	// time.Duration; stream timestamps are otherwise an opaque integer
	// domain to this package.
	tickDuration time.Duration
}

// New creates a SystemClock where one stream timestamp tick equals
// tickDuration of wall-clock time (e.g. time.Microsecond for a
// microsecond-tick clock).
func New(tickDuration time.Duration) *SystemClock {
	if tickDuration <= 0 {
		tickDuration = time.Microsecond
	}
	return &SystemClock{tickDuration: tickDuration}
}

// Lock acquires the clock's mutex. Exposed (rather than embedding
// sync.Mutex) so Clock implementations may guard additional state under
// the same lock without breaking callers that only need Lock/Unlock.
func (c *SystemClock) Lock() { c.mu.Lock() }

// Unlock releases the clock's mutex.
func (c *SystemClock) Unlock() { c.mu.Unlock() }

// Start anchors the clock. Must be called with the clock locked, matching
// the contract the decoder worker uses (spec §4.1 wait-unblock: "grab the
// clock lock, and start the clock").
func (c *SystemClock) Start(now time.Time, ts int64) {
	c.wallBase = now
	c.tsBase = ts
	c.started = true
}

// ConvertToSystem implements Clock.
func (c *SystemClock) ConvertToSystem(now time.Time, ts int64, rate float64) (time.Time, bool) {
	if !c.started || ts == invalidTick {
		return time.Time{}, false
	}
	if rate <= 0 {
		rate = 1.0
	}
	elapsedTicks := ts - c.tsBase
	scaled := time.Duration(float64(elapsedTicks) * float64(c.tickDuration) / rate)
	return c.wallBase.Add(scaled), true
}

// invalidTick mirrors media.TickInvalid without importing the media
// package, keeping clock dependency-free for reuse outside this module.
const invalidTick = int64(-1) << 63
