package media

import "math"

// Category identifies the kind of elementary stream a Unit or decoder
// instance belongs to.
type Category int

// Stream categories, mirroring the set an input decoder may be created for.
const (
	Unknown Category = iota
	Video
	Audio
	Subtitle
	Data
)

// String implements fmt.Stringer for log output.
func (c Category) String() string {
	switch c {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Subtitle:
		return "subtitle"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// TickInvalid marks a timestamp field as unset. Ticks are monotonic,
// clock-domain-specific values; callers convert to wall-clock time through
// the clock.Clock interface, never by comparing to real time directly.
const TickInvalid = int64(math.MinInt64)

// UnitFlags are per-unit annotations consumed by the worker loop.
type UnitFlags uint8

// Recognized unit flags. FlagPreroll and FlagDiscontinuity affect preroll
// tracking (spec §4.1 step 4); FlagCorrupted forces a forced preroll reset
// when combined with FlagDiscontinuity; FlagPrivateReloaded marks a unit
// that has already been re-queued once after a codec Reload result, so a
// second Reload on it is dropped rather than looping forever.
const (
	FlagPreroll UnitFlags = 1 << iota
	FlagDiscontinuity
	FlagCorrupted
	FlagPrivateReloaded
)

// Has reports whether f is set on the unit's flags.
func (u *Unit) Has(f UnitFlags) bool {
	return u.Flags&f != 0
}

// Unit is a single compressed access unit produced by the demultiplexer
// (or a packetizer) and consumed by the decoder's worker loop. A nil *Unit
// enqueued onto the FIFO is a poison value used to drive draining, never
// an end-of-stream signal in its own right (spec §4.1, enqueue op).
type Unit struct {
	Payload []byte
	PTS     int64
	DTS     int64
	Flags   UnitFlags

	// Category-specific side metadata. Only the fields relevant to the
	// unit's stream category are populated; the rest are left zero.
	NALUs [][]byte // video: Annex-B NAL units, when pre-split by the packetizer
	SPS   []byte
	PPS   []byte
	VPS   []byte
}

// Size returns the unit's payload size in bytes, used for FIFO byte
// accounting (spec §4.1 enqueue, §4.5 backpressure).
func (u *Unit) Size() int {
	if u == nil {
		return 0
	}
	return len(u.Payload)
}

// BestTimestamp returns the timestamp the preroll tracker should
// consider: DTS if present, otherwise PTS (spec §4.1 step 4: "dts ∨
// pts").
func (u *Unit) BestTimestamp() int64 {
	if u.DTS != TickInvalid {
		return u.DTS
	}
	return u.PTS
}
