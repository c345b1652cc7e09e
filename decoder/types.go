// Package decoder implements the input decoder pipeline: the worker that
// drives one codec instance for one elementary stream, negotiates its
// output with a sink, paces producer and consumer, and exposes the
// playback-control facade described in spec §4.1 and §6.
package decoder

import (
	"errors"
	"time"

	"github.com/zsiec/vdec/media"
)

// Frame-step / frame-previous status errors (spec §6, §7).
var (
	ErrBusy    = errors.New("decoder: busy")
	ErrAgain   = errors.New("decoder: try again")
	ErrInvalid = errors.New("decoder: invalid request")
	ErrRange   = errors.New("decoder: out of range")
)

// InputType distinguishes full playback decoders from thumbnail-seek
// decoders (spec §3 "Lifecycles").
type InputType int

const (
	Playback InputType = iota
	Thumbnail
)

// ReloadKind is the atomic reload request a codec or output failure can
// raise, consumed by the next worker iteration (spec §4.5). The zero
// value, ReloadNone, must compare as "no request pending".
type ReloadKind int32

const (
	ReloadNone ReloadKind = iota
	ReloadDecoder
	ReloadDecoderAndAudioOutput
)

// stronger reports whether r is a stronger reload request than other,
// used by the compare-and-set in RequestReload (spec §4.5: "prefers
// ReloadDecoderAndAudioOutput over ReloadDecoder").
func (r ReloadKind) stronger(other ReloadKind) bool {
	return r > other
}

// ErrorKind records why the decoder's sticky error flag was last raised
// (spec §7).
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorTransientCodec
	ErrorReloadFailed
)

// Preroll sentinels (spec §3 invariant 7).
const (
	PrerollNone   = media.TickInvalid
	PrerollForced = int64(1<<63 - 1) // max int64
)

// TimeMarker is one endpoint of an A-to-B playback loop (spec §4
// supplemental feature).
type TimeMarker struct {
	Time int64
	Pos  int64
	Set  bool
}

// Callbacks are the events a Pipeline fires to its owner (spec §6 "Owner
// callback set"). Every field is optional; nil callbacks are simply
// skipped. Some are invoked from the worker goroutine, some from whatever
// goroutine calls the public facade — field docs call out which.
type Callbacks struct {
	// OnThumbnailReady fires once, for the first picture only, when
	// InputType is Thumbnail. Worker goroutine.
	OnThumbnailReady func(pic *media.Picture)

	// OnNewVideoStats/OnNewAudioStats report rolling counters after each
	// output is pushed to its sink. Worker goroutine.
	OnNewVideoStats func(decoded, lost, displayed, late int64)
	OnNewAudioStats func(decoded, lost, played int64)

	// OnVoutStarted/OnVoutStopped fire around sink handoffs, including
	// subtitle channel registration. Worker goroutine.
	OnVoutStarted func(sinkID string, order int)
	OnVoutStopped func(sinkID string)

	// OnOutputPaused fires when the worker finishes synchronizing the
	// pause mirror. Worker goroutine.
	OnOutputPaused func(paused bool, date time.Time)

	// FrameNextStatus/FramePreviousStatus report the outcome of a
	// frame-step request; err is nil on success or one of
	// ErrAgain/ErrBusy/ErrInvalid/ErrRange. Worker goroutine.
	FrameNextStatus     func(err error)
	FramePreviousStatus func(err error)

	// FramePreviousSeek asks the owner to perform an upstream seek back
	// by steps frames so the previous-frame helper can retry. Worker
	// goroutine or caller goroutine (synchronous mode).
	FramePreviousSeek func(pts int64, frameRateNum, frameRateDen, steps int, failed bool)

	// FrameNextNeedData reports whether a pending frame_next() request is
	// currently blocked on upstream data. Worker goroutine.
	FrameNextNeedData func(waiting bool)

	// GetAttachments synchronously pulls attachments from the owner; a
	// negative count (or nil callback) is treated as "none".
	GetAttachments func() (count int)

	// OnLoopReached fires when a displayed picture's PTS crosses an active
	// A-to-B loop's B marker; seekTo is the A marker to seek back to (spec
	// §4 supplemental feature, A-to-B loop markers). Worker goroutine.
	OnLoopReached func(seekTo int64)
}

// DolbyMode mirrors negotiate.DolbySurroundMode without creating an
// import dependency on the negotiate package from this file. No Pipeline
// option takes it: New always builds the audio negotiator with
// negotiate.DolbyAuto.
type DolbyMode int

const (
	DolbyAuto DolbyMode = iota
	DolbyForceOn
	DolbyForceOff
)

// CCPreference names a closed-caption standard (spec §6 "Control
// parameters"). WithCCPreference records it on a Pipeline; CC routing does
// not consult it, so the packetizer's reported standard is used as is.
type CCPreference int

const (
	CC608 CCPreference = iota
	CC708
)

const (
	// defaultFIFOByteCeiling is the FIFO byte ceiling for unpaced enqueue
	// (spec §6, default 400 MiB).
	defaultFIFOByteCeiling = 400 * 1024 * 1024
	// fifoPacedHighWater is the unit count above which a paced enqueue
	// blocks (spec §4.1 enqueue).
	fifoPacedHighWater = 10
)
