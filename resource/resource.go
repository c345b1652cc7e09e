// Package resource models the resource manager the decoder core borrows
// sinks from: the pool/owner of audio outputs, video displays, and
// subpicture compositors (spec §1 "Out of scope", Glossary "Resource").
// The decoder requests and returns sinks rather than creating them
// directly, so that sink lifetime and reuse across stream restarts is the
// resource manager's problem, not the decoder's (spec §9 "Ownership of
// sinks").
package resource

import (
	"time"

	"github.com/zsiec/vdec/clock"
	"github.com/zsiec/vdec/media"
)

// VoutState reports how RequestVout/PutVout changed sink state, mirroring
// the three-valued state the real resource manager reports (spec §6).
type VoutState int

const (
	NotChanged VoutState = iota
	Started
	Stopped
)

// VideoSinkConfig is what negotiate.Video passes to RequestVout whenever
// it decides the sink must be (re)created (spec §4.2).
type VideoSinkConfig struct {
	Width, Height               int
	VisibleWidth, VisibleHeight int
	Chroma                      string
	SARNum, SARDen              int
	Orientation                 int
	Multiview                   int
	DPBSize                     int
}

// VideoSinkStats are sampled by the worker after every Queue call and
// forwarded to the owner via OnNewVideoStats (spec §4.1 "play_video").
type VideoSinkStats struct {
	Displayed int64
	Lost      int64
	Late      int64
}

// VideoSink is the decoder's view of a video display (vout). Device is an
// opaque hardware-decoding device handle, present only for hardware
// pipelines (spec §4.2 get_decoder_device); it is typed as `any` because
// its concrete shape belongs to the codec/device backend, not this
// subsystem.
type VideoSink interface {
	ID() string
	ChangePause(paused bool, date time.Time)
	ChangeRate(rate float64)
	ChangeDelay(delay time.Duration)
	Queue(pic *media.Picture)
	// FlushUpTo releases queued pictures with PTS below ts without
	// displaying them (spec §4.1 "still" flag handling, preroll crossing).
	FlushUpTo(ts int64)
	Flush()
	// NextPicture pulls one already-decoded picture for immediate display
	// while paused (spec §4.1 step 2 pause mirror, frame_next()).
	NextPicture() (*media.Picture, bool)
	IsEmpty() bool
	Stats() VideoSinkStats
	Device() any
}

// AudioPlayResult is the tri-state result of AudioStream.Play (spec §4.1
// "play_audio").
type AudioPlayResult int

const (
	PlayOK AudioPlayResult = iota
	// PlayChanged indicates the stream detected an output format drift;
	// the caller requests ReloadDecoder.
	PlayChanged
	// PlayFailed indicates the output itself failed; the caller requests
	// ReloadDecoderAndAudioOutput.
	PlayFailed
)

// AudioOutput is an opaque handle to a borrowed audio device.
type AudioOutput interface {
	ID() string
}

// AudioStream is the decoder's view of an active audio output stream
// bound to one elementary stream (spec §3 "Audio" union, §4.2
// update_audio_format).
type AudioStream interface {
	ChangePause(paused bool, date time.Time)
	ChangeRate(rate float64)
	ChangeDelay(delay time.Duration)
	Play(buf *media.AudioBuffer) AudioPlayResult
	Drain()
	Flush()
	IsEmpty() bool
}

// SubtitleChannel is the decoder's view of a registered subpicture
// channel on a video sink (spec §4.2 "Subtitle buffer-new").
type SubtitleChannel interface {
	ID() int64
	Queue(sp *media.SubPicture)
	Unregister()
}

// Manager is the resource-manager interface negotiate consumes (spec §6
// "Resource manager interface consumed").
type Manager interface {
	GetAout() (AudioOutput, error)
	PutAout(out AudioOutput)

	// RequestVout asks for a sink matching cfg. vctx is an optional video
	// context handle (decoder-owned, opaque to the resource manager);
	// order is a sink-ordering hint used for multi-output setups. The
	// returned VoutState tells the caller whether a fresh sink was
	// started so it can fire OnVoutStarted/OnVoutStopped appropriately.
	RequestVout(cfg VideoSinkConfig, vctx any, order int) (VideoSink, VoutState, error)
	PutVout(sink VideoSink) VoutState
	HoldVout(sink VideoSink)

	NewAudioStream(out AudioOutput, format media.AudioFormat, clk clock.Clock) (AudioStream, error)
	NewSubtitleChannel(sink VideoSink, clk clock.Clock) (SubtitleChannel, error)
}
