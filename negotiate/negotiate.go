// Package negotiate implements the per-category output negotiator: when
// a codec's declared output format drifts from what's cached, it either
// reconfigures the existing sink or tears it down and requests a new one
// from the resource manager (spec §4.2).
package negotiate

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/vdec/clock"
	"github.com/zsiec/vdec/media"
	"github.com/zsiec/vdec/resource"
)

// ErrNoSink is returned by Subtitle.BufferNew when the polling budget
// expires without a video sink becoming available (spec §7 NoSinkAvailable).
var ErrNoSink = errors.New("negotiate: no video sink available for subtitle overlay")

// dpbByCodec is the decoded-picture-buffer size table from spec §4.2.
// Codec family names are matched case-sensitively against the string a
// VideoDecoder reports; unrecognized families fall back to dpbDefault.
var dpbByCodec = map[string]int{
	"hevc": 18, "h264": 18, "vvc": 18, "dirac": 18,
	"av1": 8,
	"mpeg4-visual": 3, "vp5": 3, "vp6": 3, "vp6f": 3, "vp8": 3,
}

const dpbDefault = 2

// dpbExtraBuffers accounts for the sink's own hold and the
// prev-frame/filter hold, on top of the codec family's DPB (spec §4.2).
const dpbExtraBuffers = 2

// DPBSize returns the picture pool size for a codec family, including the
// fixed extra buffers and any additional buffers the codec itself
// declares it needs.
func DPBSize(codecFamily string, codecExtraBuffers int) int {
	n, ok := dpbByCodec[codecFamily]
	if !ok {
		n = dpbDefault
	}
	return n + dpbExtraBuffers + codecExtraBuffers
}

// DolbySurroundMode controls the force-dolby-surround control parameter
// (spec §6 "Control parameters").
type DolbySurroundMode int

const (
	DolbyAuto DolbySurroundMode = iota
	DolbyForceOn
	DolbyForceOff
)

// Video negotiates a video elementary stream's output sink.
type Video struct {
	mgr     resource.Manager
	cached  media.VideoFormat
	hasSink bool
	sink    resource.VideoSink
	hwDec   bool
}

// NewVideo creates a Video negotiator drawing sinks from mgr. hwDec
// mirrors the "hardware-decoding on/off" control parameter (spec §6);
// when false, GetDecoderDevice never returns a device.
func NewVideo(mgr resource.Manager, hwDec bool) *Video {
	return &Video{mgr: mgr, hwDec: hwDec}
}

// formatChanged reports whether any field Update cares about differs
// between the cached format and next (spec §4.2 update_video_format: "if
// any of {no sink, width, height, visible rect, chroma, sar ratio,
// orientation, multiview mode} changes").
func formatChanged(cached, next media.VideoFormat) bool {
	return cached.Width != next.Width ||
		cached.Height != next.Height ||
		cached.VisibleWidth != next.VisibleWidth ||
		cached.VisibleHeight != next.VisibleHeight ||
		cached.Chroma != next.Chroma ||
		cached.SARNum != next.SARNum ||
		cached.SARDen != next.SARDen ||
		cached.Orientation != next.Orientation ||
		cached.Multiview != next.Multiview
}

// Update reconciles the negotiator's sink against next, the codec's
// newly-declared output format. vctx is an opaque video context handle
// passed straight through to RequestVout. It returns the resulting sink,
// whether it changed (so the caller can fire OnVoutStopped/OnVoutStarted
// in the right order), and any error from the resource manager.
func (v *Video) Update(next media.VideoFormat, vctx any, order int, codecFamily string, codecExtraBuffers int) (sink resource.VideoSink, state resource.VoutState, err error) {
	needsNewSink := !v.hasSink || formatChanged(v.cached, next)

	if !needsNewSink {
		// Mastering-display/CLL metadata can change without touching
		// geometry; refresh the cache but keep the sink.
		if next.MasteringDisplay != v.cached.MasteringDisplay || next.ContentLightLevel != v.cached.ContentLightLevel {
			v.cached = next
		}
		return v.sink, resource.NotChanged, nil
	}

	cfg := resource.VideoSinkConfig{
		Width: next.Width, Height: next.Height,
		VisibleWidth: next.VisibleWidth, VisibleHeight: next.VisibleHeight,
		Chroma: next.Chroma, SARNum: next.SARNum, SARDen: next.SARDen,
		Orientation: next.Orientation, Multiview: next.Multiview,
		DPBSize: DPBSize(codecFamily, codecExtraBuffers),
	}

	newSink, st, err := v.mgr.RequestVout(cfg, vctx, order)
	if err != nil {
		return nil, resource.NotChanged, fmt.Errorf("negotiate: request vout: %w", err)
	}

	if v.hasSink && v.sink != newSink {
		v.mgr.PutVout(v.sink)
	}

	v.sink = newSink
	v.hasSink = true
	v.cached = next
	return v.sink, st, nil
}

// Release returns the current sink to the resource manager, if any.
func (v *Video) Release() resource.VoutState {
	if !v.hasSink {
		return resource.NotChanged
	}
	st := v.mgr.PutVout(v.sink)
	v.hasSink = false
	v.sink = nil
	return st
}

// Sink returns the currently held sink, or nil.
func (v *Video) Sink() resource.VideoSink {
	if !v.hasSink {
		return nil
	}
	return v.sink
}

// GetDecoderDevice returns the video sink's hardware-decoding device
// handle (spec §4.2 get_decoder_device). It ensures a sink exists first,
// creating one from cfg if needed; ok is false when hardware decoding is
// disabled.
func (v *Video) GetDecoderDevice(cfg resource.VideoSinkConfig, vctx any, order int) (device any, ok bool, err error) {
	if !v.hwDec {
		return nil, false, nil
	}
	if !v.hasSink {
		sink, _, rerr := v.mgr.RequestVout(cfg, vctx, order)
		if rerr != nil {
			return nil, false, fmt.Errorf("negotiate: request vout for device: %w", rerr)
		}
		v.sink = sink
		v.hasSink = true
	}
	return v.sink.Device(), true, nil
}

// Audio negotiates an audio elementary stream's output and stream.
type Audio struct {
	mgr    resource.Manager
	dolby  DolbySurroundMode
	cached media.AudioFormat
	has    bool
	out    resource.AudioOutput
	stream resource.AudioStream
}

// NewAudio creates an Audio negotiator.
func NewAudio(mgr resource.Manager, dolby DolbySurroundMode) *Audio {
	return &Audio{mgr: mgr, dolby: dolby}
}

func audioFormatChanged(cached, next media.AudioFormat) bool {
	return cached.BytesPerFrame != next.BytesPerFrame ||
		cached.SampleFormat != next.SampleFormat ||
		cached.ChannelLayout != next.ChannelLayout ||
		cached.Profile != next.Profile ||
		cached.ReplayGainSource != next.ReplayGainSource
}

// Update reconciles the negotiator's output/stream pair against next,
// the codec's declared audio format. On success it returns the effective
// format (bytes-per-frame/sample-rate/frame-length as negotiated), which
// the caller copies back onto the codec so it can size buffers (spec §4.2
// "update_audio_format").
func (a *Audio) Update(next media.AudioFormat, clk clock.Clock) (effective media.AudioFormat, err error) {
	if a.has && !audioFormatChanged(a.cached, next) {
		return a.cached, nil
	}

	if a.has {
		a.mgr.PutAout(a.out)
		a.out = nil
		a.stream = nil
		a.has = false
	}

	target := next
	switch a.dolby {
	case DolbyForceOn:
		target.ChannelLayout |= dolbySurroundFlag
	case DolbyForceOff:
		target.ChannelLayout &^= dolbySurroundFlag
	}

	out, err := a.mgr.GetAout()
	if err != nil {
		return media.AudioFormat{}, fmt.Errorf("negotiate: get aout: %w", err)
	}
	stream, err := a.mgr.NewAudioStream(out, target, clk)
	if err != nil {
		a.mgr.PutAout(out)
		return media.AudioFormat{}, fmt.Errorf("negotiate: new audio stream: %w", err)
	}

	a.out = out
	a.stream = stream
	a.cached = target
	a.has = true
	return target, nil
}

// Release tears down the current output/stream pair, if any (spec §4.5
// "ReloadDecoderAndAudioOutput").
func (a *Audio) Release() {
	if !a.has {
		return
	}
	// The real decoder nulls both handles before the stream is actually
	// torn down, signalling the worker that teardown is in progress
	// rather than a leak (spec §9 open question). We mirror that by
	// clearing `has`/`stream` before touching the manager.
	stream := a.stream
	out := a.out
	a.stream = nil
	a.out = nil
	a.has = false
	_ = stream
	a.mgr.PutAout(out)
}

// Stream returns the current audio stream, or nil.
func (a *Audio) Stream() resource.AudioStream {
	return a.stream
}

// dolbySurroundFlag is an arbitrary single-bit marker this package uses
// on ChannelLayout to model "Dolby-stereo channel mode" without pulling
// in a full channel-layout bitmask vocabulary, which belongs to the
// (out-of-scope) codec module itself.
const dolbySurroundFlag = uint32(1) << 31

// Subtitle negotiates a subtitle elementary stream's overlay channel.
// Subtitle buffer-new requires a live video sink; if one is not yet
// available it polls up to MaxPolls times, sleeping PollInterval between
// attempts, mirroring spec §4.2's "~30 times with a 200ms sleep" policy —
// expressed here as fields so tests can shrink the budget instead of
// sleeping for six seconds.
type Subtitle struct {
	mgr          resource.Manager
	MaxPolls     int
	PollInterval time.Duration

	order   int64
	channel resource.SubtitleChannel
	boundTo resource.VideoSink
}

// NewSubtitle creates a Subtitle negotiator with the spec-default polling
// budget (30 attempts, 200ms apart).
func NewSubtitle(mgr resource.Manager) *Subtitle {
	return &Subtitle{mgr: mgr, MaxPolls: 30, PollInterval: 200 * time.Millisecond}
}

// BufferNew registers (or re-registers, if videoSink differs from the
// channel's current binding) a subpicture channel on videoSink. getSink
// is polled up to MaxPolls times when videoSink is nil, to absorb the
// window between the subtitle decoder starting and the video sink
// appearing.
func (s *Subtitle) BufferNew(videoSink resource.VideoSink, getSink func() resource.VideoSink, clk clock.Clock) (resource.SubtitleChannel, error) {
	sink := videoSink
	for i := 0; sink == nil && i < s.MaxPolls; i++ {
		time.Sleep(s.PollInterval)
		sink = getSink()
	}
	if sink == nil {
		return nil, ErrNoSink
	}

	if s.channel != nil && s.boundTo == sink {
		return s.channel, nil
	}
	if s.channel != nil {
		s.channel.Unregister()
		s.channel = nil
	}

	ch, err := s.mgr.NewSubtitleChannel(sink, clk)
	if err != nil {
		return nil, fmt.Errorf("negotiate: new subtitle channel: %w", err)
	}
	s.channel = ch
	s.boundTo = sink
	s.order = 0
	return ch, nil
}

// NextOrder advances the order counter for subpictures registered on the
// current channel and returns the new value, so the first call after
// BufferNew binds a channel returns 1.
func (s *Subtitle) NextOrder() int64 {
	s.order++
	return s.order
}

// Release unregisters the current subtitle channel, if any.
func (s *Subtitle) Release() {
	if s.channel == nil {
		return
	}
	s.channel.Unregister()
	s.channel = nil
	s.boundTo = nil
}
