// Package tsfeed bridges an MPEG-TS demultiplex into the decoder
// subsystem's compressed-unit FIFOs. demux.Demuxer parses transport-stream
// packets into still-compressed media.VideoFrame/AudioFrame values; Feed
// converts each into a *media.Unit and hands it to the matching
// decoder.Pipeline through Enqueue, the same entry point any real
// demultiplexer-facing owner uses (spec §4.1 "enqueue").
package tsfeed

import (
	"context"
	"sync"

	"github.com/zsiec/ccx"
	"github.com/zsiec/vdec/decoder"
	"github.com/zsiec/vdec/media"
)

// CaptionHandler receives caption text the demuxer already decoded via
// its own CEA-608/708 path (ccx). This is independent of the decoder
// package's ccdec sub-decoder multiplex, which exists for codecs that
// emit raw, still-undecoded CC blocks through their own packetizer (spec
// §4.3); an MPEG-TS demux that decodes captions to text itself has
// nothing left for that multiplex to do with them.
type CaptionHandler func(channel int, text string)

// Demuxer is the subset of *demux.Demuxer a Feed drains. Narrowing to an
// interface (rather than taking *demux.Demuxer directly) lets tests drive
// a Feed off plain channels instead of a real transport-stream byte
// sequence.
type Demuxer interface {
	Video() <-chan *media.VideoFrame
	Audio() <-chan *media.AudioFrame
	Captions() <-chan *ccx.CaptionFrame
}

// Feed owns the goroutines that drain one Demuxer's Video, Audio, and
// Captions channels for the lifetime of a Run call.
type Feed struct {
	dmx   Demuxer
	video *decoder.Pipeline
	audio map[int]*decoder.Pipeline
	onCap CaptionHandler
}

// New creates a Feed over dmx. video may be nil for an audio-only
// stream. audio maps a demuxed track index (see demux.AudioTrackInfo) to
// the Pipeline that should receive it; a track with no entry is
// silently dropped. onCap may be nil.
func New(dmx Demuxer, video *decoder.Pipeline, audio map[int]*decoder.Pipeline, onCap CaptionHandler) *Feed {
	return &Feed{dmx: dmx, video: video, audio: audio, onCap: onCap}
}

// Run drains the video, audio, and caption channels concurrently and
// blocks until all three loops have returned. A loop returns when its
// channel closes (end of stream, once dmx.Run returns), when Enqueue
// reports an error, or when it finds ctx cancelled after handing off a
// frame; a loop waiting on an open, empty channel does not observe ctx.
func (f *Feed) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); f.runVideo(ctx) }()
	go func() { defer wg.Done(); f.runAudio(ctx) }()
	go func() { defer wg.Done(); f.runCaptions(ctx) }()
	wg.Wait()
}

func (f *Feed) runVideo(ctx context.Context) {
	for vf := range f.dmx.Video() {
		if f.video == nil {
			continue
		}
		u := videoUnit(vf)
		if err := f.video.Enqueue(u, true); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *Feed) runAudio(ctx context.Context) {
	for af := range f.dmx.Audio() {
		p := f.audio[af.TrackIndex]
		if p == nil {
			continue
		}
		u := &media.Unit{
			Payload: af.Data,
			PTS:     af.PTS,
			DTS:     media.TickInvalid,
		}
		if err := p.Enqueue(u, true); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *Feed) runCaptions(ctx context.Context) {
	for cf := range f.dmx.Captions() {
		if f.onCap != nil {
			f.onCap(cf.Channel, cf.Text)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// videoUnit converts one demuxed access unit into a *media.Unit,
// concatenating its NALUs into Payload too so the FIFO's byte-ceiling
// accounting (spec §4.1 enqueue backpressure) sees its true size.
func videoUnit(vf *media.VideoFrame) *media.Unit {
	size := 0
	for _, n := range vf.NALUs {
		size += len(n)
	}
	payload := make([]byte, 0, size)
	for _, n := range vf.NALUs {
		payload = append(payload, n...)
	}
	return &media.Unit{
		Payload: payload,
		PTS:     vf.PTS,
		DTS:     vf.DTS,
		NALUs:   vf.NALUs,
		SPS:     vf.SPS,
		PPS:     vf.PPS,
		VPS:     vf.VPS,
	}
}
