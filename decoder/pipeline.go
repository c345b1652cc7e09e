package decoder

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vdec/ccdec"
	"github.com/zsiec/vdec/clock"
	"github.com/zsiec/vdec/codec"
	"github.com/zsiec/vdec/fifo"
	"github.com/zsiec/vdec/media"
	"github.com/zsiec/vdec/negotiate"
	"github.com/zsiec/vdec/prevframe"
	"github.com/zsiec/vdec/resource"
)

// Pipeline is one input decoder: a FIFO of compressed units, the codec
// instance driving them, the negotiator keeping its output sink current,
// and the worker goroutine threading it all together (spec §3, §5).
//
// Every field below the constructor is guarded by mu (the FIFO's own
// lock, shared with three condition variables) unless documented
// otherwise — spec §5's "single mutex, three condition variables"
// concurrency model, ported the way starsinc1708-TorrX's
// hls_buffered_reader.go pairs a sync.Mutex with sync.Cond instead of
// redesigning around channels.
type Pipeline struct {
	log *slog.Logger
	id  string
	cat media.Category

	inputType InputType

	fq              *fifo.FIFO
	mu              sync.Locker
	waitRequest     *sync.Cond // signalled to wake an idle (paused, no pending request) worker
	waitAcknowledge *sync.Cond // signalled by the worker after finishing flush/drain
	waitFIFO        *sync.Cond // signalled on enqueue, and when the FIFO drops below its high water mark

	clk clock.Clock

	videoCodec codec.VideoDecoder
	audioCodec codec.AudioDecoder
	subCodec   codec.SubtitleDecoder
	packetizer codec.Packetizer

	codecFamily       string
	codecExtraBuffers int
	newVideoCodec     func() (codec.VideoDecoder, error)
	newAudioCodec     func() (codec.AudioDecoder, error)
	newSubtitleCodec  func() (codec.SubtitleDecoder, error)

	negVideo *negotiate.Video
	negAudio *negotiate.Audio
	negSub   *negotiate.Subtitle
	pairedVideo func() resource.VideoSink

	prev   *prevframe.Helper
	cc     *ccdec.Multiplexer
	ccPref CCPreference
	newCCChild func(ccdec.Format) ccdec.Child

	cb Callbacks

	// --- state guarded by mu ---
	paused       bool
	pauseDate    time.Time
	rate         float64
	delay        time.Duration
	outputPaused bool
	outputRate   float64
	outputDelay  time.Duration

	flushing bool
	draining bool
	aborting bool

	// waiting/hasData/first/idle implement the wait-unblock handshake and
	// the buffer-deadlock-prevented observer of spec §4.1/§5: waiting is
	// b_waiting, hasData is b_has_data, first is b_first, idle is b_idle.
	waiting bool
	hasData bool
	first   bool
	idle    bool

	errorFlag bool
	errorKind ErrorKind

	prerollEnd     int64
	lastDisplayPTS int64
	frameCountdown int
	framePrevPending int

	loopA, loopB TimeMarker

	// pendingSeekSteps/pendingSeekPTS hand the "flush sink, fire
	// FramePreviousSeek" side effect of a fresh FramePrevious() request
	// over to the worker goroutine, which is the only goroutine allowed
	// to touch negVideo/negAudio/negSub (spec §5 "a single codec module
	// instance never has two concurrent calls from the worker" — the
	// same single-writer rule applies to the negotiators fronting its
	// sink). Zero means no seek is pending, which is safe because real
	// seek-step counts start at prevframe.SeekStepsInitial (1).
	pendingSeekSteps int
	pendingSeekPTS   int64
	// --- end guarded state ---

	reload atomic.Int32

	// master marks the one decoder in a playback group responsible for
	// anchoring the shared clock on its first unblocked output (spec §4.1
	// "wait-unblock handshake": exactly one decoder — conventionally video,
	// or audio when there is no video track — starts the clock; the rest
	// only ever convert against it).
	master    bool
	clockOnce sync.Once

	wg      sync.WaitGroup
	started bool
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithVideoCodec installs a video codec instance plus a constructor used
// to rebuild it on Reload (spec §4.5).
func WithVideoCodec(dec codec.VideoDecoder, rebuild func() (codec.VideoDecoder, error)) Option {
	return func(p *Pipeline) { p.videoCodec = dec; p.newVideoCodec = rebuild }
}

// WithAudioCodec installs an audio codec instance plus its rebuild func.
func WithAudioCodec(dec codec.AudioDecoder, rebuild func() (codec.AudioDecoder, error)) Option {
	return func(p *Pipeline) { p.audioCodec = dec; p.newAudioCodec = rebuild }
}

// WithSubtitleCodec installs a subtitle codec instance plus its rebuild func.
func WithSubtitleCodec(dec codec.SubtitleDecoder, rebuild func() (codec.SubtitleDecoder, error)) Option {
	return func(p *Pipeline) { p.subCodec = dec; p.newSubtitleCodec = rebuild }
}

// WithPacketizer installs a packetizer ahead of the codec (spec §4.1 step 6).
func WithPacketizer(pk codec.Packetizer) Option {
	return func(p *Pipeline) { p.packetizer = pk }
}

// WithCodecFamily records the codec family name (used for DPB sizing) and
// any extra buffers the codec itself requires (spec §4.2).
func WithCodecFamily(family string, extraBuffers int) Option {
	return func(p *Pipeline) { p.codecFamily = family; p.codecExtraBuffers = extraBuffers }
}

// WithInputType marks the decoder as a thumbnail-seek instance rather
// than a full playback one (spec §3 "Lifecycles").
func WithInputType(t InputType) Option {
	return func(p *Pipeline) { p.inputType = t }
}

// WithCallbacks installs the owner's event callback set (spec §6).
func WithCallbacks(cb Callbacks) Option {
	return func(p *Pipeline) { p.cb = cb }
}

// WithCCPreference records the preferred closed-caption standard (spec §6
// control parameters). The value is stored only; routeCC does not read it.
func WithCCPreference(pref CCPreference) Option {
	return func(p *Pipeline) { p.ccPref = pref }
}

// WithCCSubDecoders enables the closed-caption sub-decoder multiplex,
// supplying the factory used to build each child Pipeline (spec §4.3).
// newChild receives a ccdec.Format and must return a value implementing
// ccdec.Child — in practice another *Pipeline configured for the
// Subtitle category.
func WithCCSubDecoders(newChild func(ccdec.Format) ccdec.Child) Option {
	return func(p *Pipeline) {
		p.cc = ccdec.New()
		p.newCCChild = newChild
	}
}

// WithMaster marks this pipeline as the one responsible for starting the
// shared clock (spec §4.1 wait-unblock handshake). Exactly one decoder
// per playback group should set this — typically the video decoder, or
// the audio decoder when the group has no video track.
func WithMaster(master bool) Option {
	return func(p *Pipeline) { p.master = master }
}

// WithPairedVideoSink supplies a callback a Subtitle pipeline uses to
// find its companion video decoder's current sink when its own BufferNew
// poll needs one (spec §4.2 "Subtitle buffer-new").
func WithPairedVideoSink(get func() resource.VideoSink) Option {
	return func(p *Pipeline) { p.pairedVideo = get }
}

// New creates a Pipeline for one elementary stream. id identifies the
// stream for logging; cat selects which of the codec/negotiator trio is
// active. mgr and clk are shared across every decoder in the same
// playback group (spec §3).
func New(id string, cat media.Category, clk clock.Clock, mgr resource.Manager, opts ...Option) *Pipeline {
	q := fifo.New()
	p := &Pipeline{
		log:            slog.With("component", "decoder", "stream", id, "category", cat.String()),
		id:             id,
		cat:            cat,
		fq:             q,
		mu:             q.Locker(),
		clk:            clk,
		rate:           1.0,
		outputRate:     1.0,
		prerollEnd:     PrerollNone,
		lastDisplayPTS: media.TickInvalid,
		prev:           prevframe.New(),
	}
	p.waitRequest = sync.NewCond(p.mu)
	p.waitAcknowledge = sync.NewCond(p.mu)
	p.waitFIFO = sync.NewCond(p.mu)

	switch cat {
	case media.Video:
		p.negVideo = negotiate.NewVideo(mgr, true)
	case media.Audio:
		p.negAudio = negotiate.NewAudio(mgr, negotiate.DolbyAuto)
	case media.Subtitle:
		p.negSub = negotiate.NewSubtitle(mgr)
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

// Close stops the worker, releases the held sink/stream/channel, and
// closes the codec and any closed-caption sub-decoders (spec §3
// lifecycle teardown; spec §9 invariant 6: sub-decoders are removed from
// the multiplexer's list before this pipeline's own worker is joined —
// here, symmetrically, the children are closed after the parent's worker
// has already stopped touching them).
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.aborting = true
	p.waitRequest.Broadcast()
	p.waitFIFO.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	if p.cc != nil {
		for _, child := range p.cc.Children() {
			p.cc.RemoveSubDec(child)
			child.Close()
		}
	}

	switch p.cat {
	case media.Video:
		if p.videoCodec != nil {
			p.videoCodec.Close()
		}
		if p.negVideo != nil {
			p.negVideo.Release()
		}
	case media.Audio:
		if p.audioCodec != nil {
			p.audioCodec.Close()
		}
		if p.negAudio != nil {
			p.negAudio.Release()
		}
	case media.Subtitle:
		if p.subCodec != nil {
			p.subCodec.Close()
		}
		if p.negSub != nil {
			p.negSub.Release()
		}
	}
	if p.packetizer != nil {
		p.packetizer.Close()
	}
}

// Enqueue pushes u onto the FIFO. u == nil is reserved as an internal
// drain marker and is rejected here; callers that want to drain use
// Drain instead (spec §4.1 enqueue / drain distinction).
//
// When pace is true and the FIFO already holds fifoPacedHighWater units,
// Enqueue blocks on waitFIFO until the worker has made room — the
// backpressure path real-time feeders use. When pace is false, Enqueue
// never blocks; once the FIFO's total payload bytes exceed
// defaultFIFOByteCeiling it logs a warning and drains the entire backlog instead
// (spec §4.1 enqueue, "unpaced producers... byte ceiling... chain-
// releases the backlog").
func (p *Pipeline) Enqueue(u *media.Unit, pace bool) error {
	if u == nil {
		return fmt.Errorf("decoder: %w: nil unit", ErrInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aborting {
		return fmt.Errorf("decoder: %w: pipeline closed", ErrInvalid)
	}

	for pace && p.fq.CountLocked() >= fifoPacedHighWater && !p.aborting {
		p.waitFIFO.Wait()
	}
	if p.aborting {
		return fmt.Errorf("decoder: %w: pipeline closed", ErrInvalid)
	}

	if !pace && p.fq.SizeLocked()+u.Size() > defaultFIFOByteCeiling {
		p.log.Warn("fifo byte ceiling exceeded, dropping backlog", "bytes", p.fq.SizeLocked())
		p.fq.DrainLocked()
	}

	p.fq.PushLocked(u)
	p.waitFIFO.Broadcast()
	return nil
}

// Drain pushes the nil poison marker, asking the worker to flush every
// queued unit through the codec (not discard it) and produce every
// remaining output before reporting idle (spec §4.1 drain).
func (p *Pipeline) Drain() {
	p.mu.Lock()
	p.draining = true
	p.fq.PushLocked(nil)
	p.waitFIFO.Broadcast()
	p.waitRequest.Broadcast()
	p.mu.Unlock()
}

// IsDrained reports whether no Drain request is outstanding and the FIFO
// is empty: after a Drain it turns true once the worker has consumed the
// poison marker.
func (p *Pipeline) IsDrained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.draining && p.fq.IsEmptyLocked()
}

// Flush discards every queued unit and resets the codec/prev-frame
// state without producing any further output for the discarded units
// (spec §4.1 flush). It blocks until the worker has acknowledged the
// flush.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	p.flushing = true
	p.waitFIFO.Broadcast()
	p.waitRequest.Broadcast()
	for p.flushing && !p.aborting {
		p.waitAcknowledge.Wait()
	}
	p.mu.Unlock()
}

// IsEmpty reports whether the FIFO currently holds no queued units.
func (p *Pipeline) IsEmpty() bool { return p.fq.IsEmpty() }

// ChangePause mirrors a pause/resume request onto the decoder; the
// worker applies it to the sink/stream on its next iteration (spec §4.1
// step 2 "pause mirror").
func (p *Pipeline) ChangePause(paused bool, date time.Time) {
	p.mu.Lock()
	p.paused = paused
	p.pauseDate = date
	// Wake the worker whether it is idle on an empty FIFO or parked in
	// the paused branch, so it mirrors the new state right away.
	p.waitRequest.Broadcast()
	p.waitFIFO.Broadcast()
	p.mu.Unlock()
}

// ChangeRate mirrors a playback rate change (spec §4.1 step 3).
func (p *Pipeline) ChangeRate(rate float64) {
	p.mu.Lock()
	p.rate = rate
	p.mu.Unlock()
}

// ChangeDelay mirrors an audio/subtitle delay change (spec §4.1 step 4).
func (p *Pipeline) ChangeDelay(delay time.Duration) {
	p.mu.Lock()
	p.delay = delay
	p.mu.Unlock()
}

// FrameNext requests the worker show the next already-decoded picture
// while paused, decrementing the countdown once it has (spec §4.1 step 2,
// §6 input_DecoderFrameNext). Only meaningful for Video pipelines.
func (p *Pipeline) FrameNext() {
	p.mu.Lock()
	p.frameCountdown++
	p.waitRequest.Broadcast()
	p.mu.Unlock()
}

// FramePrevious requests the worker walk back to the previous displayed
// picture via the prev-frame helper (spec §4.4). On the first request
// since normal playback (no walk already in progress), it arms a pending
// seek that the worker services on its next iteration — flushing the
// video sink and firing FramePreviousSeek, asking the owner to seek
// upstream by the helper's initial step count. Later calls just add to
// the pending count the worker services as pictures arrive (spec §4.1
// "frame_previous"). The sink flush itself always happens on the worker
// goroutine, the only one allowed to touch negVideo (spec §5).
func (p *Pipeline) FramePrevious() {
	p.mu.Lock()
	steps := p.prev.Request()
	p.framePrevPending++
	if steps != prevframe.SeekStepsNone {
		p.pendingSeekPTS = p.lastDisplayPTS
		p.pendingSeekSteps = steps
	}
	p.waitRequest.Broadcast()
	p.mu.Unlock()
}

// StartWait begins a wait-for-first-frame session (spec §4.1 "start_wait").
// The next output the worker produces is held back until StopWait is
// called (or a Flush begins), giving the owner a chance to, e.g., start
// several decoders in lockstep before any of them reaches its sink.
func (p *Pipeline) StartWait() {
	p.mu.Lock()
	p.hasData = false
	p.first = true
	p.waiting = true
	p.waitRequest.Broadcast()
	p.mu.Unlock()
}

// StopWait ends a wait-for-first-frame session, releasing the worker if
// it is currently blocked in waitUnblock (spec §4.1 "stop_wait").
func (p *Pipeline) StopWait() {
	p.mu.Lock()
	p.waiting = false
	p.waitRequest.Broadcast()
	p.mu.Unlock()
}

// Wait blocks until the worker has produced its first output since the
// last StartWait, until the decoder is paused, or until the worker is
// idle with an empty FIFO — the last case is the "buffer deadlock
// prevented" observer of spec §7: it returns rather than blocking
// forever when there is nothing left to wait for (spec §4.1 "wait").
func (p *Pipeline) Wait() {
	p.mu.Lock()
	for !(p.hasData || p.paused || (p.idle && p.fq.IsEmptyLocked())) {
		p.waitAcknowledge.Wait()
	}
	p.mu.Unlock()
}

// SetLoop records both endpoints of an A-to-B playback loop (spec §4
// supplemental feature). Passing a zero TimeMarker with Set=false for
// either endpoint clears that endpoint.
func (p *Pipeline) SetLoop(a, b TimeMarker) {
	p.mu.Lock()
	p.loopA, p.loopB = a, b
	p.mu.Unlock()
}

// ClearLoop removes both loop markers.
func (p *Pipeline) ClearLoop() { p.SetLoop(TimeMarker{}, TimeMarker{}) }

// SetCcState enables or disables delivery to one closed-caption channel
// without tearing down its sub-decoder (spec §4 supplemental feature).
func (p *Pipeline) SetCcState(channel int, enabled bool) error {
	if p.cc == nil {
		return fmt.Errorf("decoder: %w: no cc sub-decoders active", ErrInvalid)
	}
	return p.cc.SetChannelState(channel, enabled)
}

// CcState reports whether channel currently has delivery enabled.
func (p *Pipeline) CcState(channel int) (bool, error) {
	if p.cc == nil {
		return false, fmt.Errorf("decoder: %w: no cc sub-decoders active", ErrInvalid)
	}
	return p.cc.ChannelState(channel)
}

// Sinks returns the set of sink/stream identifiers this decoder is
// currently bound to, mirroring input_DecoderGetObjects's reduced scope
// (spec §4 supplemental feature: GetObjects-style accessor).
func (p *Pipeline) Sinks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	switch p.cat {
	case media.Video:
		if s := p.negVideo.Sink(); s != nil {
			ids = append(ids, s.ID())
		}
	case media.Audio:
		// AudioStream does not expose an ID of its own; the output it is
		// bound to does.
		if p.negAudio.Stream() != nil {
			ids = append(ids, p.id+":audio")
		}
	case media.Subtitle:
		// SubtitleChannel exposes an int64 order id, not a sink id; report
		// the stream id as a stand-in, matching the reduced GetObjects scope.
		ids = append(ids, p.id+":subtitle")
	}
	return ids
}

// RequestReload atomically raises kind as a pending reload request,
// preferring ReloadDecoderAndAudioOutput over a weaker ReloadDecoder
// already pending (spec §4.5).
func (p *Pipeline) RequestReload(kind ReloadKind) {
	for {
		cur := ReloadKind(p.reload.Load())
		if !kind.stronger(cur) {
			return
		}
		if p.reload.CompareAndSwap(int32(cur), int32(kind)) {
			return
		}
	}
}

// Error reports whether the decoder's sticky error flag is set, and why.
func (p *Pipeline) Error() (bool, ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorFlag, p.errorKind
}
