package resource

import (
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/vdec/clock"
	"github.com/zsiec/vdec/media"
)

// Pool is an in-process Manager implementation: it hands out lightweight,
// reference-counted sinks without touching any real audio/video device.
// It exists so the decoder package, its tests, and cmd/vdec can run
// end-to-end without a real vout/aout backend — reference-counted
// resources behind a single mutex, the same shape the teacher used for
// its own per-key resource maps.
type Pool struct {
	mu   sync.Mutex
	seq  int
	vout *poolVideoSink
	aout *poolAudioOutput
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{}
}

// GetAout returns the shared audio output, creating it on first call.
func (p *Pool) GetAout() (AudioOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aout == nil {
		p.seq++
		p.aout = &poolAudioOutput{id: fmt.Sprintf("aout-%d", p.seq)}
	}
	p.aout.refs++
	return p.aout, nil
}

// PutAout decrements the audio output's reference count, releasing it
// when it reaches zero.
func (p *Pool) PutAout(out AudioOutput) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ao, ok := out.(*poolAudioOutput)
	if !ok || p.aout != ao {
		return
	}
	ao.refs--
	if ao.refs <= 0 {
		p.aout = nil
	}
}

// RequestVout returns the pool's single video sink, creating it (and
// reporting Started) if none exists yet or if cfg differs from the
// existing sink's configuration.
func (p *Pool) RequestVout(cfg VideoSinkConfig, vctx any, order int) (VideoSink, VoutState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vout != nil && p.vout.cfg == cfg {
		p.vout.refs++
		return p.vout, NotChanged, nil
	}

	var stopped *poolVideoSink
	if p.vout != nil {
		stopped = p.vout
	}

	p.seq++
	sink := &poolVideoSink{
		id:    fmt.Sprintf("vout-%d", p.seq),
		cfg:   cfg,
		order: order,
		refs:  1,
	}
	p.vout = sink

	if stopped != nil {
		stopped.released = true
	}
	return sink, Started, nil
}

// PutVout releases a reference on sink, returning Stopped once the last
// reference is released (spec §9 "the last put-back that actually
// terminates the sink fires on_vout_stopped exactly once").
func (p *Pool) PutVout(sink VideoSink) VoutState {
	p.mu.Lock()
	defer p.mu.Unlock()

	vs, ok := sink.(*poolVideoSink)
	if !ok {
		return NotChanged
	}
	vs.refs--
	if vs.refs > 0 {
		return NotChanged
	}
	if p.vout == vs {
		p.vout = nil
	}
	if vs.released {
		// Already superseded by a newer sink; stopping it now would be a
		// duplicate notification.
		return NotChanged
	}
	vs.released = true
	return Stopped
}

// HoldVout takes an extra reference on sink without changing its config,
// used by the prev-frame/filter hold (spec §4.2).
func (p *Pool) HoldVout(sink VideoSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vs, ok := sink.(*poolVideoSink); ok {
		vs.refs++
	}
}

// NewAudioStream creates a stream bound to out and clk. The pool's
// streams are purely bookkeeping: Play always succeeds.
func (p *Pool) NewAudioStream(out AudioOutput, format media.AudioFormat, clk clock.Clock) (AudioStream, error) {
	return &poolAudioStream{out: out, format: format, clk: clk}, nil
}

// NewSubtitleChannel registers a subpicture channel on sink.
func (p *Pool) NewSubtitleChannel(sink VideoSink, clk clock.Clock) (SubtitleChannel, error) {
	p.mu.Lock()
	p.seq++
	id := int64(p.seq)
	p.mu.Unlock()
	return &poolSubtitleChannel{id: id, sink: sink}, nil
}

type poolAudioOutput struct {
	id   string
	refs int
}

func (a *poolAudioOutput) ID() string { return a.id }

type poolVideoSink struct {
	mu        sync.Mutex
	id        string
	cfg       VideoSinkConfig
	order     int
	refs      int
	released  bool
	paused    bool
	rate      float64
	delay     time.Duration
	queued    []*media.Picture
	stats     VideoSinkStats
}

func (v *poolVideoSink) ID() string { return v.id }

func (v *poolVideoSink) ChangePause(paused bool, date time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = paused
}

func (v *poolVideoSink) ChangeRate(rate float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rate = rate
}

func (v *poolVideoSink) ChangeDelay(delay time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delay = delay
}

func (v *poolVideoSink) Queue(pic *media.Picture) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queued = append(v.queued, pic)
	v.stats.Displayed++
}

func (v *poolVideoSink) FlushUpTo(ts int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := v.queued[:0]
	for _, pic := range v.queued {
		if pic.PTS >= ts {
			kept = append(kept, pic)
		} else {
			v.stats.Lost++
		}
	}
	v.queued = kept
}

func (v *poolVideoSink) Flush() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats.Lost += int64(len(v.queued))
	v.queued = nil
}

func (v *poolVideoSink) NextPicture() (*media.Picture, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.queued) == 0 {
		return nil, false
	}
	pic := v.queued[0]
	v.queued = v.queued[1:]
	return pic, true
}

func (v *poolVideoSink) IsEmpty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queued) == 0
}

func (v *poolVideoSink) Stats() VideoSinkStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

func (v *poolVideoSink) Device() any { return nil }

type poolAudioStream struct {
	mu     sync.Mutex
	out    AudioOutput
	format media.AudioFormat
	clk    clock.Clock
	paused bool
	rate   float64
	delay  time.Duration
}

func (s *poolAudioStream) ChangePause(paused bool, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

func (s *poolAudioStream) ChangeRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

func (s *poolAudioStream) ChangeDelay(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
}

func (s *poolAudioStream) Play(buf *media.AudioBuffer) AudioPlayResult {
	return PlayOK
}

func (s *poolAudioStream) Drain() {}
func (s *poolAudioStream) Flush() {}
func (s *poolAudioStream) IsEmpty() bool { return true }

type poolSubtitleChannel struct {
	id   int64
	sink VideoSink
}

func (c *poolSubtitleChannel) ID() int64 { return c.id }

func (c *poolSubtitleChannel) Queue(sp *media.SubPicture) {
	// The pool models subtitle delivery as a side overlay on the bound
	// video sink; a real subpicture compositor would rasterize sp here.
	_ = sp
}

func (c *poolSubtitleChannel) Unregister() {}
