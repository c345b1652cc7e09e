package decoder

import (
	"fmt"
	"time"

	"github.com/zsiec/vdec/ccdec"
	"github.com/zsiec/vdec/codec"
	"github.com/zsiec/vdec/media"
	"github.com/zsiec/vdec/prevframe"
	"github.com/zsiec/vdec/resource"
)

// startClockIfMaster anchors the shared clock to ts the first time the
// master decoder in a playback group produces output (spec §4.1
// wait-unblock handshake). Non-master decoders, and every call after the
// first, are no-ops.
func (p *Pipeline) startClockIfMaster(ts int64) {
	if !p.master {
		return
	}
	p.clockOnce.Do(func() {
		p.clk.Lock()
		p.clk.Start(time.Now(), ts)
		p.clk.Unlock()
	})
}

// waitUnblock implements the wait-unblock protocol (spec §4.1): while a
// StartWait session is active, the worker announces its first produced
// output by setting b_has_data and blocks until the owner calls StopWait
// (clearing b_waiting) or a Flush begins. It reports wasFirst=true only
// for the very first output unblocked since StartWait, and ok=false when
// it unblocked because of a flush, in which case the caller must drop
// the output rather than push it to its sink.
func (p *Pipeline) waitUnblock() (ok, wasFirst bool) {
	p.mu.Lock()
	if !p.waiting {
		p.mu.Unlock()
		return true, false
	}
	p.log.Debug("wait-unblock: first output produced since start_wait")
	p.hasData = true
	p.waitAcknowledge.Broadcast()
	for p.waiting && p.hasData && !p.flushing && !p.aborting {
		p.waitRequest.Wait()
	}
	if p.flushing || p.aborting {
		p.hasData = false
		p.waitAcknowledge.Broadcast()
		p.mu.Unlock()
		return false, false
	}
	wasFirst = p.first
	p.first = false
	p.mu.Unlock()
	return true, wasFirst
}

// run is the worker goroutine's main loop (spec §4.1). Every iteration
// reacquires p.mu at the top; long-running or blocking work (codec
// calls, sink calls, owner callbacks) happens with the lock released.
func (p *Pipeline) run() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		if p.aborting {
			p.mu.Unlock()
			return
		}

		if p.flushing {
			p.finishFlushLocked()
		}

		p.syncPauseLocked()
		p.syncRateLocked()
		p.syncDelayLocked()
		p.syncFramePreviousSeekLocked()

		if p.fq.CountLocked() < fifoPacedHighWater {
			p.waitFIFO.Broadcast()
		}

		if p.paused && p.frameCountdown == 0 && p.framePrevPending == 0 && !p.draining {
			p.idle = true
			p.waitAcknowledge.Broadcast()
			p.waitRequest.Wait()
			p.idle = false
			continue
		}

		u, ok := p.fq.PopLocked()
		if !ok {
			if p.draining {
				p.finishDrainLocked()
				continue
			}
			p.idle = true
			p.waitAcknowledge.Broadcast()
			if p.frameCountdown > 0 && p.cb.FrameNextNeedData != nil {
				p.mu.Unlock()
				p.cb.FrameNextNeedData(true)
				p.mu.Lock()
			}
			p.waitFIFO.Wait()
			p.idle = false
			continue
		}
		if u == nil {
			p.finishDrainLocked()
			continue
		}

		p.mu.Unlock()
		p.processUnit(u)
		p.mu.Lock()
	}
}

// finishFlushLocked discards every queued unit and resets codec/prev-
// frame state, then acknowledges the flush (spec §4.1 "flush"). Calls
// into the codec/packetizer happen with the lock released.
func (p *Pipeline) finishFlushLocked() {
	p.fq.DrainLocked()
	p.prev.Flush()
	p.frameCountdown = 0
	p.prerollEnd = PrerollNone

	p.mu.Unlock()
	switch p.cat {
	case media.Video:
		if p.videoCodec != nil {
			p.videoCodec.Flush()
		}
	case media.Audio:
		if p.audioCodec != nil {
			p.audioCodec.Flush()
		}
	case media.Subtitle:
		if p.subCodec != nil {
			p.subCodec.Flush()
		}
	}
	if p.packetizer != nil {
		p.packetizer.Flush()
	}
	p.mu.Lock()

	p.flushing = false
	p.waitAcknowledge.Broadcast()
}

// finishDrainLocked marks a pending Drain complete, whether it finished
// because the poison marker was popped or because the FIFO simply ran
// dry while draining was requested.
func (p *Pipeline) finishDrainLocked() {
	p.draining = false
	p.waitAcknowledge.Broadcast()
}

// syncPauseLocked mirrors the pause state onto the sink/stream if it has
// drifted (spec §4.1 step 2).
func (p *Pipeline) syncPauseLocked() {
	if p.paused == p.outputPaused {
		return
	}
	paused, date := p.paused, p.pauseDate
	p.mu.Unlock()
	switch p.cat {
	case media.Video:
		if s := p.negVideo.Sink(); s != nil {
			s.ChangePause(paused, date)
		}
	case media.Audio:
		if s := p.negAudio.Stream(); s != nil {
			s.ChangePause(paused, date)
		}
	}
	p.mu.Lock()
	p.outputPaused = paused
	if p.cb.OnOutputPaused != nil {
		p.mu.Unlock()
		p.cb.OnOutputPaused(paused, date)
		p.mu.Lock()
	}
}

// syncRateLocked mirrors the playback rate onto the sink/stream (spec
// §4.1 step 3).
func (p *Pipeline) syncRateLocked() {
	if p.rate == p.outputRate {
		return
	}
	rate := p.rate
	p.mu.Unlock()
	switch p.cat {
	case media.Video:
		if s := p.negVideo.Sink(); s != nil {
			s.ChangeRate(rate)
		}
	case media.Audio:
		if s := p.negAudio.Stream(); s != nil {
			s.ChangeRate(rate)
		}
	}
	p.mu.Lock()
	p.outputRate = rate
}

// syncDelayLocked mirrors the audio/subtitle delay onto the stream (spec
// §4.1 step 4).
func (p *Pipeline) syncDelayLocked() {
	if p.delay == p.outputDelay {
		return
	}
	delay := p.delay
	p.mu.Unlock()
	if p.cat == media.Audio {
		if s := p.negAudio.Stream(); s != nil {
			s.ChangeDelay(delay)
		}
	}
	p.mu.Lock()
	p.outputDelay = delay
}

// syncFramePreviousSeekLocked services a pending seek armed by
// FramePrevious (spec §4.1 "frame_previous": "flushes sink, captures
// current pts, and triggers the prev-frame helper to request upstream
// seek"). Runs on the worker goroutine so the video sink flush below
// never races with playVideo's own negVideo/sink access.
func (p *Pipeline) syncFramePreviousSeekLocked() {
	if p.pendingSeekSteps == 0 {
		return
	}
	pts, steps := p.pendingSeekPTS, p.pendingSeekSteps
	p.pendingSeekSteps = 0
	p.mu.Unlock()
	if p.cat == media.Video && p.negVideo != nil {
		if sink := p.negVideo.Sink(); sink != nil {
			sink.Flush()
		}
	}
	if p.cb.FramePreviousSeek != nil {
		p.cb.FramePreviousSeek(pts, 0, 0, steps, false)
	}
	p.mu.Lock()
}

// updatePrerollFromUnit folds u's discontinuity/preroll flags into the
// preroll tracker (spec §4.1 process-unit step 4: "forced preroll reset
// on corrupted discontinuity"). It never gates whether u itself is
// decoded — preroll units still have to reach the codec so it can warm
// its reference state; only the decoded *output* is discarded, by
// prerollDiscard below (spec §4.1 "Preroll discard: any output with ts <
// i_preroll_end is dropped silently").
func (p *Pipeline) updatePrerollFromUnit(u *media.Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case u.Has(media.FlagPreroll):
		p.prerollEnd = PrerollForced
	case u.Has(media.FlagDiscontinuity) && (len(u.Payload) == 0 || u.Has(media.FlagCorrupted)):
		p.prerollEnd = PrerollForced
	default:
		// PrerollNone is math.MinInt64, so once preroll has cleared this
		// min is a no-op and prerollEnd stays cleared; PrerollForced is
		// math.MaxInt64, so the first ordinary unit after a forced
		// preroll pulls the threshold down to its own timestamp.
		if ts := u.BestTimestamp(); ts != media.TickInvalid && ts < p.prerollEnd {
			p.prerollEnd = ts
		}
	}
}

// prerollDiscard reports whether ts still falls inside the active
// preroll window, in which case the caller must drop the decoded output
// without display. Crossing the threshold clears it, logs "end of
// preroll", and invokes flush once with the threshold that was just
// crossed so the caller can release anything it had queued below it
// (spec §4.1 "reaching the threshold logs "end of preroll" and flushes
// the sink (video) or audio stream, then clears preroll").
func (p *Pipeline) prerollDiscard(ts int64, flush func(threshold int64)) bool {
	p.mu.Lock()
	end := p.prerollEnd
	if end == PrerollNone {
		p.mu.Unlock()
		return false
	}
	if end != PrerollForced && ts != media.TickInvalid && ts >= end {
		p.prerollEnd = PrerollNone
		p.mu.Unlock()
		p.log.Info("end of preroll")
		if flush != nil {
			flush(end)
		}
		return false
	}
	p.mu.Unlock()
	return true
}

// processUnit runs one compressed unit through the pending-reload check,
// preroll tracking, packetizer, closed-caption extraction, and codec
// (spec §4.1 "process one unit"). Called with the lock released.
func (p *Pipeline) processUnit(u *media.Unit) {
	if errFlag, _ := p.Error(); errFlag {
		return
	}

	if kind := ReloadKind(p.reload.Swap(int32(ReloadNone))); kind != ReloadNone {
		if err := p.performReload(kind); err != nil {
			p.mu.Lock()
			p.errorFlag = true
			p.errorKind = ErrorReloadFailed
			p.mu.Unlock()
			p.log.Error("pending reload failed", "err", err)
			return
		}
	}

	p.updatePrerollFromUnit(u)

	units := []*media.Unit{u}
	if p.packetizer != nil {
		var produced []*media.Unit
		res := p.packetizer.Packetize(u, func(pu *media.Unit) { produced = append(produced, pu) })
		if res == codec.Critical {
			p.handleResult(res, u)
			return
		}
		p.handleResult(res, u)
		units = produced

		if block, desc, ok := p.packetizer.GetCC(); ok {
			p.routeCC(block, u.BestTimestamp(), desc)
		}
	}

	for _, unit := range units {
		p.decodeUnit(unit)
	}
}

// decodeUnit drives the category-appropriate codec over one unit.
func (p *Pipeline) decodeUnit(u *media.Unit) {
	switch p.cat {
	case media.Video:
		if p.videoCodec == nil {
			return
		}
		res := p.videoCodec.Decode(u, p.playVideo)
		p.handleResult(res, u)
	case media.Audio:
		if p.audioCodec == nil {
			return
		}
		res := p.audioCodec.Decode(u, p.playAudio)
		p.handleResult(res, u)
	case media.Subtitle:
		if p.subCodec == nil {
			return
		}
		res := p.subCodec.Decode(u, p.playSpu)
		p.handleResult(res, u)
	}
}

// handleResult applies the codec-return-code policy (spec §4.5): Success
// is a no-op, Critical latches the sticky error flag, and Reload rebuilds
// the codec and retries u once — guarded by FlagPrivateReloaded so a
// codec that keeps returning Reload for the same unit cannot loop the
// worker forever.
func (p *Pipeline) handleResult(res codec.Result, u *media.Unit) {
	switch res {
	case codec.Success:
		return
	case codec.Critical:
		p.mu.Lock()
		p.errorFlag = true
		p.errorKind = ErrorTransientCodec
		p.mu.Unlock()
		p.log.Error("codec reported a critical error; dropping further units")
	case codec.Reload:
		if u != nil && u.Has(media.FlagPrivateReloaded) {
			p.log.Warn("codec requested reload twice for the same unit, dropping it")
			return
		}
		kind := ReloadDecoder
		if p.cat == media.Audio {
			kind = ReloadDecoderAndAudioOutput
		}
		if err := p.performReload(kind); err != nil {
			p.mu.Lock()
			p.errorFlag = true
			p.errorKind = ErrorReloadFailed
			p.mu.Unlock()
			p.log.Error("codec reload failed", "err", err)
			return
		}
		if u != nil {
			u.Flags |= media.FlagPrivateReloaded
			p.decodeUnit(u)
		}
	}
}

// performReload tears down and rebuilds the active codec instance, and
// additionally releases the audio output when kind is
// ReloadDecoderAndAudioOutput (spec §4.5).
func (p *Pipeline) performReload(kind ReloadKind) error {
	var err error
	switch p.cat {
	case media.Video:
		if p.videoCodec != nil {
			p.videoCodec.Close()
		}
		if p.newVideoCodec == nil {
			return errNoConstructor("video")
		}
		p.videoCodec, err = p.newVideoCodec()
	case media.Audio:
		if p.audioCodec != nil {
			p.audioCodec.Close()
		}
		if kind == ReloadDecoderAndAudioOutput {
			p.mu.Lock()
			p.negAudio.Release()
			p.mu.Unlock()
		}
		if p.newAudioCodec == nil {
			return errNoConstructor("audio")
		}
		p.audioCodec, err = p.newAudioCodec()
	case media.Subtitle:
		if p.subCodec != nil {
			p.subCodec.Close()
		}
		if p.newSubtitleCodec == nil {
			return errNoConstructor("subtitle")
		}
		p.subCodec, err = p.newSubtitleCodec()
	}
	if err == nil {
		p.log.Info("codec reloaded")
	}
	return err
}

func errNoConstructor(kind string) error {
	return fmt.Errorf("decoder: no %s codec constructor configured for reload", kind)
}

// routeCC forwards one closed-caption block through the multiplexer,
// spawning a new sub-decoder for any newly reported channel first (spec
// §4.3).
func (p *Pipeline) routeCC(block []byte, pts int64, desc codec.CCDescriptor) {
	if p.cc == nil || !desc.Any() {
		return
	}
	p.cc.UpdateDescriptor(desc)
	if formats, changed := p.cc.GetCcDesc(); changed {
		for _, f := range formats {
			p.cc.CreateSubDec(f, p.newCCChild)
		}
	}
	p.cc.PlayCc(block, pts, desc)
}

// playVideo is the codec's Output callback for decoded pictures (spec
// §4.1 "play_video").
func (p *Pipeline) playVideo(pic *media.Picture) {
	p.mu.Lock()
	vfmt := p.videoCodec.Format()
	sink, state, err := p.negVideo.Update(vfmt, nil, 0, p.codecFamily, p.codecExtraBuffers)
	if err != nil {
		p.mu.Unlock()
		p.log.Error("video sink negotiation failed", "err", err)
		p.RequestReload(ReloadDecoder)
		return
	}
	sinkID := sink.ID()
	p.mu.Unlock()

	if state == resource.Started && p.cb.OnVoutStarted != nil {
		p.cb.OnVoutStarted(sinkID, 0)
	}

	if p.prerollDiscard(pic.PTS, func(threshold int64) { sink.FlushUpTo(threshold) }) {
		return
	}

	p.startClockIfMaster(pic.PTS)

	if seekTo, crossed := p.consumeLoopCrossing(pic.PTS); crossed && p.cb.OnLoopReached != nil {
		p.cb.OnLoopReached(seekTo)
	}

	show, toDisplay := p.resolveDisplayPicture(pic)
	if !show {
		return
	}

	ok, wasFirst := p.waitUnblock()
	if !ok {
		return
	}

	p.mu.Lock()
	if p.frameCountdown > 0 {
		p.frameCountdown--
		toDisplay.ForceDisplay = true
	}
	p.mu.Unlock()
	if wasFirst {
		toDisplay.ForceDisplay = true
	}

	sink.Queue(toDisplay)
	stats := sink.Stats()
	if p.cb.OnNewVideoStats != nil {
		p.cb.OnNewVideoStats(1, 0, stats.Displayed, stats.Late)
	}
	if p.inputType == Thumbnail && p.cb.OnThumbnailReady != nil {
		p.cb.OnThumbnailReady(toDisplay)
	}
}

// consumeLoopCrossing reports whether pts has reached the B marker of an
// active A-to-B loop (spec §4 supplemental feature).
func (p *Pipeline) consumeLoopCrossing(pts int64) (seekTo int64, crossed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loopA.Set || !p.loopB.Set || pts < p.loopB.Time {
		return 0, false
	}
	return p.loopA.Time, true
}

// resolveDisplayPicture runs pic through the previous-frame helper
// whenever a walk-back is pending, and decides whether pic (or the
// helper's resume frame) should reach the sink this call (spec §4.4).
func (p *Pipeline) resolveDisplayPicture(pic *media.Picture) (show bool, out *media.Picture) {
	p.mu.Lock()
	if p.framePrevPending == 0 {
		p.lastDisplayPTS = pic.PTS
		p.mu.Unlock()
		return true, pic
	}

	resume, seekSteps := p.prev.AddPic(pic, &p.lastDisplayPTS)
	outOfRange := seekSteps != prevframe.SeekStepsNone && p.prev.OutOfRange()
	if outOfRange {
		p.framePrevPending = 0
	}
	needsSeek := seekSteps != prevframe.SeekStepsNone && !outOfRange

	var steps int
	var seekPTS int64
	if needsSeek {
		steps, seekPTS = seekSteps, pic.PTS
	}
	completed := resume != nil
	if completed {
		p.framePrevPending--
	}
	p.mu.Unlock()

	switch {
	case outOfRange:
		if p.cb.FramePreviousStatus != nil {
			p.cb.FramePreviousStatus(ErrRange)
		}
		return false, nil
	case needsSeek:
		if p.cb.FramePreviousSeek != nil {
			p.cb.FramePreviousSeek(seekPTS, 0, 0, steps, true)
		}
		return false, nil
	case completed:
		if p.cb.FramePreviousStatus != nil {
			p.cb.FramePreviousStatus(nil)
		}
		return true, resume
	default:
		// Still retaining a candidate picture; nothing to show yet.
		return false, nil
	}
}

// playAudio is the codec's Output callback for decoded audio buffers
// (spec §4.1 "play_audio").
func (p *Pipeline) playAudio(buf *media.AudioBuffer) {
	p.mu.Lock()
	afmt := p.audioCodec.Format()
	effective, err := p.negAudio.Update(afmt, p.clk)
	if err != nil {
		p.mu.Unlock()
		p.log.Error("audio negotiation failed", "err", err)
		p.RequestReload(ReloadDecoderAndAudioOutput)
		return
	}
	buf.BytesPerFrame = effective.BytesPerFrame
	stream := p.negAudio.Stream()
	p.mu.Unlock()

	if p.prerollDiscard(buf.PTS, func(int64) { stream.Flush() }) {
		return
	}

	p.startClockIfMaster(buf.PTS)

	if ok, _ := p.waitUnblock(); !ok {
		return
	}

	switch stream.Play(buf) {
	case resource.PlayChanged:
		p.RequestReload(ReloadDecoder)
	case resource.PlayFailed:
		p.RequestReload(ReloadDecoderAndAudioOutput)
	}
	if p.cb.OnNewAudioStats != nil {
		p.cb.OnNewAudioStats(1, 0, 1)
	}
}

// playSpu is the codec's Output callback for decoded subpictures (spec
// §4.1 "play_spu", §4.2 "Subtitle buffer-new").
func (p *Pipeline) playSpu(sp *media.SubPicture) {
	p.mu.Lock()
	end := p.prerollEnd
	sp.Order = p.negSub.NextOrder()
	var videoSink resource.VideoSink
	getSink := p.pairedVideo
	if getSink != nil {
		videoSink = getSink()
	} else {
		getSink = func() resource.VideoSink { return nil }
	}
	p.mu.Unlock()

	if end != PrerollNone && sp.Start < end && (sp.Stop == media.TickInvalid || sp.Stop < end) {
		return
	}

	ch, err := p.negSub.BufferNew(videoSink, getSink, p.clk)
	if err != nil {
		p.log.Error("subtitle buffer-new failed", "err", err)
		return
	}
	if ok, _ := p.waitUnblock(); !ok {
		return
	}
	ch.Queue(sp)
}

// ccChild adapts a Subtitle-category Pipeline into a ccdec.Child: CC
// blocks arrive as raw payload bytes and are wrapped into a *media.Unit
// before joining the child's own FIFO.
type ccChild struct{ p *Pipeline }

func (c *ccChild) Enqueue(block []byte, pts int64) {
	_ = c.p.Enqueue(&media.Unit{Payload: block, PTS: pts, DTS: media.TickInvalid}, false)
}

func (c *ccChild) Close() { c.p.Close() }

// NewCCChild adapts child (a Subtitle-category Pipeline already started
// via Start) into a ccdec.Child suitable for the newChild factory passed
// to WithCCSubDecoders.
func NewCCChild(child *Pipeline) ccdec.Child { return &ccChild{p: child} }
