// Package prevframe implements the previous-frame helper: a small state
// machine that records the last displayed picture and, on request, walks
// backward to an earlier one by asking the upstream to seek back a
// growing number of frames (spec §4.4, Glossary "Prev-frame / next-frame").
//
// This is a direct port of VLC's decoder_prevframe.c/.h, restated in Go
// idiom: the helper owns no goroutines or locks of its own — the decoder
// worker calls it with its FIFO lock already held, exactly as the
// original is only ever called with the input decoder's fifo lock held.
package prevframe

import "github.com/zsiec/vdec/media"

// SeekStepsNone is returned in place of a real seek-step count when no
// new upstream seek should be issued.
const SeekStepsNone = 0

// SeekStepsInitial is the first seek-step count a request uses, and the
// amount the failure-growth path adds twice of on an overshoot (spec §4.4,
// §9 "additive, not multiplicative; expose the growth policy as a
// parameter" — this package takes growth as a constructor parameter for
// exactly that reason).
const SeekStepsInitial = 1

// SeekStepsCap is the point beyond which the helper gives up and reports
// out-of-range instead of emitting another seek (spec §3 invariant 8, §4.4
// "Failure cap").
const SeekStepsCap = 200

// Helper is the previous-frame state machine. The zero value is not
// usable; construct with New.
type Helper struct {
	pic       *media.Picture
	reqCount  int
	seekSteps int
	flushing  bool
	failed    bool

	// growthStep is added twice on an overshoot (seekSteps += 2*growthStep);
	// defaults to SeekStepsInitial, matching the original's literal
	// DEC_PF_SEEK_STEPS_INITIAL*2, but is a parameter per spec §9's
	// explicit instruction not to guess whether growth should be additive
	// or geometric.
	growthStep int
}

// New creates a Helper with the default additive growth policy.
func New() *Helper {
	return &Helper{seekSteps: SeekStepsInitial, growthStep: SeekStepsInitial}
}

// NewWithGrowth creates a Helper whose overshoot growth step is
// growthStep instead of the default SeekStepsInitial.
func NewWithGrowth(growthStep int) *Helper {
	h := New()
	h.growthStep = growthStep
	return h
}

// Reset clears all retained state and seek-step growth, used when the
// decoder is recreated or playback restarts from scratch.
func (h *Helper) Reset() {
	h.Flush()
	h.seekSteps = SeekStepsInitial
	h.reqCount = 0
}

// Flush releases any retained candidate picture and clears the flushing
// and failed flags, without resetting the seek-step growth (spec §4.1
// worker step 1: a plain flush() does not reset the prev-frame helper's
// progress, only Reset does, on restart).
func (h *Helper) Flush() {
	h.pic = nil
	h.flushing = false
	h.failed = false
}

// Request registers one outstanding previous-frame request. It returns
// the seek-step count the caller should ask the upstream to seek back by,
// or SeekStepsNone if a request is already in flight and this one simply
// increments the pending count (spec §4.4 algorithm, decoder_prevframe_Request).
func (h *Helper) Request() int {
	var steps int
	if h.reqCount == 0 {
		steps = h.seekSteps
		h.flushing = true
	} else {
		steps = SeekStepsNone
	}
	h.reqCount++
	return steps
}

// AddPic feeds one decoded picture through the helper. lastPTS is the
// last-known reference presentation time on entry and is updated in
// place when the helper recognizes the previous frame. It returns the
// picture to push to the sink (nil if none), and the seek-step count for
// a new upstream seek request (SeekStepsNone if none is needed).
//
// pic may be nil to represent "no further picture available this round"
// (e.g. the codec produced nothing). A nil pic is handled like a picture
// dated at or past lastPTS: it never becomes the candidate, and it takes
// the overshoot path when no candidate is retained and a request is
// pending.
func (h *Helper) AddPic(pic *media.Picture, lastPTS *int64) (out *media.Picture, seekSteps int) {
	pts := *lastPTS
	seekSteps = SeekStepsNone

	if h.flushing {
		return nil, SeekStepsNone
	}

	if pic != nil && pts <= pic.PTS && h.pic != nil {
		// Reached the previous frame: the retained candidate is it.
		resume := pic
		out = h.pic
		h.reqCount--
		h.pic = nil

		*lastPTS = out.PTS

		if h.reqCount > 0 {
			seekSteps = h.seekSteps
			h.flushing = true
		}

		out.Next = resume
		return out, seekSteps
	}

	if pic == nil || pic.PTS >= pts {
		if h.pic == nil && !h.failed && h.reqCount > 0 {
			// Overshot: we never retained a candidate before crossing pts,
			// so the upstream needs to seek back further.
			h.seekSteps += 2 * h.growthStep
			h.failed = true
			h.flushing = true
			seekSteps = h.seekSteps
		}
		return nil, seekSteps
	}

	// Replace the retained candidate; we only learn it was a candidate
	// once a later picture's date tells us so.
	h.pic = pic
	return nil, SeekStepsNone
}

// OutOfRange reports whether the seek-step count has exceeded the cap, in
// which case the caller should report frame_previous_status(-ERANGE)
// instead of emitting another seek (spec §4.4 "Failure cap").
func (h *Helper) OutOfRange() bool {
	return h.seekSteps > SeekStepsCap
}

// PendingRequests returns the number of outstanding previous-frame
// requests not yet serviced.
func (h *Helper) PendingRequests() int { return h.reqCount }
