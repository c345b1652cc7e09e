package prevframe

import (
	"testing"

	"github.com/zsiec/vdec/media"
)

func TestHelper_RequestThenWalkBack(t *testing.T) {
	h := New()

	steps := h.Request()
	if steps != SeekStepsInitial {
		t.Fatalf("first request should ask for %d steps, got %d", SeekStepsInitial, steps)
	}
	if h.PendingRequests() != 1 {
		t.Fatalf("expected 1 pending request, got %d", h.PendingRequests())
	}

	// While flushing, any arriving picture is dropped and no candidate is
	// retained.
	lastPTS := int64(10_000)
	out, seekSteps := h.AddPic(&media.Picture{PTS: 9_000}, &lastPTS)
	if out != nil || seekSteps != SeekStepsNone {
		t.Fatalf("expected drop while flushing, got out=%v steps=%d", out, seekSteps)
	}

	// Upstream clears flushing once it has performed the seek and starts
	// re-feeding; here we simulate that by clearing flushing directly via
	// Flush (as the worker does on the flush() path).
	h.Flush()

	// First picture after the seek becomes the retained candidate.
	out, seekSteps = h.AddPic(&media.Picture{PTS: 8_000}, &lastPTS)
	if out != nil || seekSteps != SeekStepsNone {
		t.Fatalf("candidate retention should not emit output, got out=%v", out)
	}

	// A later picture whose date is >= lastPTS confirms the retained
	// candidate is the previous frame.
	out, seekSteps = h.AddPic(&media.Picture{PTS: 10_500}, &lastPTS)
	if out == nil {
		t.Fatal("expected the retained candidate to be returned")
	}
	if out.PTS != 8_000 {
		t.Fatalf("expected candidate pts 8000, got %d", out.PTS)
	}
	if out.Next == nil || out.Next.PTS != 10_500 {
		t.Fatalf("expected resume picture threaded onto Next, got %+v", out.Next)
	}
	if lastPTS != 8_000 {
		t.Fatalf("lastPTS should now read the candidate's pts, got %d", lastPTS)
	}
	if seekSteps != SeekStepsNone {
		t.Fatalf("no more requests pending, expected no new seek, got %d", seekSteps)
	}
	if h.PendingRequests() != 0 {
		t.Fatalf("expected 0 pending requests, got %d", h.PendingRequests())
	}
}

func TestHelper_OvershootGrowsSeekSteps(t *testing.T) {
	h := New()
	h.Request()
	h.Flush() // simulate upstream having performed the seek

	lastPTS := int64(10_000)
	// Every picture we see already has a date >= lastPTS: we overshot and
	// never got a chance to retain a candidate.
	out, seekSteps := h.AddPic(&media.Picture{PTS: 11_000}, &lastPTS)
	if out != nil {
		t.Fatalf("expected no output on overshoot, got %v", out)
	}
	wantSteps := SeekStepsInitial + 2*SeekStepsInitial
	if seekSteps != wantSteps {
		t.Fatalf("expected grown seek step count %d, got %d", wantSteps, seekSteps)
	}
	if !h.flushingForTest() {
		t.Fatal("expected helper to re-enter flushing after overshoot")
	}
}

func TestHelper_OutOfRangeCap(t *testing.T) {
	h := NewWithGrowth(100)
	h.seekSteps = 150
	h.reqCount = 1
	h.Flush()

	lastPTS := int64(0)
	h.AddPic(&media.Picture{PTS: 1}, &lastPTS)
	if !h.OutOfRange() {
		t.Fatalf("expected seek steps %d to exceed cap %d", h.seekSteps, SeekStepsCap)
	}
}

func (h *Helper) flushingForTest() bool { return h.flushing }
