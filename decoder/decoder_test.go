package decoder

import (
	"sync"
	"testing"
	"time"

	"github.com/zsiec/vdec/clock"
	"github.com/zsiec/vdec/codec"
	"github.com/zsiec/vdec/media"
	"github.com/zsiec/vdec/resource"
)

// fakeVideoCodec decodes each unit into one picture carrying the unit's
// PTS straight through, counting how many Decode calls it has received.
type fakeVideoCodec struct {
	mu      sync.Mutex
	decoded int
	closed  bool
	result  codec.Result
}

func (f *fakeVideoCodec) Decode(u *media.Unit, output func(*media.Picture)) codec.Result {
	f.mu.Lock()
	f.decoded++
	res := f.result
	f.mu.Unlock()
	if res == codec.Success {
		output(&media.Picture{PTS: u.PTS, Width: 640, Height: 480, Chroma: "yuv420p"})
	}
	return res
}
func (f *fakeVideoCodec) Flush()               {}
func (f *fakeVideoCodec) Format() media.VideoFormat {
	return media.VideoFormat{Width: 640, Height: 480, Chroma: "yuv420p"}
}
func (f *fakeVideoCodec) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func newPipelineUnderTest(t *testing.T, codecImpl *fakeVideoCodec) (*Pipeline, *resource.Pool) {
	t.Helper()
	pool := resource.NewPool()
	clk := clock.New(time.Microsecond)
	var rebuilds int
	p := New("video-0", media.Video, clk, pool,
		WithVideoCodec(codecImpl, func() (codec.VideoDecoder, error) {
			rebuilds++
			return &fakeVideoCodec{result: codec.Success}, nil
		}),
		WithCodecFamily("h264", 0),
		WithMaster(true),
	)
	p.Start()
	t.Cleanup(p.Close)
	return p, pool
}

func TestPipeline_EnqueuedUnitsAllReachCodec(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	p, _ := newPipelineUnderTest(t, fc)

	for i := 0; i < 5; i++ {
		err := p.Enqueue(&media.Unit{PTS: int64(i * 1000), DTS: media.TickInvalid}, true)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		n := fc.decoded
		fc.mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for units to be decoded, got %d/5", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_FlushDiscardsQueuedUnits(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	p, _ := newPipelineUnderTest(t, fc)

	if err := p.Enqueue(&media.Unit{PTS: 0, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}
	p.Flush()

	if !p.IsEmpty() {
		t.Fatal("expected FIFO empty after flush")
	}
}

func TestPipeline_DrainCompletesAfterPendingUnits(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	p, _ := newPipelineUnderTest(t, fc)

	for i := 0; i < 3; i++ {
		if err := p.Enqueue(&media.Unit{PTS: int64(i * 1000), DTS: media.TickInvalid}, true); err != nil {
			t.Fatal(err)
		}
	}
	p.Drain()

	deadline := time.Now().Add(2 * time.Second)
	for !p.IsDrained() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for drain to complete")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_ReloadResultRebuildsCodecOnce(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Reload}
	var rebuilds int
	var mu sync.Mutex
	pool := resource.NewPool()
	clk := clock.New(time.Microsecond)
	p := New("video-reload", media.Video, clk, pool,
		WithVideoCodec(fc, func() (codec.VideoDecoder, error) {
			mu.Lock()
			rebuilds++
			mu.Unlock()
			return &fakeVideoCodec{result: codec.Success}, nil
		}),
		WithCodecFamily("h264", 0),
		WithMaster(true),
	)
	p.Start()
	defer p.Close()

	if err := p.Enqueue(&media.Unit{PTS: 0, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := rebuilds
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for codec reload")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_CriticalResultLatchesErrorFlag(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Critical}
	p, _ := newPipelineUnderTest(t, fc)

	if err := p.Enqueue(&media.Unit{PTS: 0, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if errFlag, kind := p.Error(); errFlag {
			if kind != ErrorTransientCodec {
				t.Fatalf("expected ErrorTransientCodec, got %v", kind)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for error flag to latch")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_StartWaitHoldsFirstOutputUntilStopWait(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	p, _ := newPipelineUnderTest(t, fc)

	p.StartWait()
	if err := p.Enqueue(&media.Unit{PTS: 0, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait() to observe b_has_data")
	}

	p.StopWait()
}

func TestPipeline_FramePreviousSeeksThenDeliversEarlierPicture(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	pool := resource.NewPool()
	clk := clock.New(time.Microsecond)

	var mu sync.Mutex
	var seekSteps []int
	var statuses []error
	cbs := Callbacks{
		FramePreviousSeek: func(pts int64, num, den, steps int, failed bool) {
			mu.Lock()
			seekSteps = append(seekSteps, steps)
			mu.Unlock()
		},
		FramePreviousStatus: func(err error) {
			mu.Lock()
			statuses = append(statuses, err)
			mu.Unlock()
		},
	}

	p := New("video-prev", media.Video, clk, pool,
		WithVideoCodec(fc, func() (codec.VideoDecoder, error) { return &fakeVideoCodec{result: codec.Success}, nil }),
		WithCodecFamily("h264", 0),
		WithMaster(true),
		WithCallbacks(cbs),
	)
	p.Start()
	defer p.Close()

	for i := 0; i < 3; i++ {
		if err := p.Enqueue(&media.Unit{PTS: int64(i * 1000), DTS: media.TickInvalid}, true); err != nil {
			t.Fatal(err)
		}
	}
	waitForCondition(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.decoded >= 3
	}, "initial frames to decode")

	p.ChangePause(true, time.Now())
	waitForCondition(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.outputPaused
	}, "pause mirror to sync")

	p.FramePrevious()
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seekSteps) == 1
	}, "frame_previous_seek to fire")
	mu.Lock()
	if seekSteps[0] != 1 {
		t.Fatalf("expected initial seek step count 1, got %d", seekSteps[0])
	}
	mu.Unlock()

	// A real seek re-feeds the decoder, which always flushes it first;
	// this also clears the prev-frame helper's own flushing latch so the
	// re-fed pictures below actually reach AddPic instead of being
	// ignored as still belonging to the pre-seek generation.
	p.Flush()

	if err := p.Enqueue(&media.Unit{PTS: 500, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(&media.Unit{PTS: 2000, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range statuses {
			if s == nil {
				return true
			}
		}
		return false
	}, "frame_previous_status(0) to fire")

	p.mu.Lock()
	got := p.lastDisplayPTS
	pending := p.framePrevPending
	p.mu.Unlock()
	if got != 500 {
		t.Fatalf("expected last displayed pts to walk back to 500, got %d", got)
	}
	if pending != 0 {
		t.Fatalf("expected no pending frame_previous requests left, got %d", pending)
	}
}

func TestPipeline_PrerollDiscardsOutputUntilBoundaryThenFlushesOnce(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	p, _ := newPipelineUnderTest(t, fc)

	for i, pts := range []int64{0, 330, 660} {
		u := &media.Unit{PTS: pts, DTS: media.TickInvalid, Flags: media.FlagPreroll}
		if err := p.Enqueue(u, true); err != nil {
			t.Fatalf("enqueue preroll unit %d: %v", i, err)
		}
	}
	for i, pts := range []int64{990, 1320, 1650} {
		u := &media.Unit{PTS: pts, DTS: media.TickInvalid}
		if err := p.Enqueue(u, true); err != nil {
			t.Fatalf("enqueue plain unit %d: %v", i, err)
		}
	}

	waitForCondition(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.decoded >= 6
	}, "all 6 units to reach the codec")

	waitForCondition(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.negVideo.Sink() != nil && p.negVideo.Sink().Stats().Displayed >= 3
	}, "the 3 post-boundary pictures to reach the sink")

	p.mu.Lock()
	end := p.prerollEnd
	displayed := p.negVideo.Sink().Stats().Displayed
	p.mu.Unlock()
	if end != PrerollNone {
		t.Fatalf("expected preroll cleared after crossing the boundary, got %d", end)
	}
	if displayed != 3 {
		t.Fatalf("expected exactly the 3 post-boundary pictures displayed, got %d", displayed)
	}
}

func waitForCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_PauseBlocksDisplayUntilFrameNext(t *testing.T) {
	fc := &fakeVideoCodec{result: codec.Success}
	p, pool := newPipelineUnderTest(t, fc)

	p.ChangePause(true, time.Now())
	if err := p.Enqueue(&media.Unit{PTS: 1000, DTS: media.TickInvalid}, true); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	fc.mu.Lock()
	decodedWhilePaused := fc.decoded
	fc.mu.Unlock()
	if decodedWhilePaused != 0 {
		t.Fatalf("expected no decoding while paused with no frame_next pending, got %d", decodedWhilePaused)
	}

	p.FrameNext()

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		n := fc.decoded
		fc.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for frame_next to release one unit")
		}
		time.Sleep(time.Millisecond)
	}
	_ = pool
}
