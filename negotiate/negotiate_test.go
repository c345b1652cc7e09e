package negotiate

import (
	"testing"

	"github.com/zsiec/vdec/media"
	"github.com/zsiec/vdec/resource"
)

func TestDPBSize(t *testing.T) {
	cases := []struct {
		family string
		extra  int
		want   int
	}{
		{"h264", 0, 20},
		{"hevc", 1, 21},
		{"av1", 0, 10},
		{"vp8", 0, 5},
		{"theora", 0, 4}, // unrecognized family falls back to default
	}
	for _, c := range cases {
		if got := DPBSize(c.family, c.extra); got != c.want {
			t.Errorf("DPBSize(%q, %d) = %d, want %d", c.family, c.extra, got, c.want)
		}
	}
}

func TestVideo_UpdateRecreatesOnGeometryChange(t *testing.T) {
	pool := resource.NewPool()
	v := NewVideo(pool, false)

	fmt1 := media.VideoFormat{Width: 1920, Height: 1080, Chroma: "yuv420p"}
	sink1, state1, err := v.Update(fmt1, nil, 0, "h264", 0)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if state1 != resource.Started {
		t.Fatalf("expected Started on first sink, got %v", state1)
	}

	// Same format: no churn.
	sink2, state2, err := v.Update(fmt1, nil, 0, "h264", 0)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if state2 != resource.NotChanged || sink2 != sink1 {
		t.Fatalf("expected same sink and NotChanged, got sink changed=%v state=%v", sink2 != sink1, state2)
	}

	// Resolution change: must recreate.
	fmt2 := media.VideoFormat{Width: 1280, Height: 720, Chroma: "yuv420p"}
	sink3, state3, err := v.Update(fmt2, nil, 0, "h264", 0)
	if err != nil {
		t.Fatalf("third update: %v", err)
	}
	if state3 != resource.Started {
		t.Fatalf("expected Started after geometry change, got %v", state3)
	}
	if sink3 == sink1 {
		t.Fatal("expected a new sink after geometry change")
	}
}

func TestAudio_UpdateReusesStreamWhenFormatStable(t *testing.T) {
	pool := resource.NewPool()
	a := NewAudio(pool, DolbyAuto)

	fmt1 := media.AudioFormat{BytesPerFrame: 4, SampleFormat: "s16", ChannelLayout: 3}
	eff1, err := a.Update(fmt1, nil)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if eff1.BytesPerFrame != 4 {
		t.Fatalf("expected effective format echoed back, got %+v", eff1)
	}
	stream1 := a.Stream()

	eff2, err := a.Update(fmt1, nil)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if a.Stream() != stream1 {
		t.Fatal("expected stream reused when format unchanged")
	}
	_ = eff2
}
