package ccdec

import (
	"errors"
	"testing"

	"github.com/zsiec/vdec/codec"
)

type fakeChild struct {
	id      int
	blocks  [][]byte
}

func (f *fakeChild) Enqueue(block []byte, pts int64) {
	f.blocks = append(f.blocks, block)
}
func (f *fakeChild) Close() {}

func TestGetCcDesc_OnlyChangedOnce(t *testing.T) {
	m := New()
	m.UpdateDescriptor(codec.CCDescriptor{Std: "608", Channels: 0b0101, ReorderDepth: 2})

	formats, changed := m.GetCcDesc()
	if !changed {
		t.Fatal("expected changed on first query")
	}
	if len(formats) != 2 {
		t.Fatalf("expected 2 active channels, got %d", len(formats))
	}
	if formats[0].ID != 1 || formats[0].Channel != 0 {
		t.Errorf("unexpected first format: %+v", formats[0])
	}
	if formats[1].ID != 3 || formats[1].Channel != 2 {
		t.Errorf("unexpected second format: %+v", formats[1])
	}

	_, changed = m.GetCcDesc()
	if changed {
		t.Fatal("expected no change on repeated query with same descriptor")
	}

	m.UpdateDescriptor(codec.CCDescriptor{Std: "608", Channels: 0b0101, ReorderDepth: 2})
	_, changed = m.GetCcDesc()
	if changed {
		t.Fatal("expected no change when descriptor is identical")
	}
}

func TestPlayCc_DuplicatesToAllButLast(t *testing.T) {
	m := New()
	c1 := &fakeChild{id: 1}
	c2 := &fakeChild{id: 2}
	m.CreateSubDec(Format{ID: 1, Channel: 0}, func(Format) Child { return c1 })
	m.CreateSubDec(Format{ID: 2, Channel: 1}, func(Format) Child { return c2 })

	block := []byte{0xAA, 0xBB}
	desc := codec.CCDescriptor{Channels: 0b11}
	m.PlayCc(block, 1000, desc)

	if len(c1.blocks) != 1 || len(c2.blocks) != 1 {
		t.Fatalf("expected both children to receive the block, got c1=%d c2=%d", len(c1.blocks), len(c2.blocks))
	}
	// c1 got a duplicate (independent backing array); mutating the
	// original must not affect it.
	block[0] = 0xFF
	if c1.blocks[0][0] == 0xFF {
		t.Error("expected c1 to receive an independent copy, not alias the original")
	}
	if c2.blocks[0][0] != 0xFF {
		t.Error("expected the last child to receive the original block")
	}
}

func TestPlayCc_NoSubscribersDrops(t *testing.T) {
	m := New()
	m.PlayCc([]byte{1, 2, 3}, 0, codec.CCDescriptor{Channels: 0b1})
	// No panic, nothing to assert beyond "it returned".
}

func TestSetChannelState_DisablesDelivery(t *testing.T) {
	m := New()
	c1 := &fakeChild{id: 1}
	m.CreateSubDec(Format{ID: 1, Channel: 0}, func(Format) Child { return c1 })

	if err := m.SetChannelState(0, false); err != nil {
		t.Fatalf("SetChannelState: %v", err)
	}
	m.PlayCc([]byte{1}, 0, codec.CCDescriptor{Channels: 0b1})
	if len(c1.blocks) != 0 {
		t.Fatalf("expected disabled channel to receive nothing, got %d blocks", len(c1.blocks))
	}

	enabled, err := m.ChannelState(0)
	if err != nil || enabled {
		t.Fatalf("expected channel 0 disabled, got enabled=%v err=%v", enabled, err)
	}

	if _, err := m.ChannelState(9); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel for channel 9, got %v", err)
	}
}

func TestRemoveSubDec(t *testing.T) {
	m := New()
	c1 := &fakeChild{id: 1}
	child := m.CreateSubDec(Format{ID: 1, Channel: 0}, func(Format) Child { return c1 })
	if m.Len() != 1 {
		t.Fatalf("expected 1 child, got %d", m.Len())
	}
	m.RemoveSubDec(child)
	if m.Len() != 0 {
		t.Fatalf("expected 0 children after removal, got %d", m.Len())
	}
}
