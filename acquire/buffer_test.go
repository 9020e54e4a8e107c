package acquire

import (
	"errors"
	"testing"
)

func TestFrameBufferSealAndRead(t *testing.T) {
	b, err := NewFrameBuffer(4, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Frame(0); err == nil {
		t.Fatal("read of unwritten slot did not fail")
	}
	if err := b.Write(0, func(buf []uint16) {
		for i := range buf {
			buf[i] = uint16(i)
		}
	}); err != nil {
		t.Fatal(err)
	}
	frame, err := b.Frame(0)
	if err != nil {
		t.Fatal(err)
	}
	if frame[5] != 5 {
		t.Errorf("frame[5] = %d, expected 5", frame[5])
	}
	if _, err := b.Frame(1); err == nil {
		t.Error("unwritten sibling slot readable")
	}
}

func TestFrameBufferDetectsTornFrame(t *testing.T) {
	b, err := NewFrameBuffer(4, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(0, func(buf []uint16) {
		for i := range buf {
			buf[i] = 7
		}
	}); err != nil {
		t.Fatal(err)
	}
	frame, err := b.Frame(0)
	if err != nil {
		t.Fatal(err)
	}
	// mutate behind the seal, as a racing recycle would
	frame[3] = 9999
	if _, err := b.Frame(0); err == nil {
		t.Fatal("corrupted slot passed checksum verification")
	}
}

func TestFrameBufferSlotRange(t *testing.T) {
	b, _ := NewFrameBuffer(4, 4, 3)
	if err := b.Write(3, func([]uint16) {}); err == nil {
		t.Error("out-of-range write accepted")
	}
	if err := b.Write(-1, func([]uint16) {}); err == nil {
		t.Error("negative slot write accepted")
	}
}

func TestResizeRetiresOldGeneration(t *testing.T) {
	b, _ := NewFrameBuffer(8, 8, 4)
	if err := b.Write(2, func(buf []uint16) { buf[0] = 1 }); err != nil {
		t.Fatal(err)
	}
	gen := b.Generation()
	retired := false
	err := b.Resize(16, 16, 2, func() error {
		retired = true
		if b.Generation() != gen {
			t.Error("new generation allocated before retire completed")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !retired {
		t.Fatal("retire hook never ran")
	}
	if got := b.Slots(); got != 2 {
		t.Errorf("got %d slots after resize, expected 2", got)
	}
	if x, y := b.FrameSize(); x != 16 || y != 16 {
		t.Errorf("got %dx%d after resize, expected 16x16", x, y)
	}
	if _, err := b.Frame(1); err == nil {
		t.Error("retired generation's frame still readable")
	}
}

func TestResizeRetireFailureKeepsBuffer(t *testing.T) {
	b, _ := NewFrameBuffer(8, 8, 4)
	boom := errors.New("series still open")
	if err := b.Resize(16, 16, 2, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected retire error, got %v", err)
	}
	if got := b.Slots(); got != 4 {
		t.Errorf("buffer reallocated despite retire failure: %d slots", got)
	}
}
