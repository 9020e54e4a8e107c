package comm_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/marr-lab/goscope/comm"
)

type fakeHandle struct {
	id     string
	closed bool
}

func (f *fakeHandle) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry() *comm.Registry {
	r := comm.NewRegistry()
	r.RedialWait = time.Millisecond
	return r
}

func TestBuildConnectionIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	connect := func() (io.Closer, error) {
		calls++
		return &fakeHandle{id: "COM3"}, nil
	}
	h1, err := r.BuildConnection("COM3", connect, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.BuildConnection("COM3", connect, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("second build did not return the cached handle")
	}
	if calls != 1 {
		t.Errorf("connect called %d times, expected 1", calls)
	}
}

func TestBuildConnectionRetriesThenSucceeds(t *testing.T) {
	r := newTestRegistry()
	const failures = 2
	calls := 0
	var partials []*fakeHandle
	connect := func() (io.Closer, error) {
		calls++
		if calls <= failures {
			p := &fakeHandle{}
			partials = append(partials, p)
			return p, errors.New("device busy")
		}
		return &fakeHandle{id: "COM4"}, nil
	}
	_, err := r.BuildConnection("COM4", connect, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if calls != failures+1 {
		t.Errorf("connect called %d times, expected %d", calls, failures+1)
	}
	for i, p := range partials {
		if !p.closed {
			t.Errorf("partial handle %d was not destroyed between attempts", i)
		}
	}
}

func TestBuildConnectionExhaustsRetries(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	last := errors.New("no carrier")
	connect := func() (io.Closer, error) {
		calls++
		return nil, last
	}
	_, err := r.BuildConnection("COM5", connect, 3, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 3 {
		t.Errorf("connect called %d times, expected exactly 3", calls)
	}
	var cf *comm.ConnectionFailed
	if !errors.As(err, &cf) {
		t.Fatalf("expected *ConnectionFailed, got %T", err)
	}
	if cf.Tries != 3 {
		t.Errorf("ConnectionFailed.Tries = %d, expected 3", cf.Tries)
	}
	if !errors.Is(err, last) {
		t.Error("ConnectionFailed does not wrap the last error")
	}
	// failure is not cached; a later build runs connect again
	r.BuildConnection("COM5", connect, 1, nil)
	if calls != 4 {
		t.Error("failed build was cached")
	}
}

func TestBuildConnectionNonRetryableAbortsImmediately(t *testing.T) {
	r := newTestRegistry()
	fatal := errors.New("no such port")
	calls := 0
	connect := func() (io.Closer, error) {
		calls++
		return nil, fatal
	}
	_, err := r.BuildConnection("COM6", connect, 10, func(err error) bool { return false })
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("connect called %d times, expected 1 for a non-retryable error", calls)
	}
}

type fakeCamera struct {
	fakeHandle
	sn string
}

func (f *fakeCamera) SerialNumber() string { return f.sn }

func TestBuildSequencedIndexesBySerialNumber(t *testing.T) {
	r := newTestRegistry()
	serials := []string{"A100", "B200", "C300"}
	opened := 0
	connect := func(slot int) (comm.SerialNumbered, error) {
		opened++
		return &fakeCamera{sn: serials[slot]}, nil
	}
	h, err := r.BuildSequenced("camera", "B200", connect, len(serials), 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.SerialNumber() != "B200" {
		t.Errorf("got serial %s, expected B200", h.SerialNumber())
	}
	if opened != 2 {
		t.Errorf("opened %d slots, expected enumeration to stop at 2", opened)
	}
	// the device found in slot 0 is already indexed; no new enumeration
	h2, err := r.BuildSequenced("camera", "A100", connect, len(serials), 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2.SerialNumber() != "A100" {
		t.Errorf("got serial %s, expected A100", h2.SerialNumber())
	}
	if opened != 2 {
		t.Errorf("opened %d slots, expected cached lookup to open none", opened)
	}
	// an unseen serial resumes from the next unopened slot
	if _, err := r.BuildSequenced("camera", "C300", connect, len(serials), 3, nil); err != nil {
		t.Fatal(err)
	}
	if opened != 3 {
		t.Errorf("opened %d slots, expected resume at slot 2", opened)
	}
}

func TestBuildSequencedNotFound(t *testing.T) {
	r := newTestRegistry()
	connect := func(slot int) (comm.SerialNumbered, error) {
		return &fakeCamera{sn: "A100"}, nil
	}
	_, err := r.BuildSequenced("camera", "Z999", connect, 1, 3, nil)
	var nf *comm.DeviceNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected *DeviceNotFound, got %v", err)
	}
}

func TestRegistryCloseDestroysEverything(t *testing.T) {
	r := newTestRegistry()
	h := &fakeHandle{id: "COM3"}
	r.BuildConnection("COM3", func() (io.Closer, error) { return h, nil }, 1, nil)
	cam := &fakeCamera{sn: "A100"}
	r.BuildSequenced("camera", "A100", func(int) (comm.SerialNumbered, error) { return cam, nil }, 1, 1, nil)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.closed || !cam.closed {
		t.Error("Close left a live handle")
	}
	if len(r.Handles()) != 0 {
		t.Error("handles remain after Close")
	}
}
