package acquire

import (
	"fmt"
	"sync"

	"github.com/snksoft/crc"
)

// FrameBuffer is the shared image buffer: n fixed-size slots of x by y
// 16-bit pixels with exactly one writer.  Each completed write is sealed
// with a checksum, so a reader that races a recycle sees a checksum
// mismatch instead of a torn frame.
type FrameBuffer struct {
	mu sync.Mutex

	x, y  int
	slots [][]uint16
	sums  []uint64
	fresh []bool

	// generation counts reallocations; frames from a retired generation
	// are gone
	generation int

	scratch []byte
}

// NewFrameBuffer allocates n slots of x by y pixels
func NewFrameBuffer(x, y, n int) (*FrameBuffer, error) {
	if x < 1 || y < 1 || n < 1 {
		return nil, fmt.Errorf("acquire: invalid buffer geometry %dx%dx%d", x, y, n)
	}
	b := &FrameBuffer{}
	b.alloc(x, y, n)
	return b, nil
}

func (b *FrameBuffer) alloc(x, y, n int) {
	b.x, b.y = x, y
	b.slots = make([][]uint16, n)
	for i := range b.slots {
		b.slots[i] = make([]uint16, x*y)
	}
	b.sums = make([]uint64, n)
	b.fresh = make([]bool, n)
	b.scratch = make([]byte, 2*x*y)
	b.generation++
}

// Slots returns the slot count
func (b *FrameBuffer) Slots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// FrameSize returns the per-slot geometry
func (b *FrameBuffer) FrameSize() (x, y int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.x, b.y
}

// Generation returns the current allocation generation
func (b *FrameBuffer) Generation() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

func (b *FrameBuffer) checksum(slot int) uint64 {
	for i, v := range b.slots[slot] {
		b.scratch[2*i] = byte(v)
		b.scratch[2*i+1] = byte(v >> 8)
	}
	return crc.CalculateCRC(crc.CCITT, b.scratch)
}

// Write fills one slot through fill and seals it.  The frame is not visible
// to Frame until the fill and the seal have both completed.
func (b *FrameBuffer) Write(slot int, fill func(buf []uint16)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("acquire: slot %d out of range [0,%d)", slot, len(b.slots))
	}
	b.fresh[slot] = false
	fill(b.slots[slot])
	b.sums[slot] = b.checksum(slot)
	b.fresh[slot] = true
	return nil
}

// Frame returns the contents of one slot after verifying its seal.  The
// returned slice aliases the buffer; it is valid until the slot is recycled.
func (b *FrameBuffer) Frame(slot int) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= len(b.slots) {
		return nil, fmt.Errorf("acquire: slot %d out of range [0,%d)", slot, len(b.slots))
	}
	if !b.fresh[slot] {
		return nil, fmt.Errorf("acquire: slot %d has no sealed frame", slot)
	}
	if sum := b.checksum(slot); sum != b.sums[slot] {
		return nil, fmt.Errorf("acquire: slot %d checksum mismatch", slot)
	}
	return b.slots[slot], nil
}

// Resize retires the current buffer and allocates a new geometry.  retire
// runs before the new allocation so an in-flight image series is closed
// while the old generation is still the only one; the two generations are
// never concurrently writable.  retire may be nil.
func (b *FrameBuffer) Resize(x, y, n int, retire func() error) error {
	if x < 1 || y < 1 || n < 1 {
		return fmt.Errorf("acquire: invalid buffer geometry %dx%dx%d", x, y, n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if retire != nil {
		if err := retire(); err != nil {
			return fmt.Errorf("acquire: retiring buffer generation %d: %w", b.generation, err)
		}
	}
	b.alloc(x, y, n)
	return nil
}
