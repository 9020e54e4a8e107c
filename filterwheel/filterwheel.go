// Package filterwheel controls emission/excitation filter wheels
package filterwheel

import (
	"fmt"
	"sync"
	"time"

	"github.com/marr-lab/goscope/asi"
)

// Wheel selects optical filters by name
type Wheel interface {
	// SetFilter rotates to the named filter.  If wait is true the call
	// blocks for the wheel's change delay.
	SetFilter(name string, wait bool) error

	// Filter returns the currently selected filter name
	Filter() string
}

// UnknownFilter is returned when a filter name has no slot assignment
type UnknownFilter struct {
	Name string
}

func (e *UnknownFilter) Error() string {
	return fmt.Sprintf("filter wheel: no slot for filter %q", e.Name)
}

// TigerWheel is a filter wheel on an ASI Tiger chassis
type TigerWheel struct {
	mu sync.Mutex

	tiger *asi.Tiger

	// wheel is the chassis wheel index addressed before each command
	wheel int

	// slots maps filter name to wheel slot
	slots map[string]int

	// ChangeDelay is the rotation settle time waited when requested
	ChangeDelay time.Duration

	current string
}

// NewTigerWheel returns the wheel at the given chassis index with the given
// name-to-slot assignment
func NewTigerWheel(tiger *asi.Tiger, wheel int, slots map[string]int) *TigerWheel {
	return &TigerWheel{
		tiger:       tiger,
		wheel:       wheel,
		slots:       slots,
		ChangeDelay: 50 * time.Millisecond,
	}
}

func (w *TigerWheel) SetFilter(name string, wait bool) error {
	slot, ok := w.slots[name]
	if !ok {
		return &UnknownFilter{Name: name}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == name {
		return nil
	}
	if err := w.tiger.SelectWheel(w.wheel); err != nil {
		return err
	}
	if err := w.tiger.SetWheelPosition(slot); err != nil {
		return err
	}
	w.current = name
	if wait {
		time.Sleep(w.ChangeDelay)
	}
	return nil
}

func (w *TigerWheel) Filter() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Synthetic is a no-I/O filter wheel
type Synthetic struct {
	mu      sync.Mutex
	slots   map[string]int
	current string

	// Changes counts completed filter moves
	Changes int
}

// NewSynthetic returns a synthetic wheel with the given name-to-slot
// assignment
func NewSynthetic(slots map[string]int) *Synthetic {
	return &Synthetic{slots: slots}
}

func (w *Synthetic) SetFilter(name string, wait bool) error {
	if _, ok := w.slots[name]; !ok {
		return &UnknownFilter{Name: name}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == name {
		return nil
	}
	w.current = name
	w.Changes++
	return nil
}

func (w *Synthetic) Filter() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
