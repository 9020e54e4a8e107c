package laser

import (
	"fmt"
	"sync"
)

// Synthetic is a no-I/O laser
type Synthetic struct {
	mu         sync.Mutex
	wavelength int
	power      float64
	on         bool
}

// NewSynthetic returns a synthetic laser for the given wavelength
func NewSynthetic(wavelength int) *Synthetic {
	return &Synthetic{wavelength: wavelength}
}

func (l *Synthetic) Wavelength() int {
	return l.wavelength
}

func (l *Synthetic) SetPower(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("laser %dnm: power %f out of [0, 100]", l.wavelength, percent)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.power = percent
	return nil
}

func (l *Synthetic) TurnOn() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = true
	return nil
}

func (l *Synthetic) TurnOff() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = false
	return nil
}

// State reports the current power and whether the line is energized
func (l *Synthetic) State() (power float64, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.power, l.on
}
