package laser

import (
	"fmt"
	"sync"

	"github.com/marr-lab/goscope/asi"
	"github.com/marr-lab/goscope/util"
)

// TigerLaser modulates a laser through a DAC axis on an ASI Tiger chassis.
// Several lasers multiplex over one chassis connection; the Tiger's internal
// lock serializes them.
type TigerLaser struct {
	mu sync.Mutex

	tiger *asi.Tiger

	wavelength int
	axis       string

	// MinCounts and MaxCounts span the DAC range mapped to 0-100% power
	MinCounts float64
	MaxCounts float64

	power float64
	on    bool
}

// NewTigerLaser returns a laser driven by the given DAC axis.  minCounts and
// maxCounts map to 0 and 100 percent power.
func NewTigerLaser(tiger *asi.Tiger, wavelength int, axis string, minCounts, maxCounts float64) *TigerLaser {
	return &TigerLaser{
		tiger:      tiger,
		wavelength: wavelength,
		axis:       axis,
		MinCounts:  minCounts,
		MaxCounts:  maxCounts,
	}
}

func (l *TigerLaser) Wavelength() int {
	return l.wavelength
}

func (l *TigerLaser) counts(percent float64) float64 {
	percent = util.Clamp(percent, 0, 100)
	return l.MinCounts + (l.MaxCounts-l.MinCounts)*percent/100
}

// SetPower stores the modulation level and, if the line is energized,
// applies it immediately
func (l *TigerLaser) SetPower(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("laser %dnm: power %f out of [0, 100]", l.wavelength, percent)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.power = percent
	if l.on {
		return l.tiger.SetDAC(l.axis, l.counts(percent))
	}
	return nil
}

// TurnOn energizes the line at the stored power
func (l *TigerLaser) TurnOn() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tiger.SetDAC(l.axis, l.counts(l.power)); err != nil {
		return err
	}
	l.on = true
	return nil
}

// TurnOff drives the DAC to its minimum
func (l *TigerLaser) TurnOff() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tiger.SetDAC(l.axis, l.MinCounts); err != nil {
		return err
	}
	l.on = false
	return nil
}
