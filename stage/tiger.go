package stage

import (
	"time"

	"github.com/marr-lab/goscope/asi"
)

// asiUnitsPerMicron converts between microns and the controller's wire
// units (tenths of microns)
const asiUnitsPerMicron = 10.0

// TigerStage adapts an ASI Tiger chassis to the Controller contract.  One
// chassis may back several logical devices; the mapping from logical axes to
// hardware axis letters is per-instance.
type TigerStage struct {
	tiger *asi.Tiger

	// hw maps logical axis to the chassis's axis letter
	hw map[Axis]string
	// logical is the reverse of hw
	logical map[string]Axis
	axes    []Axis

	// WaitTimeout bounds busy polls when wait_until_done is requested
	WaitTimeout time.Duration
}

// NewTigerStage wires the given logical axes to hardware axis letters on one
// Tiger chassis.  The tiger must already be initialized.
func NewTigerStage(tiger *asi.Tiger, mapping map[Axis]string) *TigerStage {
	s := &TigerStage{
		tiger:       tiger,
		hw:          make(map[Axis]string, len(mapping)),
		logical:     make(map[string]Axis, len(mapping)),
		WaitTimeout: asi.DefaultWaitTimeout,
	}
	for ax, letter := range mapping {
		s.hw[ax] = letter
		s.logical[letter] = ax
		s.axes = append(s.axes, ax)
	}
	return s
}

// Axes returns the logical axes mapped onto this chassis
func (s *TigerStage) Axes() []Axis {
	return s.axes
}

// MoveAbsolute moves the given axes to absolute positions in microns
func (s *TigerStage) MoveAbsolute(pos map[Axis]float64, wait bool) (bool, error) {
	hwAxes := make([]string, 0, len(pos))
	targets := make([]float64, 0, len(pos))
	for ax, um := range pos {
		hwAxes = append(hwAxes, s.hw[ax])
		targets = append(targets, um*asiUnitsPerMicron)
	}
	if err := s.tiger.MoveAbsMulti(hwAxes, targets); err != nil {
		return false, err
	}
	if wait {
		if err := s.tiger.WaitForDevice(s.WaitTimeout); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MoveRelative moves the given axes by deltas in microns
func (s *TigerStage) MoveRelative(delta map[Axis]float64, wait bool) (bool, error) {
	for ax, um := range delta {
		if err := s.tiger.MoveRel(s.hw[ax], um*asiUnitsPerMicron); err != nil {
			return false, err
		}
	}
	if wait {
		if err := s.tiger.WaitForDevice(s.WaitTimeout); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Position reports every owned axis in microns
func (s *TigerStage) Position() (map[Axis]float64, error) {
	hwAxes := make([]string, 0, len(s.hw))
	for _, letter := range s.hw {
		hwAxes = append(hwAxes, letter)
	}
	raw, err := s.tiger.GetPosMulti(hwAxes)
	if err != nil {
		return nil, err
	}
	out := make(map[Axis]float64, len(raw))
	for letter, units := range raw {
		out[s.logical[letter]] = units / asiUnitsPerMicron
	}
	return out, nil
}

// Stop halts all motion on the chassis
func (s *TigerStage) Stop() error {
	return s.tiger.Halt()
}
