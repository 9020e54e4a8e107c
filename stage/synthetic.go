package stage

import "sync"

// Synthetic is a no-I/O Controller for development and testing.  Moves
// complete instantly.
type Synthetic struct {
	mu   sync.Mutex
	axes []Axis
	pos  map[Axis]float64
}

// NewSynthetic returns a Synthetic owning the given axes, all at position 0
func NewSynthetic(axes ...Axis) *Synthetic {
	pos := make(map[Axis]float64, len(axes))
	for _, ax := range axes {
		pos[ax] = 0
	}
	return &Synthetic{axes: axes, pos: pos}
}

func (s *Synthetic) Axes() []Axis {
	return s.axes
}

func (s *Synthetic) MoveAbsolute(pos map[Axis]float64, wait bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ax, v := range pos {
		s.pos[ax] = v
	}
	return true, nil
}

func (s *Synthetic) MoveRelative(delta map[Axis]float64, wait bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ax, d := range delta {
		s.pos[ax] += d
	}
	return true, nil
}

func (s *Synthetic) Position() (map[Axis]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Axis]float64, len(s.pos))
	for ax, v := range s.pos {
		out[ax] = v
	}
	return out, nil
}

func (s *Synthetic) Stop() error {
	return nil
}
