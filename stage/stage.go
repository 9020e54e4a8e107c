// Package stage composes independent motion controllers into one logical
// multi-axis microscope stage
package stage

import "fmt"

// Axis is one logical stage axis.  f is the focusing axis; defocus offsets
// and remote-focus coupling apply to it.
type Axis string

const (
	X     Axis = "x"
	Y     Axis = "y"
	Z     Axis = "z"
	Theta Axis = "theta"
	F     Axis = "f"
)

// Limits is the allowed travel for one axis in microns (degrees for theta)
type Limits struct {
	Min float64
	Max float64
}

// Contains returns true if pos is within the closed interval
func (l Limits) Contains(pos float64) bool {
	return pos >= l.Min && pos <= l.Max
}

// MotionError reports a commanded target outside an axis's travel.  The move
// it belongs to was rejected without any hardware motion.
type MotionError struct {
	Axis   Axis
	Target float64
	Limits Limits
}

func (e *MotionError) Error() string {
	return fmt.Sprintf("axis %s: target %f outside travel [%f, %f]",
		e.Axis, e.Target, e.Limits.Min, e.Limits.Max)
}

// Controller is one physical motion controller owning a subset of the
// logical axes.  Implementations report success as a flag rather than an
// error so the composer can AND results across controllers; hard faults
// (lost connection, protocol error) still come back as errors.
//
// Positions are in microns (degrees for theta) in the controller's own
// frame; logical-frame offsets are the composer's business.
type Controller interface {
	// Axes returns the logical axes this controller owns
	Axes() []Axis

	// MoveAbsolute moves the given axes to absolute positions.  Axes not
	// owned by this controller must not appear.  If wait is true the call
	// blocks until motion completes or the controller's internal poll
	// timeout elapses.
	MoveAbsolute(pos map[Axis]float64, wait bool) (bool, error)

	// MoveRelative moves the given axes by deltas
	MoveRelative(delta map[Axis]float64, wait bool) (bool, error)

	// Position reports the current position of every owned axis
	Position() (map[Axis]float64, error)

	// Stop halts all motion immediately
	Stop() error
}
