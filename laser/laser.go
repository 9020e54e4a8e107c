// Package laser controls illumination lasers
package laser

// Laser is one illumination line.  Power is percent of full scale; setting
// power does not energize the line, TurnOn does.
type Laser interface {
	// Wavelength returns the line's wavelength in nm
	Wavelength() int

	// SetPower sets the modulation level to a percentage of full scale
	SetPower(percent float64) error

	// TurnOn energizes the line at the last set power
	TurnOn() error

	// TurnOff de-energizes the line
	TurnOff() error
}
