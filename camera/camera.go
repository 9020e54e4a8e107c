// Package camera abstracts scientific cameras used for acquisition
package camera

// ReadoutMode selects how the sensor integrates and reads out
type ReadoutMode string

const (
	// Normal integrates the full chip then reads it out
	Normal ReadoutMode = "Normal"

	// LightSheet rolls a narrow shutter across the chip in sync with the
	// illumination sheet
	LightSheet ReadoutMode = "Light-Sheet"
)

// ReadoutDirection is the rolling-shutter scan direction in light-sheet mode
type ReadoutDirection string

const (
	TopToBottom      ReadoutDirection = "Top-to-Bottom"
	BottomToTop      ReadoutDirection = "Bottom-to-Top"
	Bidirectional    ReadoutDirection = "Bidirectional"
	RevBidirectional ReadoutDirection = "Rev. Bidirectional"
)

// Alternating reports whether the direction alternates frame to frame.
// Alternating directions never pay the remote-focus flyback, so the ramp
// falling time drops out of sweep-time calculations.
func (d ReadoutDirection) Alternating() bool {
	return d == Bidirectional || d == RevBidirectional
}

// Camera is the capability surface the orchestrator drives.  Times are in
// seconds.
type Camera interface {
	// SerialNumber identifies the physical unit; synthetic cameras report
	// a fixed string
	SerialNumber() string

	// SetSensorMode selects Normal or LightSheet readout
	SetSensorMode(mode ReadoutMode) error

	// SetReadoutDirection sets the rolling-shutter direction
	SetReadoutDirection(dir ReadoutDirection) error

	// SetROI sets the active sensor region in unbinned pixels
	SetROI(xPixels, yPixels int) error

	// SetBinning sets on-sensor pixel binning
	SetBinning(x, y int) error

	// SetExposure sets the exposure for subsequent frames
	SetExposure(seconds float64) error

	// SetLineInterval sets the rolling-shutter line interval used in
	// light-sheet mode
	SetLineInterval(seconds float64) error

	// ReadoutTime returns the time to read one full frame in the current
	// mode and ROI
	ReadoutTime() float64

	// LightSheetExposure converts a full-chip exposure into the per-line
	// exposure and line interval for the given rolling shutter width
	LightSheetExposure(fullChip float64, shutterWidth int) (exposure, lineInterval float64)

	// Close releases the camera
	Close() error
}
