package camera

import (
	"fmt"
	"sync"
)

// lineTime is the per-row readout duration of the simulated sensor, close to
// an Orca Flash 4's 9.74 us
const lineTime = 9.74e-6

// Synthetic is a no-I/O camera.  Frame content is a cheap deterministic
// pattern; timing math matches a real rolling-shutter sensor so the rest of
// the system exercises the same code paths as against hardware.
type Synthetic struct {
	mu sync.Mutex

	serial string

	mode         ReadoutMode
	direction    ReadoutDirection
	xPixels      int
	yPixels      int
	binX, binY   int
	exposure     float64
	lineInterval float64

	frames int
}

// NewSynthetic returns a Synthetic with the given sensor size
func NewSynthetic(serial string, xPixels, yPixels int) *Synthetic {
	return &Synthetic{
		serial:    serial,
		mode:      Normal,
		direction: TopToBottom,
		xPixels:   xPixels,
		yPixels:   yPixels,
		binX:      1,
		binY:      1,
		exposure:  0.2,
	}
}

func (c *Synthetic) SerialNumber() string {
	return c.serial
}

func (c *Synthetic) SetSensorMode(mode ReadoutMode) error {
	switch mode {
	case Normal, LightSheet:
	default:
		return fmt.Errorf("camera: unknown sensor mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	return nil
}

func (c *Synthetic) SetReadoutDirection(dir ReadoutDirection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.direction = dir
	return nil
}

func (c *Synthetic) SetROI(xPixels, yPixels int) error {
	if xPixels <= 0 || yPixels <= 0 {
		return fmt.Errorf("camera: bad ROI %dx%d", xPixels, yPixels)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xPixels = xPixels
	c.yPixels = yPixels
	return nil
}

func (c *Synthetic) SetBinning(x, y int) error {
	if x < 1 || y < 1 {
		return fmt.Errorf("camera: bad binning %dx%d", x, y)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binX = x
	c.binY = y
	return nil
}

func (c *Synthetic) SetExposure(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = seconds
	return nil
}

func (c *Synthetic) SetLineInterval(seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineInterval = seconds
	return nil
}

// FrameSize returns the binned frame dimensions
func (c *Synthetic) FrameSize() (x, y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xPixels / c.binX, c.yPixels / c.binY
}

// ReadoutTime returns the full-frame readout duration in the current mode
func (c *Synthetic) ReadoutTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Normal {
		return 0
	}
	// rows on the two chip halves read out simultaneously
	return float64(c.yPixels/c.binY) / 2 * lineTime
}

// LightSheetExposure converts a full-chip exposure into the light-sheet
// per-line exposure and line interval for the given shutter width
func (c *Synthetic) LightSheetExposure(fullChip float64, shutterWidth int) (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	interval := fullChip / float64(shutterWidth+c.yPixels/c.binY-1)
	return interval * float64(shutterWidth), interval
}

// GrabFrame fills buf with a deterministic pattern that changes every frame.
// buf must hold at least xPixels/binX * yPixels/binY elements.
func (c *Synthetic) GrabFrame(buf []uint16) {
	c.mu.Lock()
	x := c.xPixels / c.binX
	y := c.yPixels / c.binY
	n := c.frames
	c.frames++
	c.mu.Unlock()
	for row := 0; row < y; row++ {
		base := uint16(row + n)
		for col := 0; col < x; col++ {
			buf[row*x+col] = base + uint16(col)
		}
	}
}

// Frames returns how many frames have been grabbed
func (c *Synthetic) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Synthetic) Close() error {
	return nil
}
