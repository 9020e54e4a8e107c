package daq

import (
	"sync"

	"github.com/marr-lab/goscope/timing"
)

// Synthetic is a no-hardware DAQ.  It stages and "generates" waveforms in
// memory and, in self-trigger mode, advances registered cameras one frame
// per run, which is how synthetic acquisitions produce images.
type Synthetic struct {
	Config Config

	// waitToRun is the one-writer/one-runner handoff: held while a
	// waveform write is in flight so a run never races a half-written task
	waitToRun sync.Mutex

	mu       sync.Mutex
	trigger  TriggerMode
	current  int
	staged   WaveformSet
	plan     timing.Plan
	hasPlan  bool
	running  bool
	closed   bool
	runs     int
	prepares int

	// cameras advanced one frame per self-triggered run
	cameras []FrameAdvancer
}

// FrameAdvancer is anything that can produce one new frame on demand; the
// synthetic camera satisfies it
type FrameAdvancer interface {
	GenerateFrame()
}

// NewSynthetic returns a Synthetic in self-trigger mode
func NewSynthetic(cfg Config) *Synthetic {
	return &Synthetic{Config: cfg, trigger: SelfTrigger}
}

// AddCamera registers a camera to advance on self-triggered runs
func (d *Synthetic) AddCamera(cam FrameAdvancer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameras = append(d.cameras, cam)
}

func (d *Synthetic) CalculateAllWaveforms(plan timing.Plan, focusOffset float64) WaveformSet {
	return d.Config.CalculateAllWaveforms(plan, focusOffset)
}

// PrepareAcquisition stages the waveforms for one channel.  Any concurrent
// RunAcquisition blocks until the write completes.
func (d *Synthetic) PrepareAcquisition(channel int, plan timing.Plan) error {
	d.waitToRun.Lock()
	defer d.waitToRun.Unlock()
	set := d.Config.CalculateAllWaveforms(plan, 0)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = channel
	d.staged = set
	d.plan = plan
	d.hasPlan = true
	d.prepares++
	return nil
}

// RunAcquisition runs one generation cycle.  In self-trigger mode each run
// produces one frame on every registered camera.
func (d *Synthetic) RunAcquisition() error {
	// block while a prepare is writing
	d.waitToRun.Lock()
	d.waitToRun.Unlock()
	d.mu.Lock()
	d.running = true
	trigger := d.trigger
	cams := d.cameras
	d.runs++
	d.mu.Unlock()
	if trigger == SelfTrigger {
		for _, cam := range cams {
			cam.GenerateFrame()
		}
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// StopAcquisition halts generation; calling it with nothing running is a
// no-op
func (d *Synthetic) StopAcquisition() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

func (d *Synthetic) SetTriggerMode(mode TriggerMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trigger = mode
}

// CurrentChannel returns the channel staged by the last prepare
func (d *Synthetic) CurrentChannel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// CurrentPlan returns the staged timing plan, if any
func (d *Synthetic) CurrentPlan() (timing.Plan, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plan, d.hasPlan
}

// Staged returns the staged waveform set
func (d *Synthetic) Staged() WaveformSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.staged
}

// Counts reports how many prepares and runs have happened
func (d *Synthetic) Counts() (prepares, runs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepares, d.runs
}

// Close releases all tasks; safe to call repeatedly, even if nothing was
// ever started
func (d *Synthetic) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.running = false
	return nil
}
