// Package scope owns one microscope's full device set and drives the
// channel-cycling state machine that synchronizes filters, lasers, camera
// exposure, waveform programming, and defocus between frames.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marr-lab/goscope/camera"
	"github.com/marr-lab/goscope/daq"
	"github.com/marr-lab/goscope/filterwheel"
	"github.com/marr-lab/goscope/laser"
	"github.com/marr-lab/goscope/shutter"
	"github.com/marr-lab/goscope/stage"
	"github.com/marr-lab/goscope/timing"

	"go.uber.org/zap"
)

// Channel is one acquisition channel's settings.  Channels are keyed by a
// positive integer index; only selected channels enter the cycling ring.
// Times are in seconds, defocus in microns, power in percent.
type Channel struct {
	Selected   bool
	LaserIndex int
	Power      float64
	Filter     string
	Exposure   float64
	Defocus    float64
	Interval   float64
}

// AcquisitionSettings configures the camera for one acquisition
type AcquisitionSettings struct {
	Mode      camera.ReadoutMode
	Direction camera.ReadoutDirection

	// XPixels, YPixels set the ROI; 0 leaves the ROI alone
	XPixels, YPixels int

	// BinX, BinY set binning; 0 leaves binning alone
	BinX, BinY int

	// ShutterWidth is the rolling-shutter width in lines, light-sheet only
	ShutterWidth int
}

// Devices is the full device set one microscope owns
type Devices struct {
	Stage   *stage.Composer
	Camera  camera.Camera
	DAQ     daq.DAQ
	Lasers  []laser.Laser
	Wheels  []filterwheel.Wheel
	Shutter shutter.Shutter
}

// ExposureCorrection reports a light-sheet exposure the camera could not
// deliver exactly, with the achievable value that replaced it
type ExposureCorrection struct {
	Channel      int
	Milliseconds float64
}

// ErrNoChannels is returned when an acquisition is prepared with no channel
// selected
var ErrNoChannels = errors.New("scope: no channel selected")

// ErrNotPrepared is returned when the channel ring is advanced before
// PrepareAcquisition
var ErrNotPrepared = errors.New("scope: acquisition not prepared")

// Microscope drives one instrument through Idle, Preparing, channel cycling,
// and Ending.  All methods are safe for use from one goroutine at a time;
// the worker's command loop is that goroutine.
type Microscope struct {
	Name string

	// AxisOffsets is this configuration's per-axis coordinate offset,
	// consumed on configuration switches
	AxisOffsets map[stage.Axis]float64

	// OnEvent receives ordered notifications (exposure_time corrections,
	// update_stage, waveform sets).  May be nil.  Handlers must not call
	// back into the Microscope.
	OnEvent func(name string, payload any)

	// CloseSeries closes the active image series before teardown or a
	// frame-buffer resize.  May be nil.
	CloseSeries func() error

	dev Devices
	con timing.Constants
	log *zap.Logger

	mu       sync.Mutex
	channels map[int]Channel
	selected []int
	ringIdx  int

	current    int
	currentSet bool
	active     laser.Laser

	plan      timing.Plan
	planValid bool

	programmed     bool
	programmedCh   int
	programmedPlan timing.Plan

	settings     AcquisitionSettings
	centralFocus *float64
}

// NewMicroscope wires a device set into an orchestrator.  log may be nil.
func NewMicroscope(name string, dev Devices, con timing.Constants, log *zap.Logger) *Microscope {
	if log == nil {
		log = zap.NewNop()
	}
	return &Microscope{
		Name:     name,
		dev:      dev,
		con:      con,
		log:      log.With(zap.String("microscope", name)),
		channels: map[int]Channel{},
	}
}

// Devices exposes the owned device set
func (m *Microscope) Devices() Devices {
	return m.dev
}

// SetChannels replaces the channel table.  Any cached timing plan is
// discarded; the next PrepareAcquisition recomputes it.
func (m *Microscope) SetChannels(channels map[int]Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = make(map[int]Channel, len(channels))
	for k, ch := range channels {
		m.channels[k] = ch
	}
	m.planValid = false
	m.programmed = false
}

// Channels returns a copy of the channel table
func (m *Microscope) Channels() map[int]Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]Channel, len(m.channels))
	for k, ch := range m.channels {
		out[k] = ch
	}
	return out
}

// Plan returns the current timing plan; ok is false before
// PrepareAcquisition
func (m *Microscope) Plan() (timing.Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan, m.planValid
}

func (m *Microscope) emit(name string, payload any) {
	if m.OnEvent != nil {
		m.OnEvent(name, payload)
	}
}

// calculator builds the timing calculator for the current camera state.
// Callers hold m.mu.
func (m *Microscope) calculator() *timing.Calculator {
	return &timing.Calculator{
		Constants:   m.con,
		Mode:        m.settings.Mode,
		Direction:   m.settings.Direction,
		ReadoutTime: m.dev.Camera.ReadoutTime,
		LightSheetExposure: func(requested float64) float64 {
			exposure, _ := m.dev.Camera.LightSheetExposure(requested, m.settings.ShutterWidth)
			return exposure
		},
		OnCorrection: func(key int, corrected float64) {
			ch := m.channels[key]
			ch.Exposure = corrected
			m.channels[key] = ch
			m.emit("exposure_time", ExposureCorrection{Channel: key, Milliseconds: corrected * 1000})
		},
	}
}

// PrepareAcquisition selects the channels to cycle, configures the camera,
// opens the shutter, and computes the timing plan and initial waveform set.
// Any device failure runs the full end-of-acquisition cleanup before the
// error returns.
func (m *Microscope) PrepareAcquisition(s AcquisitionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.selected = m.selected[:0]
	for key, ch := range m.channels {
		if ch.Selected {
			m.selected = append(m.selected, key)
		}
	}
	sort.Ints(m.selected)
	if len(m.selected) == 0 {
		return ErrNoChannels
	}
	m.settings = s

	cam := m.dev.Camera
	if err := cam.SetSensorMode(s.Mode); err != nil {
		return m.fail("sensor mode", err)
	}
	if s.Mode == camera.LightSheet {
		if err := cam.SetReadoutDirection(s.Direction); err != nil {
			return m.fail("readout direction", err)
		}
	}
	if s.XPixels > 0 && s.YPixels > 0 {
		if err := cam.SetROI(s.XPixels, s.YPixels); err != nil {
			return m.fail("roi", err)
		}
	}
	if s.BinX > 0 && s.BinY > 0 {
		if err := cam.SetBinning(s.BinX, s.BinY); err != nil {
			return m.fail("binning", err)
		}
	}
	if err := m.dev.Shutter.Open(); err != nil {
		return m.fail("shutter", err)
	}

	in := make(map[int]timing.Channel, len(m.selected))
	for _, key := range m.selected {
		in[key] = timing.Channel{Exposure: m.channels[key].Exposure}
	}
	m.plan = m.calculator().Compute(in)
	m.planValid = true
	m.ringIdx = 0
	m.currentSet = false
	m.programmed = false

	m.emit("waveform", m.dev.DAQ.CalculateAllWaveforms(m.plan, 0))
	m.log.Info("acquisition prepared",
		zap.Ints("channels", m.selected),
		zap.String("mode", string(s.Mode)))
	return nil
}

// PrepareNextChannel advances the ring over selected channels and configures
// the hardware for the one it lands on: filters, camera exposure, laser
// power (turn-on deferred to RunAcquisition), waveform reprogramming, and
// the channel's defocus offset relative to the central focus.
//
// When the ring lands on the channel already configured and it is the only
// one selected, nothing is touched.  When updateDAQ is false the waveform
// rewrite is skipped, but only if the staged plan for this channel is
// current; a stale plan is reprogrammed regardless.
//
// A device failure mid-transition runs the same cleanup as EndAcquisition,
// so lasers are never left energized.
func (m *Microscope) PrepareNextChannel(updateDAQ bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.planValid {
		return 0, ErrNotPrepared
	}

	next := m.selected[m.ringIdx]
	m.ringIdx = (m.ringIdx + 1) % len(m.selected)
	if m.currentSet && next == m.current && len(m.selected) == 1 {
		return next, nil
	}

	ch := m.channels[next]

	if ch.Filter != "" {
		for _, w := range m.dev.Wheels {
			if err := w.SetFilter(ch.Filter, true); err != nil {
				return 0, m.fail("filter", err)
			}
		}
	}

	cam := m.dev.Camera
	if m.settings.Mode == camera.LightSheet {
		exposure, interval := cam.LightSheetExposure(ch.Exposure, m.settings.ShutterWidth)
		if err := cam.SetLineInterval(interval); err != nil {
			return 0, m.fail("line interval", err)
		}
		if err := cam.SetExposure(exposure); err != nil {
			return 0, m.fail("exposure", err)
		}
	} else {
		if err := cam.SetExposure(ch.Exposure); err != nil {
			return 0, m.fail("exposure", err)
		}
	}

	for _, l := range m.dev.Lasers {
		if err := l.TurnOff(); err != nil {
			return 0, m.fail("laser off", err)
		}
	}
	m.active = nil
	if ch.LaserIndex >= 0 && ch.LaserIndex < len(m.dev.Lasers) {
		l := m.dev.Lasers[ch.LaserIndex]
		if err := l.SetPower(ch.Power); err != nil {
			return 0, m.fail("laser power", err)
		}
		m.active = l
	} else if len(m.dev.Lasers) > 0 {
		return 0, m.fail("laser", fmt.Errorf("channel %d: no laser at index %d", next, ch.LaserIndex))
	}

	if updateDAQ || !m.programmed || next != m.programmedCh || !m.plan.Equal(m.programmedPlan) {
		m.dev.DAQ.StopAcquisition()
		if err := m.dev.DAQ.PrepareAcquisition(next, m.plan); err != nil {
			return 0, m.fail("daq", err)
		}
		m.programmed = true
		m.programmedCh = next
		m.programmedPlan = m.plan
	}

	if err := m.applyDefocus(ch.Defocus); err != nil {
		return 0, m.fail("defocus", err)
	}

	m.current = next
	m.currentSet = true
	m.log.Debug("channel configured", zap.Int("channel", next))
	return next, nil
}

// applyDefocus moves the focus axis to central focus plus the channel's
// offset, establishing the central focus from the current position on first
// use.  A stage without a focus axis ignores defocus.  Callers hold m.mu.
func (m *Microscope) applyDefocus(defocus float64) error {
	if defocus == 0 && m.centralFocus == nil {
		return nil
	}
	if !m.hasAxis(stage.F) {
		return nil
	}
	if m.centralFocus == nil {
		pos, err := m.dev.Stage.Position(false)
		if err != nil {
			return err
		}
		f := pos[stage.F]
		m.centralFocus = &f
	}
	_, err := m.dev.Stage.MoveAxisAbsolute(stage.F, *m.centralFocus+defocus, true)
	return err
}

func (m *Microscope) hasAxis(axis stage.Axis) bool {
	for _, a := range m.dev.Stage.Axes() {
		if a == axis {
			return true
		}
	}
	return false
}

// RunAcquisition energizes the active channel's laser and starts one
// synchronized generation cycle
func (m *Microscope) RunAcquisition() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentSet {
		return ErrNotPrepared
	}
	if m.active != nil {
		if err := m.active.TurnOn(); err != nil {
			return m.fail("laser on", err)
		}
	}
	if err := m.dev.DAQ.RunAcquisition(); err != nil {
		return m.fail("daq run", err)
	}
	return nil
}

// CurrentChannel reports the configured channel; ok is false before the
// first PrepareNextChannel
func (m *Microscope) CurrentChannel() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.currentSet
}

// EndAcquisition returns the instrument to idle: waveform generation and
// stage stopped, central focus restored, image series and shutter closed,
// lasers off, channel ring reset.  Every step runs even when an earlier one
// fails; the first error is returned with the rest joined behind it.
func (m *Microscope) EndAcquisition() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanup()
}

// fail runs the full cleanup and wraps the triggering error.  Callers hold
// m.mu.
func (m *Microscope) fail(step string, err error) error {
	m.log.Warn("acquisition aborted", zap.String("step", step), zap.Error(err))
	if cerr := m.cleanup(); cerr != nil {
		return fmt.Errorf("scope: %s: %w (cleanup: %v)", step, err, cerr)
	}
	return fmt.Errorf("scope: %s: %w", step, err)
}

// cleanup is the single teardown path shared by EndAcquisition and every
// mid-transition failure.  Callers hold m.mu.
func (m *Microscope) cleanup() error {
	var errs []error

	m.dev.DAQ.StopAcquisition()
	if err := m.dev.Stage.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stage stop: %w", err))
	}
	if m.centralFocus != nil && m.hasAxis(stage.F) {
		if _, err := m.dev.Stage.MoveAxisAbsolute(stage.F, *m.centralFocus, true); err != nil {
			errs = append(errs, fmt.Errorf("restore focus: %w", err))
		}
	}
	if m.CloseSeries != nil {
		if err := m.CloseSeries(); err != nil {
			errs = append(errs, fmt.Errorf("close series: %w", err))
		}
	}
	if err := m.dev.Shutter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("shutter: %w", err))
	}
	for i, l := range m.dev.Lasers {
		if err := l.TurnOff(); err != nil {
			errs = append(errs, fmt.Errorf("laser %d off: %w", i, err))
		}
	}

	m.ringIdx = 0
	m.current = 0
	m.currentSet = false
	m.active = nil
	m.centralFocus = nil
	m.planValid = false
	m.programmed = false
	return errors.Join(errs...)
}

// MoveStage moves the composed stage and reports the new position as an
// update_stage event
func (m *Microscope) MoveStage(pos map[stage.Axis]float64, wait bool) (bool, error) {
	ok, err := m.dev.Stage.MoveAbsolute(pos, wait)
	if err != nil {
		return ok, err
	}
	m.emitPosition()
	return ok, nil
}

// StopStage halts all stage motion
func (m *Microscope) StopStage() error {
	if err := m.dev.Stage.Stop(); err != nil {
		return err
	}
	m.emitPosition()
	return nil
}

// Position reports the composed stage position, from cache unless forced
func (m *Microscope) Position(force bool) (map[stage.Axis]float64, error) {
	return m.dev.Stage.Position(force)
}

// MoveStageOffset switches the stage into this microscope's coordinate
// frame: each axis moves by this configuration's offset minus the former
// one, keeping the physical position continuous
func (m *Microscope) MoveStageOffset(former map[stage.Axis]float64, wait bool) (bool, error) {
	ok, err := m.dev.Stage.ApplyOffsets(former, m.AxisOffsets, wait)
	if err != nil {
		return ok, err
	}
	m.emitPosition()
	return ok, nil
}

// UpdateStageLimits replaces the per-axis travel limits
func (m *Microscope) UpdateStageLimits(limits map[stage.Axis]stage.Limits) {
	m.dev.Stage.SetLimits(limits)
}

func (m *Microscope) emitPosition() {
	pos, err := m.dev.Stage.Position(false)
	if err != nil {
		m.log.Warn("position read failed", zap.Error(err))
		return
	}
	m.emit("update_stage", pos)
}

// Close releases the device set.  The registry owns shared connection
// handles; only devices the microscope owns outright are closed here.
func (m *Microscope) Close() error {
	var errs []error
	if err := m.dev.DAQ.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.dev.Camera.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
