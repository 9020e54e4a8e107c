package scope

import (
	"fmt"
	"io"
	"sort"

	"github.com/marr-lab/goscope/asi"
	"github.com/marr-lab/goscope/camera"
	"github.com/marr-lab/goscope/comm"
	"github.com/marr-lab/goscope/config"
	"github.com/marr-lab/goscope/daq"
	"github.com/marr-lab/goscope/filterwheel"
	"github.com/marr-lab/goscope/laser"
	"github.com/marr-lab/goscope/shutter"
	"github.com/marr-lab/goscope/stage"
	"github.com/marr-lab/goscope/timing"

	"go.uber.org/zap"
)

// UnknownDeviceType is returned when configuration names a hardware type no
// builder is registered for
type UnknownDeviceType struct {
	Microscope string
	Category   string
	Type       string
}

func (e *UnknownDeviceType) Error() string {
	return fmt.Sprintf("scope: microscope %s: no %s builder for hardware type %q",
		e.Microscope, e.Category, e.Type)
}

// Session carries the shared state device builders draw on.  Tiger chassis
// are reached through the registry so several logical devices on one port
// share one handle.
type Session struct {
	Registry *comm.Registry

	// ConnectTries bounds connect retries per handle; 0 means 3
	ConnectTries int
}

// Tiger returns the chassis handle for the given hardware description,
// dialing it on first use
func (s *Session) Tiger(hw config.Hardware) (*asi.Tiger, error) {
	tries := s.ConnectTries
	if tries == 0 {
		tries = 3
	}
	h, err := s.Registry.BuildConnection(hw.Port, func() (io.Closer, error) {
		t := asi.NewTiger(hw.Port, hw.Serial, hw.Baudrate)
		if err := t.Initialize(); err != nil {
			return t, err
		}
		return t, nil
	}, tries, nil)
	if err != nil {
		return nil, err
	}
	t, ok := h.(*asi.Tiger)
	if !ok {
		return nil, fmt.Errorf("scope: handle for %s is %T, not a Tiger chassis", hw.Port, h)
	}
	return t, nil
}

// Builder functions construct one device from its configuration entry.  A
// builder may dial hardware through the session's registry.
type (
	StageBuilder   func(s *Session, cfg config.StageConfig) (stage.Controller, error)
	CameraBuilder  func(s *Session, cfg config.CameraConfig) (camera.Camera, error)
	LaserBuilder   func(s *Session, cfg config.LaserConfig) (laser.Laser, error)
	WheelBuilder   func(s *Session, cfg config.FilterWheelConfig) (filterwheel.Wheel, error)
	ShutterBuilder func(s *Session, cfg config.ShutterConfig) (shutter.Shutter, error)
	DAQBuilder     func(s *Session, cfg config.Microscope) (daq.DAQ, error)
)

// Builders maps hardware type tags to constructor functions.  The table is
// populated at process start; plugin-contributed types register here rather
// than being looked up by name at build time.
type Builders struct {
	Stages   map[string]StageBuilder
	Cameras  map[string]CameraBuilder
	Lasers   map[string]LaserBuilder
	Wheels   map[string]WheelBuilder
	Shutters map[string]ShutterBuilder
	DAQs     map[string]DAQBuilder
}

// DefaultBuilders returns the table with the built-in asi and synthetic
// device families registered
func DefaultBuilders() *Builders {
	b := &Builders{
		Stages:   map[string]StageBuilder{},
		Cameras:  map[string]CameraBuilder{},
		Lasers:   map[string]LaserBuilder{},
		Wheels:   map[string]WheelBuilder{},
		Shutters: map[string]ShutterBuilder{},
		DAQs:     map[string]DAQBuilder{},
	}
	b.Stages["asi"] = buildTigerStage
	b.Stages["synthetic"] = buildSyntheticStage
	b.Cameras["synthetic"] = buildSyntheticCamera
	b.Lasers["asi"] = buildTigerLaser
	b.Lasers["synthetic"] = buildSyntheticLaser
	b.Wheels["asi"] = buildTigerWheel
	b.Wheels["synthetic"] = buildSyntheticWheel
	b.Shutters["asi"] = buildTigerShutter
	b.Shutters["synthetic"] = buildSyntheticShutter
	b.DAQs["synthetic"] = buildSyntheticDAQ
	return b
}

func buildTigerStage(s *Session, cfg config.StageConfig) (stage.Controller, error) {
	t, err := s.Tiger(cfg.Hardware)
	if err != nil {
		return nil, err
	}
	mapping := make(map[stage.Axis]string, len(cfg.Axes))
	for name, ax := range cfg.Axes {
		mapping[stage.Axis(name)] = ax.HardwareAxis
	}
	return stage.NewTigerStage(t, mapping), nil
}

func buildSyntheticStage(s *Session, cfg config.StageConfig) (stage.Controller, error) {
	axes := make([]stage.Axis, 0, len(cfg.Axes))
	for name := range cfg.Axes {
		axes = append(axes, stage.Axis(name))
	}
	sort.Slice(axes, func(i, j int) bool { return axes[i] < axes[j] })
	return stage.NewSynthetic(axes...), nil
}

func buildSyntheticCamera(s *Session, cfg config.CameraConfig) (camera.Camera, error) {
	x, y := cfg.XPixels, cfg.YPixels
	if x == 0 {
		x = 2048
	}
	if y == 0 {
		y = 2048
	}
	return camera.NewSynthetic(cfg.Hardware.SerialNumber, x, y), nil
}

func buildTigerLaser(s *Session, cfg config.LaserConfig) (laser.Laser, error) {
	t, err := s.Tiger(cfg.Hardware)
	if err != nil {
		return nil, err
	}
	return laser.NewTigerLaser(t, cfg.Wavelength, cfg.DACAxis, cfg.MinCounts, cfg.MaxCounts), nil
}

func buildSyntheticLaser(s *Session, cfg config.LaserConfig) (laser.Laser, error) {
	return laser.NewSynthetic(cfg.Wavelength), nil
}

func buildTigerWheel(s *Session, cfg config.FilterWheelConfig) (filterwheel.Wheel, error) {
	t, err := s.Tiger(cfg.Hardware)
	if err != nil {
		return nil, err
	}
	return filterwheel.NewTigerWheel(t, cfg.Wheel, cfg.Filters), nil
}

func buildSyntheticWheel(s *Session, cfg config.FilterWheelConfig) (filterwheel.Wheel, error) {
	return filterwheel.NewSynthetic(cfg.Filters), nil
}

func buildTigerShutter(s *Session, cfg config.ShutterConfig) (shutter.Shutter, error) {
	t, err := s.Tiger(cfg.Hardware)
	if err != nil {
		return nil, err
	}
	return shutter.NewTigerShutter(t, cfg.Card), nil
}

func buildSyntheticShutter(s *Session, cfg config.ShutterConfig) (shutter.Shutter, error) {
	return shutter.NewSynthetic(), nil
}

func buildSyntheticDAQ(s *Session, cfg config.Microscope) (daq.DAQ, error) {
	return daq.NewSynthetic(daqConfig(cfg)), nil
}

// daqConfig converts the millisecond-denominated configuration surface into
// the second-denominated waveform config
func daqConfig(m config.Microscope) daq.Config {
	d := m.DAQ
	shape := daq.GalvoSawtooth
	if d.Galvo.Waveform == string(daq.GalvoSine) {
		shape = daq.GalvoSine
	}
	return daq.Config{
		SampleRate:       d.SampleRate,
		CameraDelay:      m.Camera.DelayMs / 1000,
		PercentSmoothing: d.PercentSmoothing,
		RemoteFocus: daq.RemoteFocusConfig{
			Amplitude:  d.RemoteFocus.Amplitude,
			Offset:     d.RemoteFocus.Offset,
			Delay:      d.RemoteFocus.DelayMs / 1000,
			Fall:       d.RemoteFocus.FallMs / 1000,
			MinVoltage: d.RemoteFocus.MinVoltage,
			MaxVoltage: d.RemoteFocus.MaxVoltage,
		},
		Galvo: daq.GalvoConfig{
			Shape:      shape,
			Frequency:  d.Galvo.Frequency,
			Amplitude:  d.Galvo.Amplitude,
			Offset:     d.Galvo.Offset,
			DutyCycle:  d.Galvo.DutyCycle,
			Phase:      d.Galvo.Phase,
			MinVoltage: d.Galvo.MinVoltage,
			MaxVoltage: d.Galvo.MaxVoltage,
		},
	}
}

// timingConstants derives the fixed delays of the sweep-time budget from
// configuration, converting milliseconds to seconds
func timingConstants(m config.Microscope) timing.Constants {
	return timing.Constants{
		CameraDelay:      m.Camera.DelayMs / 1000,
		CameraSettle:     m.Camera.SettleDurationMs / 1000,
		RampFalling:      m.DAQ.RemoteFocus.FallMs / 1000,
		DutyCycleWait:    m.DAQ.RemoteFocus.SettleMs / 1000,
		PercentSmoothing: m.DAQ.PercentSmoothing,
	}
}

// Build assembles one microscope's full device set from its configuration
// entry, dialing hardware through the registry
func Build(name string, cfg config.Microscope, b *Builders, reg *comm.Registry, log *zap.Logger) (*Microscope, error) {
	sess := &Session{Registry: reg}

	controllers := make([]stage.Controller, 0, len(cfg.Stages))
	limits := make(map[stage.Axis]stage.Limits)
	offsets := make(map[stage.Axis]float64)
	for _, sc := range cfg.Stages {
		build, ok := b.Stages[sc.Hardware.Type]
		if !ok {
			return nil, &UnknownDeviceType{Microscope: name, Category: "stage", Type: sc.Hardware.Type}
		}
		ctl, err := build(sess, sc)
		if err != nil {
			return nil, fmt.Errorf("scope: microscope %s: stage: %w", name, err)
		}
		controllers = append(controllers, ctl)
		for axName, ax := range sc.Axes {
			if ax.Min != ax.Max {
				limits[stage.Axis(axName)] = stage.Limits{Min: ax.Min, Max: ax.Max}
			}
			if ax.Offset != 0 {
				offsets[stage.Axis(axName)] = ax.Offset
			}
		}
	}
	composer, err := stage.NewComposer(controllers...)
	if err != nil {
		return nil, fmt.Errorf("scope: microscope %s: %w", name, err)
	}
	if len(limits) > 0 {
		composer.SetLimits(limits)
	}

	buildCam, ok := b.Cameras[cfg.Camera.Hardware.Type]
	if !ok {
		return nil, &UnknownDeviceType{Microscope: name, Category: "camera", Type: cfg.Camera.Hardware.Type}
	}
	cam, err := buildCam(sess, cfg.Camera)
	if err != nil {
		return nil, fmt.Errorf("scope: microscope %s: camera: %w", name, err)
	}

	lasers := make([]laser.Laser, 0, len(cfg.Lasers))
	for i, lc := range cfg.Lasers {
		build, ok := b.Lasers[lc.Hardware.Type]
		if !ok {
			return nil, &UnknownDeviceType{Microscope: name, Category: "laser", Type: lc.Hardware.Type}
		}
		l, err := build(sess, lc)
		if err != nil {
			return nil, fmt.Errorf("scope: microscope %s: laser %d: %w", name, i, err)
		}
		lasers = append(lasers, l)
	}

	wheels := make([]filterwheel.Wheel, 0, len(cfg.FilterWheels))
	for i, wc := range cfg.FilterWheels {
		build, ok := b.Wheels[wc.Hardware.Type]
		if !ok {
			return nil, &UnknownDeviceType{Microscope: name, Category: "filter_wheel", Type: wc.Hardware.Type}
		}
		w, err := build(sess, wc)
		if err != nil {
			return nil, fmt.Errorf("scope: microscope %s: filter wheel %d: %w", name, i, err)
		}
		wheels = append(wheels, w)
	}

	var shut shutter.Shutter = shutter.NewSynthetic()
	if cfg.Shutter.Hardware.Type != "" {
		build, ok := b.Shutters[cfg.Shutter.Hardware.Type]
		if !ok {
			return nil, &UnknownDeviceType{Microscope: name, Category: "shutter", Type: cfg.Shutter.Hardware.Type}
		}
		shut, err = build(sess, cfg.Shutter)
		if err != nil {
			return nil, fmt.Errorf("scope: microscope %s: shutter: %w", name, err)
		}
	}

	buildDAQ, ok := b.DAQs[cfg.DAQ.Hardware.Type]
	if !ok {
		return nil, &UnknownDeviceType{Microscope: name, Category: "daq", Type: cfg.DAQ.Hardware.Type}
	}
	board, err := buildDAQ(sess, cfg)
	if err != nil {
		return nil, fmt.Errorf("scope: microscope %s: daq: %w", name, err)
	}

	m := NewMicroscope(name, Devices{
		Stage:   composer,
		Camera:  cam,
		DAQ:     board,
		Lasers:  lasers,
		Wheels:  wheels,
		Shutter: shut,
	}, timingConstants(cfg), log)
	m.AxisOffsets = offsets
	return m, nil
}
