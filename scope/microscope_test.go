package scope

import (
	"errors"
	"testing"

	"github.com/marr-lab/goscope/camera"
	"github.com/marr-lab/goscope/comm"
	"github.com/marr-lab/goscope/config"
	"github.com/marr-lab/goscope/daq"
	"github.com/marr-lab/goscope/filterwheel"
	"github.com/marr-lab/goscope/laser"
	"github.com/marr-lab/goscope/shutter"
	"github.com/marr-lab/goscope/stage"
	"github.com/marr-lab/goscope/timing"
)

func testScope(t *testing.T, channels map[int]Channel) *Microscope {
	t.Helper()
	comp, err := stage.NewComposer(stage.NewSynthetic(stage.X, stage.Y, stage.Z, stage.F))
	if err != nil {
		t.Fatal(err)
	}
	dev := Devices{
		Stage:  comp,
		Camera: camera.NewSynthetic("SIM001", 2048, 2048),
		DAQ: daq.NewSynthetic(daq.Config{
			SampleRate:  100000,
			CameraDelay: 0.001,
			RemoteFocus: daq.RemoteFocusConfig{
				Amplitude: 0.5, Delay: 0.001, Fall: 0.004,
				MinVoltage: -5, MaxVoltage: 5,
			},
			Galvo: daq.GalvoConfig{
				Shape: daq.GalvoSawtooth, Frequency: 100, Amplitude: 2,
				DutyCycle: 50, MinVoltage: -5, MaxVoltage: 5,
			},
		}),
		Lasers:  []laser.Laser{laser.NewSynthetic(488), laser.NewSynthetic(561)},
		Wheels:  []filterwheel.Wheel{filterwheel.NewSynthetic(map[string]int{"Empty": 0, "GFP": 1, "RFP": 2})},
		Shutter: shutter.NewSynthetic(),
	}
	m := NewMicroscope("sim", dev, timing.Constants{
		CameraDelay:   0.001,
		CameraSettle:  0.003,
		RampFalling:   0.004,
		DutyCycleWait: 0.001,
	}, nil)
	m.SetChannels(channels)
	return m
}

func normalSettings() AcquisitionSettings {
	return AcquisitionSettings{Mode: camera.Normal, Direction: camera.TopToBottom}
}

func TestPrepareNoChannelsSelected(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: false, Exposure: 0.01},
	})
	if err := m.PrepareAcquisition(normalSettings()); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestChannelRingAdvance(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: true, LaserIndex: 0, Power: 20, Filter: "GFP", Exposure: 0.010},
		2: {Selected: true, LaserIndex: 1, Power: 30, Filter: "RFP", Exposure: 0.020},
		3: {Selected: false, Exposure: 0.5},
		4: {Selected: true, LaserIndex: 0, Power: 10, Filter: "Empty", Exposure: 0.015},
	})
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 4, 1}
	for i, w := range want {
		got, err := m.PrepareNextChannel(true)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if got != w {
			t.Errorf("advance %d: got channel %d, expected %d", i, got, w)
		}
	}
	if f := m.Devices().Wheels[0].Filter(); f != "GFP" {
		t.Errorf("filter after wrap is %q, expected GFP", f)
	}
}

func TestSingleChannelNoOp(t *testing.T) {
	m := testScope(t, map[int]Channel{
		2: {Selected: true, LaserIndex: 0, Power: 50, Filter: "GFP", Exposure: 0.010},
	})
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	board := m.Devices().DAQ.(*daq.Synthetic)
	for i := 0; i < 4; i++ {
		got, err := m.PrepareNextChannel(true)
		if err != nil {
			t.Fatal(err)
		}
		if got != 2 {
			t.Fatalf("advance %d: got channel %d, expected 2", i, got)
		}
	}
	prepares, _ := board.Counts()
	if prepares != 1 {
		t.Errorf("daq programmed %d times, expected 1", prepares)
	}
	wheel := m.Devices().Wheels[0].(*filterwheel.Synthetic)
	if wheel.Changes != 1 {
		t.Errorf("wheel moved %d times, expected 1", wheel.Changes)
	}
}

func TestReprogramAcrossChannels(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: true, LaserIndex: 0, Power: 20, Exposure: 0.010},
		2: {Selected: true, LaserIndex: 1, Power: 30, Exposure: 0.020},
	})
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	board := m.Devices().DAQ.(*daq.Synthetic)
	// a skip request never serves another channel's waveform
	for i := 0; i < 3; i++ {
		if _, err := m.PrepareNextChannel(false); err != nil {
			t.Fatal(err)
		}
	}
	prepares, _ := board.Counts()
	if prepares != 3 {
		t.Errorf("daq programmed %d times, expected 3", prepares)
	}
}

func TestRunAcquisitionEnergizesLaser(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: true, LaserIndex: 1, Power: 42, Exposure: 0.010},
	})
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PrepareNextChannel(true); err != nil {
		t.Fatal(err)
	}
	l := m.Devices().Lasers[1].(*laser.Synthetic)
	if _, on := l.State(); on {
		t.Fatal("laser energized before RunAcquisition")
	}
	if err := m.RunAcquisition(); err != nil {
		t.Fatal(err)
	}
	power, on := l.State()
	if !on || power != 42 {
		t.Errorf("laser state power=%f on=%v, expected 42 on", power, on)
	}
	_, runs := m.Devices().DAQ.(*daq.Synthetic).Counts()
	if runs != 1 {
		t.Errorf("got %d runs, expected 1", runs)
	}
}

func TestDefocusAroundCentralFocus(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: true, LaserIndex: 0, Power: 20, Exposure: 0.010, Defocus: 5},
		2: {Selected: true, LaserIndex: 1, Power: 20, Exposure: 0.010},
	})
	if _, err := m.MoveStage(map[stage.Axis]float64{stage.F: 100}, true); err != nil {
		t.Fatal(err)
	}
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PrepareNextChannel(true); err != nil {
		t.Fatal(err)
	}
	pos, err := m.Position(true)
	if err != nil {
		t.Fatal(err)
	}
	if pos[stage.F] != 105 {
		t.Errorf("focus at %f during defocused channel, expected 105", pos[stage.F])
	}
	if _, err := m.PrepareNextChannel(true); err != nil {
		t.Fatal(err)
	}
	pos, _ = m.Position(true)
	if pos[stage.F] != 100 {
		t.Errorf("focus at %f during zero-defocus channel, expected 100", pos[stage.F])
	}
	if err := m.EndAcquisition(); err != nil {
		t.Fatal(err)
	}
	pos, _ = m.Position(true)
	if pos[stage.F] != 100 {
		t.Errorf("focus at %f after acquisition, expected central 100", pos[stage.F])
	}
}

func TestEndAcquisitionIdles(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: true, LaserIndex: 0, Power: 20, Exposure: 0.010},
	})
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PrepareNextChannel(true); err != nil {
		t.Fatal(err)
	}
	if err := m.RunAcquisition(); err != nil {
		t.Fatal(err)
	}
	if err := m.EndAcquisition(); err != nil {
		t.Fatal(err)
	}
	if m.Devices().Shutter.IsOpen() {
		t.Error("shutter open after EndAcquisition")
	}
	for i, l := range m.Devices().Lasers {
		if _, on := l.(*laser.Synthetic).State(); on {
			t.Errorf("laser %d energized after EndAcquisition", i)
		}
	}
	if _, err := m.PrepareNextChannel(true); !errors.Is(err, ErrNotPrepared) {
		t.Errorf("expected ErrNotPrepared after end, got %v", err)
	}
}

type failingLaser struct {
	wavelength int
}

func (l *failingLaser) Wavelength() int            { return l.wavelength }
func (l *failingLaser) SetPower(pct float64) error { return errors.New("power supply fault") }
func (l *failingLaser) TurnOn() error              { return nil }
func (l *failingLaser) TurnOff() error             { return nil }

func TestFailureMidTransitionCleansUp(t *testing.T) {
	m := testScope(t, map[int]Channel{
		1: {Selected: true, LaserIndex: 0, Power: 20, Exposure: 0.010},
	})
	m.dev.Lasers = []laser.Laser{&failingLaser{wavelength: 488}, laser.NewSynthetic(561)}
	if err := m.PrepareAcquisition(normalSettings()); err != nil {
		t.Fatal(err)
	}
	_, err := m.PrepareNextChannel(true)
	if err == nil {
		t.Fatal("expected error from failing laser")
	}
	if m.Devices().Shutter.IsOpen() {
		t.Error("shutter left open after failed transition")
	}
	if _, on := m.dev.Lasers[1].(*laser.Synthetic).State(); on {
		t.Error("laser left energized after failed transition")
	}
	if _, err := m.PrepareNextChannel(true); !errors.Is(err, ErrNotPrepared) {
		t.Errorf("expected ErrNotPrepared after failure, got %v", err)
	}
}

func TestLightSheetCorrectionEvent(t *testing.T) {
	m := testScope(t, map[int]Channel{
		3: {Selected: true, LaserIndex: 0, Power: 20, Exposure: 0.2},
	})
	var events []ExposureCorrection
	m.OnEvent = func(name string, payload any) {
		if name == "exposure_time" {
			events = append(events, payload.(ExposureCorrection))
		}
	}
	err := m.PrepareAcquisition(AcquisitionSettings{
		Mode:         camera.LightSheet,
		Direction:    camera.TopToBottom,
		ShutterWidth: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d correction events, expected 1", len(events))
	}
	if events[0].Channel != 3 {
		t.Errorf("correction for channel %d, expected 3", events[0].Channel)
	}
	if events[0].Milliseconds <= 0 || events[0].Milliseconds >= 200 {
		t.Errorf("corrected exposure %f ms out of expected range", events[0].Milliseconds)
	}
	if got := m.Channels()[3].Exposure; got*1000 != events[0].Milliseconds {
		t.Errorf("stored exposure %f differs from reported correction", got)
	}
}

func TestOffsetSwitchKeepsPhysicalPosition(t *testing.T) {
	m := testScope(t, map[int]Channel{1: {Selected: true, Exposure: 0.01}})
	m.AxisOffsets = map[stage.Axis]float64{stage.X: 4, stage.F: -1}
	if _, err := m.MoveStage(map[stage.Axis]float64{stage.X: 10, stage.F: 2}, true); err != nil {
		t.Fatal(err)
	}
	former := map[stage.Axis]float64{stage.X: 1}
	if _, err := m.MoveStageOffset(former, true); err != nil {
		t.Fatal(err)
	}
	pos, err := m.Position(true)
	if err != nil {
		t.Fatal(err)
	}
	if pos[stage.X] != 13 {
		t.Errorf("x at %f after offset switch, expected 13", pos[stage.X])
	}
	if pos[stage.F] != 1 {
		t.Errorf("f at %f after offset switch, expected 1", pos[stage.F])
	}
}

const buildFixture = `
microscopes:
  sim:
    stages:
      - hardware: {type: synthetic}
        axes:
          x: {hardware_axis: X, min: -100, max: 100}
          y: {hardware_axis: Y, min: -100, max: 100}
      - hardware: {type: synthetic}
        axes:
          f: {hardware_axis: F, min: -50, max: 50, offset: 2.5}
    camera:
      hardware: {type: synthetic, serial_number: "SIM42"}
      delay_ms: 1.0
      x_pixels: 512
      y_pixels: 512
    lasers:
      - hardware: {type: synthetic}
        wavelength: 488
      - hardware: {type: synthetic}
        wavelength: 561
    daq:
      hardware: {type: synthetic}
      sample_rate: 100000
      remote_focus:
        amplitude: 0.5
        ramp_falling_ms: 4
        min_voltage: -5
        max_voltage: 5
      galvo:
        waveform: sine
        frequency: 200
        amplitude: 1
        min_voltage: -5
        max_voltage: 5
`

func TestBuildFromConfig(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(buildFixture))
	if err != nil {
		t.Fatal(err)
	}
	reg := comm.NewRegistry()
	defer reg.Close()
	m, err := Build("sim", cfg.Microscopes["sim"], DefaultBuilders(), reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if got := len(m.Devices().Stage.Axes()); got != 3 {
		t.Errorf("composed stage has %d axes, expected 3", got)
	}
	if got := len(m.Devices().Lasers); got != 2 {
		t.Errorf("built %d lasers, expected 2", got)
	}
	if m.Devices().Camera.SerialNumber() != "SIM42" {
		t.Errorf("camera serial %q, expected SIM42", m.Devices().Camera.SerialNumber())
	}
	if m.AxisOffsets[stage.F] != 2.5 {
		t.Errorf("f offset %f, expected 2.5", m.AxisOffsets[stage.F])
	}
	ok, err := m.MoveStage(map[stage.Axis]float64{stage.X: 500}, true)
	var merr *stage.MotionError
	if ok || !errors.As(err, &merr) {
		t.Fatalf("out-of-travel move not rejected: ok=%v err=%v", ok, err)
	}
}

func TestBuildUnknownDeviceType(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(buildFixture))
	if err != nil {
		t.Fatal(err)
	}
	mc := cfg.Microscopes["sim"]
	mc.DAQ.Hardware.Type = "asi"
	reg := comm.NewRegistry()
	defer reg.Close()
	_, err = Build("sim", mc, DefaultBuilders(), reg, nil)
	var ue *UnknownDeviceType
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnknownDeviceType, got %v", err)
	}
	if ue.Category != "daq" || ue.Type != "asi" {
		t.Errorf("wrong tuple: %+v", ue)
	}
}
