package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fixture = `
microscopes:
  mesoscale:
    stages:
      - hardware:
          type: asi
          port: "COM4"
          serial: true
          baudrate: 115200
        axes:
          x: {hardware_axis: X, min: -10000, max: 10000}
          y: {hardware_axis: Y, min: -10000, max: 10000}
          z: {hardware_axis: Z, min: -500, max: 500, offset: 12.5}
      - hardware:
          type: synthetic
        axes:
          f: {hardware_axis: F, min: -100, max: 100}
    camera:
      hardware:
        type: synthetic
        serial_number: "A19F204012"
      delay_ms: 2.0
      settle_duration_ms: 0.5
      x_pixels: 2048
      y_pixels: 2048
    lasers:
      - hardware: {type: asi}
        wavelength: 488
        dac_axis: V
        min_counts: 0
        max_counts: 32767
      - hardware: {type: asi}
        wavelength: 561
        dac_axis: W
        min_counts: 0
        max_counts: 32767
    filter_wheels:
      - hardware: {type: asi}
        wheel: 0
        filters:
          Empty: 0
          GFP: 1
          RFP: 2
    shutter:
      hardware: {type: asi}
      card: "3"
    daq:
      hardware: {type: synthetic}
      sample_rate: 100000
      percent_smoothing: 10
      remote_focus:
        amplitude: 0.5
        offset: 0.1
        delay_ms: 1.0
        ramp_falling_ms: 2.5
        min_voltage: -5
        max_voltage: 5
      galvo:
        waveform: sawtooth
        frequency: 99.9
        amplitude: 2.0
        duty_cycle: 50
        min_voltage: -5
        max_voltage: 5
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(fixture))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := cfg.Microscopes["mesoscale"]
	if !ok {
		t.Fatal("mesoscale microscope missing")
	}
	if len(m.Stages) != 2 {
		t.Fatalf("got %d stages, expected 2", len(m.Stages))
	}
	if m.Stages[0].Hardware.Type != "asi" || !m.Stages[0].Hardware.Serial {
		t.Errorf("stage 0 hardware wrong: %+v", m.Stages[0].Hardware)
	}
	z := m.Stages[0].Axes["z"]
	if z.HardwareAxis != "Z" || z.Min != -500 || z.Max != 500 || z.Offset != 12.5 {
		t.Errorf("z axis wrong: %+v", z)
	}
	if m.Camera.Hardware.SerialNumber != "A19F204012" || m.Camera.YPixels != 2048 {
		t.Errorf("camera wrong: %+v", m.Camera)
	}
	if len(m.Lasers) != 2 || m.Lasers[1].Wavelength != 561 {
		t.Errorf("lasers wrong: %+v", m.Lasers)
	}
	if m.FilterWheels[0].Filters["GFP"] != 1 {
		t.Errorf("filters wrong: %+v", m.FilterWheels[0].Filters)
	}
	if m.DAQ.SampleRate != 100000 || m.DAQ.Galvo.Frequency != 99.9 {
		t.Errorf("daq wrong: %+v", m.DAQ)
	}
	if m.DAQ.RemoteFocus.FallMs != 2.5 {
		t.Errorf("remote focus wrong: %+v", m.DAQ.RemoteFocus)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Microscopes["mesoscale"]; !ok {
		t.Fatal("mesoscale microscope missing")
	}
}

func TestLoadRejectsMissingDAQ(t *testing.T) {
	bad := strings.Replace(fixture, "daq:", "daq_disabled:", 1)
	_, err := LoadBytes([]byte(bad))
	if err == nil {
		t.Fatal("expected schema error for missing daq")
	}
}

func TestLoadRejectsUnknownHardwareType(t *testing.T) {
	bad := strings.Replace(fixture, "type: synthetic", "type: imaginary", 1)
	_, err := LoadBytes([]byte(bad))
	if err == nil {
		t.Fatal("expected schema error for unknown hardware type")
	}
}

func TestLoadRejectsZeroSampleRate(t *testing.T) {
	bad := strings.Replace(fixture, "sample_rate: 100000", "sample_rate: 0", 1)
	_, err := LoadBytes([]byte(bad))
	if err == nil {
		t.Fatal("expected schema error for zero sample rate")
	}
}
