// Package config loads and validates the microscope hardware description.
// The file is YAML, one entry per microscope, each device carrying a
// hardware block naming its type ("asi" or "synthetic") and transport
// parameters.  The structure is validated against a schema before
// unmarshaling so a bad file fails with a path to the offending key rather
// than a zero-valued device.
package config

import (
	"fmt"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Hardware describes how one device is reached
type Hardware struct {
	// Type is the adapter family: "asi" or "synthetic"
	Type string `koanf:"type"`

	// Port is the serial port path or host:port for networked chassis
	Port string `koanf:"port"`

	// Serial is true when Port is a serial device rather than TCP
	Serial bool `koanf:"serial"`

	// Baudrate applies to serial ports; 0 means the adapter default
	Baudrate int `koanf:"baudrate"`

	// SerialNumber identifies sequence-enumerated devices (cameras)
	SerialNumber string `koanf:"serial_number"`
}

// AxisConfig maps one logical stage axis onto hardware
type AxisConfig struct {
	// HardwareAxis is the controller's axis letter
	HardwareAxis string  `koanf:"hardware_axis"`
	Min          float64 `koanf:"min"`
	Max          float64 `koanf:"max"`
	Offset       float64 `koanf:"offset"`
}

// StageConfig describes one stage controller and the axes it owns
type StageConfig struct {
	Hardware Hardware              `koanf:"hardware"`
	Axes     map[string]AxisConfig `koanf:"axes"`
}

// CameraConfig describes the camera
type CameraConfig struct {
	Hardware Hardware `koanf:"hardware"`

	// DelayMs is the trigger-to-integration delay in milliseconds
	DelayMs float64 `koanf:"delay_ms"`

	// SettleDurationMs is the settle duration in milliseconds
	SettleDurationMs float64 `koanf:"settle_duration_ms"`

	XPixels int `koanf:"x_pixels"`
	YPixels int `koanf:"y_pixels"`
}

// LaserConfig describes one laser line
type LaserConfig struct {
	Hardware   Hardware `koanf:"hardware"`
	Wavelength int      `koanf:"wavelength"`

	// DACAxis is the Tiger DAC axis modulating this line
	DACAxis   string  `koanf:"dac_axis"`
	MinCounts float64 `koanf:"min_counts"`
	MaxCounts float64 `koanf:"max_counts"`
}

// FilterWheelConfig describes one filter wheel
type FilterWheelConfig struct {
	Hardware Hardware `koanf:"hardware"`

	// Wheel is the chassis wheel index
	Wheel int `koanf:"wheel"`

	// Filters maps filter names to wheel slots
	Filters map[string]int `koanf:"filters"`
}

// ShutterConfig describes the shutter
type ShutterConfig struct {
	Hardware Hardware `koanf:"hardware"`

	// Card is the chassis card address owning the shutter TTL line
	Card string `koanf:"card"`
}

// RemoteFocusConfig parameterizes the remote-focus drive
type RemoteFocusConfig struct {
	Amplitude  float64 `koanf:"amplitude"`
	Offset     float64 `koanf:"offset"`
	DelayMs    float64 `koanf:"delay_ms"`
	FallMs     float64 `koanf:"ramp_falling_ms"`
	SettleMs   float64 `koanf:"settle_duration_ms"`
	MinVoltage float64 `koanf:"min_voltage"`
	MaxVoltage float64 `koanf:"max_voltage"`
}

// GalvoConfig parameterizes the galvo drive
type GalvoConfig struct {
	Waveform   string  `koanf:"waveform"`
	Frequency  float64 `koanf:"frequency"`
	Amplitude  float64 `koanf:"amplitude"`
	Offset     float64 `koanf:"offset"`
	DutyCycle  float64 `koanf:"duty_cycle"`
	Phase      float64 `koanf:"phase"`
	MinVoltage float64 `koanf:"min_voltage"`
	MaxVoltage float64 `koanf:"max_voltage"`
}

// DAQConfig describes the waveform board
type DAQConfig struct {
	Hardware         Hardware          `koanf:"hardware"`
	SampleRate       float64           `koanf:"sample_rate"`
	PercentSmoothing float64           `koanf:"percent_smoothing"`
	RemoteFocus      RemoteFocusConfig `koanf:"remote_focus"`
	Galvo            GalvoConfig       `koanf:"galvo"`
}

// Microscope is one complete instrument
type Microscope struct {
	Stages       []StageConfig       `koanf:"stages"`
	Camera       CameraConfig        `koanf:"camera"`
	Lasers       []LaserConfig       `koanf:"lasers"`
	FilterWheels []FilterWheelConfig `koanf:"filter_wheels"`
	Shutter      ShutterConfig       `koanf:"shutter"`
	DAQ          DAQConfig           `koanf:"daq"`
}

// Config is the root of the hardware description
type Config struct {
	Microscopes map[string]Microscope `koanf:"microscopes"`
}

// schema is the structural contract a file must satisfy before unmarshaling
const schema = `{
	"type": "object",
	"required": ["microscopes"],
	"properties": {
		"microscopes": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"required": ["stages", "camera", "daq"],
				"properties": {
					"stages": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["hardware", "axes"],
							"properties": {
								"hardware": {"$ref": "#/$defs/hardware"},
								"axes": {"type": "object", "minProperties": 1}
							}
						}
					},
					"camera": {
						"type": "object",
						"required": ["hardware"],
						"properties": {"hardware": {"$ref": "#/$defs/hardware"}}
					},
					"daq": {
						"type": "object",
						"required": ["hardware", "sample_rate"],
						"properties": {
							"hardware": {"$ref": "#/$defs/hardware"},
							"sample_rate": {"type": "number", "exclusiveMinimum": 0}
						}
					},
					"lasers": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["hardware", "wavelength"]
						}
					}
				}
			}
		}
	},
	"$defs": {
		"hardware": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {"enum": ["asi", "synthetic"]}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("config.schema.json", schema)

// Load reads, validates, and unmarshals the file at path
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return finish(k)
}

// LoadBytes parses an in-memory YAML document; used by tests and embedded
// defaults
func LoadBytes(b []byte) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	return finish(k)
}

func finish(k *koanf.Koanf) (Config, error) {
	if err := compiledSchema.Validate(k.Raw()); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	return cfg, nil
}
