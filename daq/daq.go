package daq

import (
	"github.com/marr-lab/goscope/timing"
)

// TriggerMode selects how waveform generation starts
type TriggerMode string

const (
	// SelfTrigger starts generation from software and advances the camera
	// one frame per run
	SelfTrigger TriggerMode = "self-trigger"

	// ExternalTrigger arms outputs and waits for a hardware pulse
	ExternalTrigger TriggerMode = "external-trigger"
)

// RemoteFocusConfig parameterizes the remote-focus drive
type RemoteFocusConfig struct {
	Amplitude  float64
	Offset     float64
	Delay      float64 // seconds before the ramp rises
	Fall       float64 // flyback duration, seconds
	MinVoltage float64
	MaxVoltage float64
	// Triangular replaces the flyback with a mirrored second sweep, used
	// with bidirectional light-sheet readout
	Triangular bool
}

// GalvoShape selects the galvo drive waveform
type GalvoShape string

const (
	GalvoSawtooth GalvoShape = "sawtooth"
	GalvoSine     GalvoShape = "sine"
)

// GalvoConfig parameterizes the galvo drive
type GalvoConfig struct {
	Shape      GalvoShape
	Frequency  float64
	Amplitude  float64
	Offset     float64
	DutyCycle  float64 // percent, sawtooth only
	Phase      float64 // radians
	MinVoltage float64
	MaxVoltage float64
}

// Config is the static hardware description a waveform set is computed from
type Config struct {
	SampleRate       float64
	CameraDelay      float64
	PercentSmoothing float64
	RemoteFocus      RemoteFocusConfig
	Galvo            GalvoConfig
}

// WaveformSet is the computed output for one timing plan, keyed by channel
type WaveformSet struct {
	Camera      map[int]Waveform
	RemoteFocus map[int]Waveform
	Galvo       map[int]Waveform
}

// CalculateAllWaveforms derives the full waveform set for a timing plan.
// It is a pure function of the plan and the static config; a defocus offset
// in volts may be added to the remote-focus drive for the active channel.
func (c Config) CalculateAllWaveforms(plan timing.Plan, focusOffset float64) WaveformSet {
	set := WaveformSet{
		Camera:      make(map[int]Waveform, len(plan.SweepTimes)),
		RemoteFocus: make(map[int]Waveform, len(plan.SweepTimes)),
		Galvo:       make(map[int]Waveform, len(plan.SweepTimes)),
	}
	for key, sweep := range plan.SweepTimes {
		exposure := plan.ExposureTimes[key]

		set.Camera[key] = CameraExposure(c.SampleRate, sweep, exposure, c.CameraDelay)

		rf := c.RemoteFocus
		var focus Waveform
		if rf.Triangular {
			focus = RemoteFocusRampTriangular(c.SampleRate, exposure, sweep,
				rf.Delay, c.CameraDelay, rf.Amplitude, rf.Offset+focusOffset)
		} else {
			focus = RemoteFocusRamp(c.SampleRate, exposure, sweep,
				rf.Delay, c.CameraDelay, rf.Fall, rf.Amplitude, rf.Offset+focusOffset)
		}
		if c.PercentSmoothing > 0 {
			focus = Smooth(focus, c.PercentSmoothing)
		}
		set.RemoteFocus[key] = focus.Clamp(rf.MinVoltage, rf.MaxVoltage)

		g := c.Galvo
		var galvo Waveform
		switch g.Shape {
		case GalvoSine:
			galvo = Sine(c.SampleRate, sweep, g.Frequency, g.Amplitude, g.Offset, g.Phase)
		default:
			galvo = Sawtooth(c.SampleRate, sweep, g.Frequency, g.Amplitude, g.Offset, g.DutyCycle, g.Phase)
		}
		set.Galvo[key] = galvo.Clamp(g.MinVoltage, g.MaxVoltage)
	}
	return set
}

// DAQ is the waveform pipeline contract the orchestrator drives
type DAQ interface {
	// CalculateAllWaveforms computes the waveform set for a plan without
	// touching hardware
	CalculateAllWaveforms(plan timing.Plan, focusOffset float64) WaveformSet

	// PrepareAcquisition stages the waveforms for one channel.  It is
	// mutually exclusive with RunAcquisition: a run issued while a write
	// is in flight blocks until the write completes.
	PrepareAcquisition(channel int, plan timing.Plan) error

	// RunAcquisition starts one synchronized generation cycle
	RunAcquisition() error

	// StopAcquisition halts generation; a no-op when nothing runs
	StopAcquisition()

	// SetTriggerMode selects self or external triggering
	SetTriggerMode(mode TriggerMode)

	// Close releases all tasks; safe to call repeatedly
	Close() error
}
