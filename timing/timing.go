// Package timing computes per-channel exposure and sweep times.  Every
// waveform-generating device must sustain output for at least the sweep time
// of the active channel; the camera integrates for the exposure time.  All
// times are in seconds.
package timing

import (
	"math"

	"github.com/marr-lab/goscope/camera"
)

// Constants are the fixed hardware delays entering the sweep-time budget
type Constants struct {
	// CameraDelay is the camera's intrinsic trigger-to-integration delay
	CameraDelay float64

	// CameraSettle is the camera settle duration
	CameraSettle float64

	// RampFalling is the remote-focus flyback duration
	RampFalling float64

	// DutyCycleWait is the remote-focus settle duration after flyback
	DutyCycleWait float64

	// PercentSmoothing widens the sweep to absorb waveform smoothing;
	// 0 disables it
	PercentSmoothing float64
}

// Channel is one selected acquisition channel's timing input
type Channel struct {
	// Exposure is the requested camera exposure
	Exposure float64
}

// Calculator derives a Plan from channel exposures, camera state, and the
// hardware constants
type Calculator struct {
	Constants Constants

	// Mode is the camera sensor mode
	Mode camera.ReadoutMode

	// Direction is the rolling-shutter direction; alternating directions
	// drop the remote-focus flyback from the budget
	Direction camera.ReadoutDirection

	// ReadoutTime returns the camera's full-frame readout duration,
	// consulted in Normal mode only
	ReadoutTime func() float64

	// LightSheetExposure maps a requested exposure to the achievable one
	// in light-sheet mode, consulted in LightSheet mode only
	LightSheetExposure func(requested float64) float64

	// OnCorrection is called when light-sheet mode changes a channel's
	// stored exposure, so the displayed value stays truthful.  May be nil.
	OnCorrection func(channel int, corrected float64)
}

// Plan is the computed timing for one channel set.  A Plan is immutable; a
// change to any contributing input requires a fresh Compute call.
type Plan struct {
	// ExposureTimes is exposure plus readout per channel
	ExposureTimes map[int]float64

	// SweepTimes is the full per-channel output duration
	SweepTimes map[int]float64

	// ReadoutTime is the camera readout entering the budget
	ReadoutTime float64
}

// Compute derives the Plan for the given selected channels.  Light-sheet
// exposure corrections are reported through OnCorrection as they are found.
func (c *Calculator) Compute(channels map[int]Channel) Plan {
	readout := 0.0
	ramp := c.Constants.RampFalling
	if c.Mode == camera.Normal {
		if c.ReadoutTime != nil {
			readout = c.ReadoutTime()
		}
	} else if c.Direction.Alternating() {
		ramp = 0
	}

	plan := Plan{
		ExposureTimes: make(map[int]float64, len(channels)),
		SweepTimes:    make(map[int]float64, len(channels)),
		ReadoutTime:   readout,
	}
	for key, ch := range channels {
		exposure := ch.Exposure
		if c.Mode == camera.LightSheet && c.LightSheetExposure != nil {
			achievable := c.LightSheetExposure(exposure)
			if achievable != exposure {
				exposure = round4(achievable)
				if c.OnCorrection != nil {
					c.OnCorrection(key, exposure)
				}
			}
		}
		sweep := exposure + readout + c.Constants.CameraDelay +
			math.Max(ramp+c.Constants.DutyCycleWait,
				math.Max(c.Constants.CameraSettle, c.Constants.CameraDelay)) -
			c.Constants.CameraDelay
		if c.Constants.PercentSmoothing > 0 {
			sweep *= 1 + c.Constants.PercentSmoothing/100
		}
		plan.ExposureTimes[key] = exposure + readout
		plan.SweepTimes[key] = sweep
	}
	return plan
}

// Equal reports whether two plans demand the same hardware programming.
// The waveform pipeline may skip reprogramming between channels whose plans
// are equal.
func (p Plan) Equal(other Plan) bool {
	if len(p.ExposureTimes) != len(other.ExposureTimes) ||
		len(p.SweepTimes) != len(other.SweepTimes) ||
		p.ReadoutTime != other.ReadoutTime {
		return false
	}
	for k, v := range p.ExposureTimes {
		if ov, ok := other.ExposureTimes[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range p.SweepTimes {
		if ov, ok := other.SweepTimes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
