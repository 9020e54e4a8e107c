package timing_test

import (
	"math"
	"testing"

	"github.com/marr-lab/goscope/camera"
	"github.com/marr-lab/goscope/timing"
)

const ms = 1e-3

func msEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSweepTimeConcreteBudget(t *testing.T) {
	calc := timing.Calculator{
		Constants: timing.Constants{
			CameraDelay:   1 * ms,
			CameraSettle:  3 * ms,
			RampFalling:   4 * ms,
			DutyCycleWait: 1 * ms,
		},
		Mode:        camera.Normal,
		Direction:   camera.TopToBottom,
		ReadoutTime: func() float64 { return 2 * ms },
	}
	plan := calc.Compute(map[int]timing.Channel{1: {Exposure: 10 * ms}})
	// 10 + 2 + 1 + max(4+1, 3, 1) - 1 = 17
	if !msEqual(plan.SweepTimes[1], 17*ms) {
		t.Errorf("sweep = %f ms, expected 17", plan.SweepTimes[1]/ms)
	}
	if !msEqual(plan.ExposureTimes[1], 12*ms) {
		t.Errorf("exposure = %f ms, expected 12", plan.ExposureTimes[1]/ms)
	}
}

func TestSweepMonotonicInExposure(t *testing.T) {
	calc := timing.Calculator{
		Constants: timing.Constants{
			CameraDelay:   1 * ms,
			CameraSettle:  3 * ms,
			RampFalling:   4 * ms,
			DutyCycleWait: 1 * ms,
		},
		Mode:        camera.Normal,
		ReadoutTime: func() float64 { return 2 * ms },
	}
	prev := -1.0
	for _, exp := range []float64{1, 5, 10, 50, 200} {
		plan := calc.Compute(map[int]timing.Channel{0: {Exposure: exp * ms}})
		if plan.SweepTimes[0] < prev {
			t.Fatalf("sweep decreased at exposure %f ms", exp)
		}
		prev = plan.SweepTimes[0]
	}
}

func TestSmoothingStrictlyIncreasesSweep(t *testing.T) {
	base := timing.Calculator{
		Constants: timing.Constants{CameraDelay: 1 * ms, CameraSettle: 3 * ms},
		Mode:      camera.Normal,
	}
	smoothed := base
	smoothed.Constants.PercentSmoothing = 10
	channels := map[int]timing.Channel{0: {Exposure: 10 * ms}}
	p0 := base.Compute(channels)
	p1 := smoothed.Compute(channels)
	if p1.SweepTimes[0] <= p0.SweepTimes[0] {
		t.Errorf("smoothing did not increase sweep: %f vs %f", p1.SweepTimes[0], p0.SweepTimes[0])
	}
	if !msEqual(p1.SweepTimes[0], p0.SweepTimes[0]*1.1) {
		t.Errorf("smoothed sweep = %f, expected %f", p1.SweepTimes[0], p0.SweepTimes[0]*1.1)
	}
}

func TestSweepAtLeastExposurePlusReadout(t *testing.T) {
	calc := timing.Calculator{
		Constants:   timing.Constants{CameraDelay: 2 * ms, CameraSettle: 1 * ms},
		Mode:        camera.Normal,
		ReadoutTime: func() float64 { return 5 * ms },
	}
	plan := calc.Compute(map[int]timing.Channel{0: {Exposure: 8 * ms}})
	if plan.SweepTimes[0] < plan.ExposureTimes[0] {
		t.Errorf("sweep %f below exposure+readout %f", plan.SweepTimes[0], plan.ExposureTimes[0])
	}
}

func TestAlternatingDirectionDropsRampFalling(t *testing.T) {
	calc := timing.Calculator{
		Constants: timing.Constants{
			CameraDelay:   1 * ms,
			RampFalling:   40 * ms,
			DutyCycleWait: 1 * ms,
		},
		Mode:      camera.LightSheet,
		Direction: camera.Bidirectional,
	}
	plan := calc.Compute(map[int]timing.Channel{0: {Exposure: 10 * ms}})
	// ramp drops out: 10 + 0 + 1 + max(0+1, 0, 1) - 1 = 11
	if !msEqual(plan.SweepTimes[0], 11*ms) {
		t.Errorf("sweep = %f ms, expected 11", plan.SweepTimes[0]/ms)
	}
}

func TestLightSheetCorrectionReported(t *testing.T) {
	cam := camera.NewSynthetic("SIM0", 2048, 2048)
	var gotKey int
	var gotValue float64
	corrections := 0
	calc := timing.Calculator{
		Mode: camera.LightSheet,
		LightSheetExposure: func(requested float64) float64 {
			exp, _ := cam.LightSheetExposure(requested, 10)
			return exp
		},
		OnCorrection: func(key int, corrected float64) {
			corrections++
			gotKey, gotValue = key, corrected
		},
	}
	requested := 200 * ms
	plan := calc.Compute(map[int]timing.Channel{3: {Exposure: requested}})
	if corrections != 1 {
		t.Fatalf("got %d corrections, expected 1", corrections)
	}
	if gotKey != 3 {
		t.Errorf("correction for channel %d, expected 3", gotKey)
	}
	if gotValue >= requested {
		t.Errorf("corrected exposure %f not below requested %f", gotValue, requested)
	}
	if plan.ExposureTimes[3] != gotValue {
		t.Errorf("plan exposure %f differs from reported correction %f", plan.ExposureTimes[3], gotValue)
	}
}

func TestPlanEquality(t *testing.T) {
	calc := timing.Calculator{
		Constants:   timing.Constants{CameraDelay: 1 * ms},
		Mode:        camera.Normal,
		ReadoutTime: func() float64 { return 2 * ms },
	}
	channels := map[int]timing.Channel{0: {Exposure: 10 * ms}, 1: {Exposure: 20 * ms}}
	a := calc.Compute(channels)
	b := calc.Compute(channels)
	if !a.Equal(b) {
		t.Error("identical inputs produced unequal plans")
	}
	channels[1] = timing.Channel{Exposure: 25 * ms}
	c := calc.Compute(channels)
	if a.Equal(c) {
		t.Error("changed exposure produced an equal plan")
	}
}
