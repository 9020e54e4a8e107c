// Package daq turns a timing plan into synchronized per-device output
// waveforms and drives their generation
package daq

import "math"

// Waveform is a time-indexed sample sequence for one physical output.
// Analog samples are volts; digital lines use 0 and TTLHigh.  A Waveform is
// immutable once handed to a task.
type Waveform []float64

// TTLHigh is the logic-high level used on digital waveforms
const TTLHigh = 5.0

func samples(sampleRate, duration float64) int {
	return int(sampleRate * duration)
}

// CameraExposure builds the digital camera trigger: low for delay, high for
// the exposure, low for the remainder of the sweep
func CameraExposure(sampleRate, sweepTime, exposureTime, delay float64) Waveform {
	n := samples(sampleRate, sweepTime)
	onAt := samples(sampleRate, delay)
	offAt := onAt + samples(sampleRate, exposureTime)
	w := make(Waveform, n)
	for i := onAt; i < offAt && i < n; i++ {
		w[i] = TTLHigh
	}
	return w
}

// RemoteFocusRamp builds the remote-focus drive: hold at the ramp start for
// the delay, rise linearly across the exposure window, fall back over the
// flyback duration, then hold until the sweep ends.  The ramp spans
// [offset-amplitude, offset+amplitude].
func RemoteFocusRamp(sampleRate, exposureTime, sweepTime, delay, cameraDelay, fall, amplitude, offset float64) Waveform {
	n := samples(sampleRate, sweepTime)
	w := make(Waveform, n)
	lo := offset - amplitude
	hi := offset + amplitude
	riseStart := samples(sampleRate, delay)
	riseEnd := riseStart + samples(sampleRate, exposureTime+cameraDelay)
	fallEnd := riseEnd + samples(sampleRate, fall)
	if riseEnd > n {
		riseEnd = n
	}
	if fallEnd > n {
		fallEnd = n
	}
	for i := 0; i < riseStart && i < n; i++ {
		w[i] = lo
	}
	for i := riseStart; i < riseEnd; i++ {
		frac := float64(i-riseStart) / float64(riseEnd-riseStart)
		w[i] = lo + (hi-lo)*frac
	}
	for i := riseEnd; i < fallEnd; i++ {
		frac := float64(i-riseEnd) / float64(fallEnd-riseEnd)
		w[i] = hi - (hi-lo)*frac
	}
	for i := fallEnd; i < n; i++ {
		w[i] = lo
	}
	return w
}

// RemoteFocusRampTriangular builds a flyback-free triangular drive for
// bidirectional light-sheet readout: rise over one sweep, fall over the
// next.  The returned waveform covers both halves.
func RemoteFocusRampTriangular(sampleRate, exposureTime, sweepTime, delay, cameraDelay, amplitude, offset float64) Waveform {
	half := RemoteFocusRamp(sampleRate, exposureTime, sweepTime, delay, cameraDelay, 0, amplitude, offset)
	// hold at the top after the rise, then mirror
	top := samples(sampleRate, delay) + samples(sampleRate, exposureTime+cameraDelay)
	for i := top; i < len(half); i++ {
		half[i] = offset + amplitude
	}
	n := len(half)
	w := make(Waveform, 2*n)
	copy(w, half)
	for i := 0; i < n; i++ {
		w[n+i] = half[n-1-i]
	}
	return w
}

// Sawtooth builds a periodic asymmetric ramp.  dutyCycle is the rising
// fraction of each period in percent; phase is in radians.
func Sawtooth(sampleRate, sweepTime, frequency, amplitude, offset, dutyCycle, phase float64) Waveform {
	n := samples(sampleRate, sweepTime)
	w := make(Waveform, n)
	duty := dutyCycle / 100
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		cycles := t*frequency + phase/(2*math.Pi)
		frac := cycles - math.Floor(cycles)
		var v float64
		if duty <= 0 {
			v = 1 - 2*frac
		} else if frac < duty {
			v = -1 + 2*frac/duty
		} else {
			v = 1 - 2*(frac-duty)/(1-duty)
		}
		w[i] = offset + amplitude*v
	}
	return w
}

// Sine builds a sinusoid with the given frequency (Hz) and phase (radians)
func Sine(sampleRate, sweepTime, frequency, amplitude, offset, phase float64) Waveform {
	n := samples(sampleRate, sweepTime)
	w := make(Waveform, n)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		w[i] = offset + amplitude*math.Sin(2*math.Pi*frequency*t+phase)
	}
	return w
}

// Smooth applies a moving average whose window is percent of the waveform
// length, rounding sharp transitions the hardware cannot follow
func Smooth(w Waveform, percent float64) Waveform {
	if percent <= 0 || len(w) == 0 {
		return w
	}
	window := int(float64(len(w)) * percent / 100)
	if window < 2 {
		return w
	}
	out := make(Waveform, len(w))
	sum := 0.0
	for i := range w {
		sum += w[i]
		if i >= window {
			sum -= w[i-window]
			out[i] = sum / float64(window)
		} else {
			out[i] = sum / float64(i+1)
		}
	}
	return out
}

// Clamp limits every sample to [min, max], in place, and returns w
func (w Waveform) Clamp(min, max float64) Waveform {
	for i, v := range w {
		if v < min {
			w[i] = min
		} else if v > max {
			w[i] = max
		}
	}
	return w
}
