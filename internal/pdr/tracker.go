package pdr

import (
	"math"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/types"
)

// StallTimeoutMs is how long the tracker waits for sensor samples before it
// reports a stall; the Fusion Manager treats a stall as "PDR unavailable"
// and falls back to GPS-only.
const StallTimeoutMs = 2000

// Tracker combines step detection, step-length estimation and heading into
// incremental planar displacement (C6).
type Tracker struct {
	clk clock.Clock

	detector *StepDetector
	length   *StepLengthEstimator
	heading  *HeadingEstimator

	x, y float64

	lastSampleMs int64
	haveSample   bool
}

// NewTracker wires a Tracker around the given sub-components.
func NewTracker(clk clock.Clock, detector *StepDetector, length *StepLengthEstimator, heading *HeadingEstimator) *Tracker {
	return &Tracker{clk: clk, detector: detector, length: length, heading: heading}
}

// Reset zeroes position and clears all sub-component history.
func (t *Tracker) Reset() {
	t.x, t.y = 0, 0
	t.lastSampleMs = 0
	t.haveSample = false
	t.detector.Reset()
	t.length.Reset()
	t.heading.Reset()
}

// ResetPosition jumps state to (x, y) without clearing history — used for
// recalibration.
func (t *Tracker) ResetPosition(x, y float64) {
	t.x, t.y = x, y
}

// Position returns the tracker's current (x, y) in the local frame.
func (t *Tracker) Position() (x, y float64) { return t.x, t.y }

// OnAccel feeds an accelerometer sample, returning an emitted PDR delta if a
// step fired.
func (t *Tracker) OnAccel(s types.AccelSample) (types.PDRDelta, bool) {
	t.markSample(s.TimestampMs)

	ev, fired := t.detector.OnAccel(s)
	if !fired {
		return types.PDRDelta{}, false
	}

	aMax, aMin := t.detector.WindowExtremes()
	length := t.length.Estimate(aMax, aMin)
	heading := t.heading.HeadingNow()

	dx := length * math.Sin(heading)
	dy := length * math.Cos(heading)
	t.x += dx
	t.y += dy

	confidence := t.length.Confidence()
	if hc := t.heading.Confidence(); hc < confidence {
		confidence = hc
	}

	return types.PDRDelta{
		Dx:          dx,
		Dy:          dy,
		StepLength:  length,
		Heading:     heading,
		Confidence:  confidence,
		TimestampMs: ev.TimestampMs,
	}, true
}

// OnGyro feeds a rotation-rate sample to the heading estimator.
func (t *Tracker) OnGyro(s types.RotationRateSample) {
	t.markSample(s.TimestampMs)
	t.heading.OnGyro(s)
}

// OnMagnetometer feeds a magnetometer sample to the heading estimator.
func (t *Tracker) OnMagnetometer(s types.MagnetometerSample) {
	t.markSample(s.TimestampMs)
	t.heading.OnMagnetometer(s)
}

func (t *Tracker) markSample(ms int64) {
	t.lastSampleMs = ms
	t.haveSample = true
}

// Stalled reports whether more than StallTimeoutMs has elapsed since the
// last sensor sample of any kind, using the tracker's clock for "now".
func (t *Tracker) Stalled() bool {
	if !t.haveSample {
		return false
	}
	return t.clk.NowMs()-t.lastSampleMs > StallTimeoutMs
}
