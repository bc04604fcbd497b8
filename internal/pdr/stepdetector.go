// Package pdr implements the pedestrian dead-reckoning pipeline: step
// detection (C3), step-length estimation (C4), heading estimation (C5) and
// the tracker that combines them into incremental planar displacement (C6).
package pdr

import (
	"gonum.org/v1/gonum/stat"

	"github.com/stridefusion/pdrengine/internal/types"
)

// StepDetectorConfig configures the step detector.
type StepDetectorConfig struct {
	Threshold         float64 // g, default 1.5
	MinStepIntervalMs int64   // default 200
	BufferSize        int     // default 10
	Adaptive          bool    // default true
}

// DefaultStepDetectorConfig returns the spec's defaults.
func DefaultStepDetectorConfig() StepDetectorConfig {
	return StepDetectorConfig{
		Threshold:         1.5,
		MinStepIntervalMs: 200,
		BufferSize:        10,
		Adaptive:          true,
	}
}

const adaptiveRingCap = 50
const stepHistoryCap = 100

type magSample struct {
	magnitude   float64
	timestampMs int64
}

// StepDetector peak-detects steps from accelerometer magnitude with an
// adaptive threshold (C3).
type StepDetector struct {
	cfg StepDetectorConfig

	ring    []magSample // last BufferSize magnitudes, most recent last
	recent  []float64   // up to 50 recent magnitudes for adaptive threshold

	currentThreshold float64
	lastStepTimeMs   int64
	haveLastStep     bool
	stepCount        uint64

	history []types.StepEvent
}

// NewStepDetector creates a StepDetector with the given configuration.
func NewStepDetector(cfg StepDetectorConfig) *StepDetector {
	d := &StepDetector{cfg: cfg}
	d.currentThreshold = cfg.Threshold
	return d
}

// Reset clears all detector state, including the step counter.
func (d *StepDetector) Reset() {
	d.ring = nil
	d.recent = nil
	d.currentThreshold = d.cfg.Threshold
	d.lastStepTimeMs = 0
	d.haveLastStep = false
	d.stepCount = 0
	d.history = nil
}

// OnAccel feeds one accelerometer sample and returns the detected step
// event, if any fired.
func (d *StepDetector) OnAccel(s types.AccelSample) (types.StepEvent, bool) {
	mag := s.Magnitude()

	d.ring = append(d.ring, magSample{magnitude: mag, timestampMs: s.TimestampMs})
	if len(d.ring) > d.cfg.BufferSize {
		d.ring = d.ring[len(d.ring)-d.cfg.BufferSize:]
	}

	d.recent = append(d.recent, mag)
	if len(d.recent) > adaptiveRingCap {
		d.recent = d.recent[len(d.recent)-adaptiveRingCap:]
	}

	if d.cfg.Adaptive && len(d.recent) >= 20 {
		mu, sigma := stat.MeanStdDev(d.recent, nil)
		candidate := mu + 1.5*sigma
		if candidate < d.cfg.Threshold {
			candidate = d.cfg.Threshold
		}
		d.currentThreshold = candidate
	}

	n := len(d.ring)
	if n < 3 {
		return types.StepEvent{}, false
	}

	a0 := d.ring[n-3]
	a1 := d.ring[n-2]
	a2 := d.ring[n-1]

	isPeak := a1.magnitude > a0.magnitude && a1.magnitude > a2.magnitude && a1.magnitude > d.currentThreshold
	if !isPeak {
		return types.StepEvent{}, false
	}

	if d.haveLastStep && a1.timestampMs-d.lastStepTimeMs < d.cfg.MinStepIntervalMs {
		return types.StepEvent{}, false
	}

	var intervalMs int64
	if d.haveLastStep {
		intervalMs = a1.timestampMs - d.lastStepTimeMs
	}

	d.stepCount++
	d.lastStepTimeMs = a1.timestampMs
	d.haveLastStep = true

	ev := types.StepEvent{
		StepNumber:    d.stepCount,
		PeakMagnitude: a1.magnitude,
		IntervalMs:    intervalMs,
		TimestampMs:   a1.timestampMs,
	}

	d.history = append(d.history, ev)
	if len(d.history) > stepHistoryCap {
		d.history = d.history[len(d.history)-stepHistoryCap:]
	}

	return ev, true
}

// CurrentThreshold returns the detector's current (possibly adaptive)
// threshold.
func (d *StepDetector) CurrentThreshold() float64 { return d.currentThreshold }

// StepCount returns the number of steps detected since construction/Reset.
func (d *StepDetector) StepCount() uint64 { return d.stepCount }

// History returns a copy of the bounded step-event history.
func (d *StepDetector) History() []types.StepEvent {
	out := make([]types.StepEvent, len(d.history))
	copy(out, d.history)
	return out
}

// WindowExtremes returns (max, min) of the accelerometer magnitudes
// currently buffered in the ring: the last BufferSize samples, including the
// sample just after a detected peak. C4 uses these as the step's window; the
// ring is not aligned to step boundaries, so it does not cover the whole
// interval since the previous step when that interval spans more than
// BufferSize samples.
func (d *StepDetector) WindowExtremes() (maxMag, minMag float64) {
	if len(d.ring) == 0 {
		return 0, 0
	}
	maxMag, minMag = d.ring[0].magnitude, d.ring[0].magnitude
	for _, s := range d.ring[1:] {
		if s.magnitude > maxMag {
			maxMag = s.magnitude
		}
		if s.magnitude < minMag {
			minMag = s.magnitude
		}
	}
	return maxMag, minMag
}
