package pdr

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// StepLengthMethod selects the step-length estimation strategy (C4).
type StepLengthMethod int

const (
	StepLengthFixed StepLengthMethod = iota
	StepLengthWeinberg
	StepLengthAdaptive
)

const adaptiveLengthRingCap = 20

// StepLengthConfig configures the estimator.
type StepLengthConfig struct {
	Method       StepLengthMethod
	FixedLengthM float64 // default 0.65
	HeightCm     float64 // used by Weinberg/Adaptive
}

// DefaultStepLengthConfig returns fixed-method defaults.
func DefaultStepLengthConfig() StepLengthConfig {
	return StepLengthConfig{
		Method:       StepLengthFixed,
		FixedLengthM: 0.65,
		HeightCm:     170,
	}
}

// StepLengthEstimator estimates per-step displacement and its confidence.
type StepLengthEstimator struct {
	cfg StepLengthConfig

	ring       []float64 // last up to 20 estimated lengths
	confidence float64
}

// NewStepLengthEstimator creates an estimator with the given configuration.
func NewStepLengthEstimator(cfg StepLengthConfig) *StepLengthEstimator {
	return &StepLengthEstimator{cfg: cfg}
}

// Estimate returns the step length in meters for this step, given the
// accelerometer window extremes observed since the previous step, and
// updates the estimator's confidence.
func (e *StepLengthEstimator) Estimate(aMax, aMin float64) float64 {
	switch e.cfg.Method {
	case StepLengthWeinberg:
		e.confidence = 0.8
		return e.weinberg(aMax, aMin)
	case StepLengthAdaptive:
		return e.adaptive(aMax, aMin)
	default:
		e.confidence = 0.6
		return e.cfg.FixedLengthM
	}
}

// Confidence returns the confidence of the most recent Estimate call.
func (e *StepLengthEstimator) Confidence() float64 { return e.confidence }

// Reset clears the adaptive running history.
func (e *StepLengthEstimator) Reset() {
	e.ring = nil
	e.confidence = 0
}

func (e *StepLengthEstimator) weinberg(aMax, aMin float64) float64 {
	k := 0.37 + (e.cfg.HeightCm-170)*3e-4
	k = clamp(k, 0.35, 0.55)
	diff := aMax - aMin
	if diff < 0 {
		diff = 0
	}
	l := k * math.Pow(diff, 0.25)
	return clamp(l, 0.4, 1.2)
}

func (e *StepLengthEstimator) adaptive(aMax, aMin float64) float64 {
	l := e.weinberg(aMax, aMin)

	if len(e.ring) > 0 {
		mu := stat.Mean(e.ring, nil)
		if math.Abs(l-mu) > 0.3*mu {
			l = mu + 0.3*(l-mu)
		}
	}

	e.ring = append(e.ring, l)
	if len(e.ring) > adaptiveLengthRingCap {
		e.ring = e.ring[len(e.ring)-adaptiveLengthRingCap:]
	}

	n := len(e.ring)
	var weighted, weightSum float64
	for i, v := range e.ring {
		w := float64(i+1) / float64(n)
		weighted += w * v
		weightSum += w
	}
	result := weighted / weightSum

	e.confidence = 0.9 * (float64(n) / float64(adaptiveLengthRingCap))
	if e.confidence > 0.9 {
		e.confidence = 0.9
	}

	return result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

