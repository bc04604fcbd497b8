package pdr

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/stridefusion/pdrengine/internal/types"
)

const (
	defaultMagIntervalMs   = 1000
	complementaryAlphaGyro = 0.98
	confidenceTimeConstS   = 60.0
	minHeadingConfidence   = 0.5
	driftHistoryCap        = 10
)

// HeadingEstimator integrates yaw rate and periodically corrects against a
// magnetometer reference (C5).
type HeadingEstimator struct {
	headingRad   float64
	lastUpdateMs int64
	haveUpdate   bool

	drift        float64
	driftHistory []float64

	lastMagMs  int64
	haveMag    bool
	magIntervalMs int64
}

// NewHeadingEstimator creates a HeadingEstimator with the default
// magnetometer fusion interval (1000ms).
func NewHeadingEstimator() *HeadingEstimator {
	return &HeadingEstimator{magIntervalMs: defaultMagIntervalMs}
}

// Reset clears all heading state.
func (h *HeadingEstimator) Reset() {
	*h = HeadingEstimator{magIntervalMs: h.magIntervalMs}
}

// OnGyro integrates a rotation-rate sample into the heading estimate.
func (h *HeadingEstimator) OnGyro(s types.RotationRateSample) {
	if !h.haveUpdate {
		h.lastUpdateMs = s.TimestampMs
		h.haveUpdate = true
		return
	}
	dt := float64(s.TimestampMs-h.lastUpdateMs) / 1000.0
	omega := s.Alpha * math.Pi / 180
	h.headingRad = types.NormalizeAngle(h.headingRad + (omega-h.drift)*dt)
	h.lastUpdateMs = s.TimestampMs
}

// OnMagnetometer fuses a magnetometer sample if at least magIntervalMs has
// elapsed since the previous fusion.
func (h *HeadingEstimator) OnMagnetometer(s types.MagnetometerSample) {
	if h.haveMag && s.TimestampMs-h.lastMagMs < h.magIntervalMs {
		return
	}

	m := types.NormalizeAngle(math.Atan2(s.My, s.Mx))
	diff := types.ShortestAngleDiff(h.headingRad, m)
	h.headingRad = types.NormalizeAngle(h.headingRad + (1-complementaryAlphaGyro)*diff)

	if h.haveMag {
		elapsedS := float64(s.TimestampMs-h.lastMagMs) / 1000.0
		if elapsedS > 0 {
			h.driftHistory = append(h.driftHistory, diff/elapsedS)
			if len(h.driftHistory) > driftHistoryCap {
				h.driftHistory = h.driftHistory[len(h.driftHistory)-driftHistoryCap:]
			}
			h.drift = stat.Mean(h.driftHistory, nil)
		}
	}

	h.lastMagMs = s.TimestampMs
	h.haveMag = true
}

// HeadingNow returns the current heading estimate in radians, [0, 2*pi).
func (h *HeadingEstimator) HeadingNow() float64 {
	return types.NormalizeAngle(h.headingRad)
}

// Confidence returns the heading confidence: it decays exponentially from
// the last magnetometer fusion with a 60s time constant, clamped at 0.5.
func (h *HeadingEstimator) Confidence() float64 {
	if !h.haveMag {
		return minHeadingConfidence
	}
	elapsedS := float64(h.lastUpdateMs-h.lastMagMs) / 1000.0
	if elapsedS < 0 {
		elapsedS = 0
	}
	c := math.Exp(-elapsedS / confidenceTimeConstS)
	if c < minHeadingConfidence {
		return minHeadingConfidence
	}
	return c
}
