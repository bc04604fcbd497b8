// Package kalman implements the scalar (C1), absolute-fix (C2) and planar
// positional (C7) Kalman filters used by the fusion engine. The numerical
// core follows the same direct-form update/covariance pattern as the
// teacher's gonum-based EKF, simplified to the scalar/2x2-diagonal case the
// spec calls for instead of a general state-space matrix.
package kalman

// Scalar is a 1D Kalman filter over a single scalar measurement (C1).
// Default process noise Q is 1e-5 unless overridden via NewScalarWithQ.
type Scalar struct {
	q           float64
	xHat        float64
	p           float64
	initialized bool
}

// DefaultScalarQ is the default process-noise variance for a Scalar filter.
const DefaultScalarQ = 1e-5

// NewScalar creates a Scalar filter with the default process noise.
func NewScalar() *Scalar {
	return NewScalarWithQ(DefaultScalarQ)
}

// NewScalarWithQ creates a Scalar filter with an explicit process noise q.
func NewScalarWithQ(q float64) *Scalar {
	return &Scalar{q: q}
}

// Reset clears initialization; the next Update seeds the estimate.
func (s *Scalar) Reset() {
	s.xHat = 0
	s.p = 0
	s.initialized = false
}

// Update folds in a measurement z with variance r (> 0) and returns the
// post-update estimate. On the first call after construction or Reset, the
// filter seeds directly from the measurement.
func (s *Scalar) Update(z, r float64) float64 {
	if !s.initialized {
		s.xHat = z
		s.p = r
		s.initialized = true
		return s.xHat
	}

	s.p += s.q
	k := s.p / (s.p + r)
	s.xHat += k * (z - s.xHat)
	s.p = (1 - k) * s.p
	return s.xHat
}

// Estimate returns the current estimate without updating.
func (s *Scalar) Estimate() float64 { return s.xHat }

// Variance returns the current variance, clamped to be non-negative on read.
func (s *Scalar) Variance() float64 {
	if s.p < 0 {
		return 0
	}
	return s.p
}

// Initialized reports whether Update has been called since construction/Reset.
func (s *Scalar) Initialized() bool { return s.initialized }
