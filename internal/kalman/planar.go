package kalman

import "math"

// DefaultPlanarQ is the default process-noise variance (m^2) per axis for a
// Planar filter.
const DefaultPlanarQ = 1.0

// Planar is the 2D positional Kalman filter (C7) that fuses PDR-predicted
// displacements with smoothed absolute fixes. Cross-covariance terms P12/P21
// are tracked in the structure but always maintained at zero — the spec
// leaves populating them from correlated process noise as a documented
// future extension (see DESIGN.md open-question decisions).
type Planar struct {
	x, y         float64
	p11, p22     float64
	p12, p21     float64
	q            float64
	initialized  bool
}

// NewPlanar creates a Planar filter with the default process noise.
func NewPlanar() *Planar {
	return NewPlanarWithQ(DefaultPlanarQ)
}

// NewPlanarWithQ creates a Planar filter with an explicit process noise q.
func NewPlanarWithQ(q float64) *Planar {
	return &Planar{q: q}
}

// Initialize sets the filter state to (x0, y0) with variance sigma2 on both
// axes (used at session start).
func (p *Planar) Initialize(x0, y0, sigma2 float64) {
	p.x, p.y = x0, y0
	p.p11, p.p22 = sigma2, sigma2
	p.p12, p.p21 = 0, 0
	p.initialized = true
}

// SetState forces a reset to (x, y) with variance sigma2 — used by
// recalibration / jump reset; bypasses smoothing.
func (p *Planar) SetState(x, y, sigma2 float64) {
	p.Initialize(x, y, sigma2)
}

// Predict advances the state by a PDR displacement (dx, dy) and grows the
// variance by the process noise on each axis. Off-diagonals are unchanged.
func (p *Planar) Predict(dx, dy float64) {
	p.x += dx
	p.y += dy
	p.p11 += p.q
	p.p22 += p.q
}

// Update folds in an absolute measurement (zx, zy) with accuracy (meters,
// 1-sigma).
func (p *Planar) Update(zx, zy, accuracy float64) {
	r := accuracy * accuracy
	kx := p.p11 / (p.p11 + r)
	ky := p.p22 / (p.p22 + r)
	p.x += kx * (zx - p.x)
	p.y += ky * (zy - p.y)
	p.p11 = (1 - kx) * p.p11
	p.p22 = (1 - ky) * p.p22
}

// Position returns the current (x, y) estimate.
func (p *Planar) Position() (x, y float64) { return p.x, p.y }

// Uncertainty returns (sqrt(p11), sqrt(p22)), clamping negative variances to
// zero on read.
func (p *Planar) Uncertainty() (sx, sy float64) {
	p11, p22 := p.p11, p.p22
	if p11 < 0 {
		p11 = 0
	}
	if p22 < 0 {
		p22 = 0
	}
	return math.Sqrt(p11), math.Sqrt(p22)
}

// Initialized reports whether Initialize/SetState has been called.
func (p *Planar) Initialized() bool { return p.initialized }
