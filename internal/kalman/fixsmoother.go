package kalman

import "math"

// FixSmoother wraps two independent Scalar filters, one per geographic axis
// (C2). Lat/lng are treated as independent at short horizons (< tens of
// meters) to keep the filter trivially invertible; covariance cross-terms
// are folded into the planar fusion (C7) instead of here.
type FixSmoother struct {
	lat *Scalar
	lng *Scalar
}

// NewFixSmoother creates a FixSmoother with default per-axis process noise.
func NewFixSmoother() *FixSmoother {
	return &FixSmoother{
		lat: NewScalar(),
		lng: NewScalar(),
	}
}

// Update smooths one absolute fix (lat, lng, accuracy in meters) and returns
// the smoothed (lat, lng) plus a recomputed 1-sigma accuracy.
func (f *FixSmoother) Update(lat, lng, accuracy float64) (sLat, sLng, sAccuracy float64) {
	r := accuracy * accuracy
	sLat = f.lat.Update(lat, r)
	sLng = f.lng.Update(lng, r)
	sAccuracy = math.Sqrt((f.lat.Variance() + f.lng.Variance()) / 2)
	return sLat, sLng, sAccuracy
}

// Reset clears both axis filters.
func (f *FixSmoother) Reset() {
	f.lat.Reset()
	f.lng.Reset()
}
