package pdr

import (
	"math"
	"testing"

	"github.com/stridefusion/pdrengine/internal/types"
)

// TestStepDetector_SinusoidalSignal mirrors scenario S6: a 2Hz sinusoidal
// acceleration magnitude for 10s at 50Hz should yield ~20 steps.
func TestStepDetector_SinusoidalSignal(t *testing.T) {
	d := NewStepDetector(DefaultStepDetectorConfig())

	const hz = 50.0
	const durationS = 10.0
	n := int(hz * durationS)

	var steps []types.StepEvent
	for i := 0; i < n; i++ {
		tSec := float64(i) / hz
		mag := 1.0 + 0.8*math.Sin(2*math.Pi*2*tSec)
		ts := int64(tSec * 1000)
		if ev, ok := d.OnAccel(types.AccelSample{Ax: mag, Ay: 0, Az: 0, TimestampMs: ts}); ok {
			steps = append(steps, ev)
		}
	}

	if len(steps) < 19 || len(steps) > 21 {
		t.Fatalf("expected 20 +/- 1 steps, got %d", len(steps))
	}

	for i, s := range steps {
		if s.StepNumber != uint64(i+1) {
			t.Fatalf("step_number must be strictly increasing, got %d at index %d", s.StepNumber, i)
		}
		if i > 0 && s.IntervalMs < DefaultStepDetectorConfig().MinStepIntervalMs {
			t.Fatalf("interval_ms %d below min_step_interval_ms", s.IntervalMs)
		}
	}

	if d.CurrentThreshold() <= DefaultStepDetectorConfig().Threshold-1e-9 {
		t.Fatalf("adaptive threshold should stabilize at or above the configured baseline, got %v", d.CurrentThreshold())
	}
}

func TestStepDetector_MinIntervalSuppressesDoubleFire(t *testing.T) {
	cfg := DefaultStepDetectorConfig()
	cfg.Adaptive = false
	d := NewStepDetector(cfg)

	samples := []float64{0.5, 0.5, 3.0, 0.5, 3.0, 0.5}
	var fires int
	for i, mag := range samples {
		if _, ok := d.OnAccel(types.AccelSample{Ax: mag, TimestampMs: int64(i * 50)}); ok {
			fires++
		}
	}
	if fires > 1 {
		t.Fatalf("expected at most one fire within min_step_interval_ms window, got %d", fires)
	}
}

func TestStepDetector_Reset(t *testing.T) {
	d := NewStepDetector(DefaultStepDetectorConfig())
	for i := 0; i < 30; i++ {
		d.OnAccel(types.AccelSample{Ax: 3.0, TimestampMs: int64(i * 300)})
	}
	d.Reset()
	if d.StepCount() != 0 {
		t.Fatalf("expected step count reset to 0, got %d", d.StepCount())
	}
}
