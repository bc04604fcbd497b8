package pdr

import (
	"math"
	"testing"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/types"
)

func newTestTracker() *Tracker {
	clk := clock.NewManual(0)
	det := NewStepDetector(DefaultStepDetectorConfig())
	length := NewStepLengthEstimator(DefaultStepLengthConfig())
	heading := NewHeadingEstimator()
	return NewTracker(clk, det, length, heading)
}

func TestTracker_EmitsDeltaOnStep(t *testing.T) {
	tr := newTestTracker()
	// heading starts at 0 (north): dy should be ~+length, dx ~0
	var got types.PDRDelta
	var fired bool
	samples := []float64{0.5, 0.5, 3.0, 0.5}
	for i, m := range samples {
		d, ok := tr.OnAccel(types.AccelSample{Ax: m, TimestampMs: int64(i * 300)})
		if ok {
			got = d
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected a step to fire")
	}
	if math.Abs(got.Dx) > 1e-6 {
		t.Fatalf("expected dx ~0 at heading 0, got %v", got.Dx)
	}
	if got.Dy <= 0 {
		t.Fatalf("expected dy > 0 (north) at heading 0, got %v", got.Dy)
	}
}

func TestTracker_ResetPositionKeepsHistory(t *testing.T) {
	tr := newTestTracker()
	tr.OnAccel(types.AccelSample{Ax: 0.5, TimestampMs: 0})
	tr.OnAccel(types.AccelSample{Ax: 0.5, TimestampMs: 300})
	tr.OnAccel(types.AccelSample{Ax: 3.0, TimestampMs: 600})
	tr.OnAccel(types.AccelSample{Ax: 0.5, TimestampMs: 900})

	stepsBefore := tr.detector.StepCount()
	tr.ResetPosition(42, 42)
	x, y := tr.Position()
	if x != 42 || y != 42 {
		t.Fatalf("expected position (42,42), got (%v,%v)", x, y)
	}
	if tr.detector.StepCount() != stepsBefore {
		t.Fatalf("reset_position must not clear step history")
	}
}

func TestTracker_FullResetZeroesEverything(t *testing.T) {
	tr := newTestTracker()
	tr.OnAccel(types.AccelSample{Ax: 0.5, TimestampMs: 0})
	tr.OnAccel(types.AccelSample{Ax: 0.5, TimestampMs: 300})
	tr.OnAccel(types.AccelSample{Ax: 3.0, TimestampMs: 600})
	tr.OnAccel(types.AccelSample{Ax: 0.5, TimestampMs: 900})
	tr.Reset()
	x, y := tr.Position()
	if x != 0 || y != 0 {
		t.Fatalf("expected zeroed position, got (%v,%v)", x, y)
	}
	if tr.detector.StepCount() != 0 {
		t.Fatalf("expected zeroed step count after full reset")
	}
}

func TestTracker_Stall(t *testing.T) {
	clk := clock.NewManual(0)
	det := NewStepDetector(DefaultStepDetectorConfig())
	length := NewStepLengthEstimator(DefaultStepLengthConfig())
	heading := NewHeadingEstimator()
	tr := NewTracker(clk, det, length, heading)

	if tr.Stalled() {
		t.Fatal("should not be stalled before any sample")
	}
	tr.OnAccel(types.AccelSample{Ax: 1.0, TimestampMs: 0})
	clk.Set(StallTimeoutMs + 1)
	if !tr.Stalled() {
		t.Fatal("expected stall after exceeding timeout with no samples")
	}
}
