package environment

import (
	"testing"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/types"
)

// TestDetector_HysteresisScenario mirrors scenario S5. A committed
// transition — including the very first one out of Unknown — requires a
// request to persist for the full hysteresis window; three good accuracies
// alone never commit Outdoor immediately, and three bad ones right after
// only start a pending Indoor request.
func TestDetector_HysteresisScenario(t *testing.T) {
	clk := clock.NewManual(0)
	d := NewDetector(DefaultConfig(), clk)

	d.OnFixAccuracy(8, 0)
	d.OnFixAccuracy(9, 1000)
	d.OnFixAccuracy(10, 2000)
	if d.State().Environment != types.EnvUnknown {
		t.Fatalf("a requested transition must persist for hysteresis_ms before committing, got %v", d.State().Environment)
	}

	// mu over the trailing 3-sample window only clears the Indoor threshold
	// once all three bad samples have flushed the good ones out of it.
	d.OnFixAccuracy(120, 2500)
	d.OnFixAccuracy(130, 3000)
	d.OnFixAccuracy(125, 3500) // first genuine Indoor request, pending since t=3500
	if d.State().Environment == types.EnvIndoor {
		t.Fatalf("indoor request should still be pending before hysteresis elapses, got %v", d.State().Environment)
	}

	clk.Set(9000) // 5.5s after the first Indoor request at t=3500
	d.OnFixAccuracy(125, 9000)
	if d.State().Environment != types.EnvIndoor {
		t.Fatalf("expected committed Indoor after hysteresis elapsed, got %v", d.State().Environment)
	}
	if d.TransitionCount() != 1 {
		t.Fatalf("expected exactly one committed transition, got %d", d.TransitionCount())
	}
}

// TestDetector_ContradictoryRequestResetsPendingTimer drives the detector to
// a pending Indoor request, contradicts it with a genuine Outdoor request
// (trailing-window mu back under the Outdoor threshold), then re-requests
// Indoor and checks the commit timer is measured from the second request,
// not the first — proving the contradiction actually reset the pending
// timer rather than passing for an unrelated reason.
func TestDetector_ContradictoryRequestResetsPendingTimer(t *testing.T) {
	clk := clock.NewManual(0)
	d := NewDetector(DefaultConfig(), clk)

	d.OnFixAccuracy(8, 0)
	d.OnFixAccuracy(9, 100)
	d.OnFixAccuracy(10, 200)
	d.OnFixAccuracy(120, 300)
	d.OnFixAccuracy(130, 400)
	d.OnFixAccuracy(125, 500) // window mu=125 >= IndoorThresholdM: pending Indoor since t=500

	// window mu=87.67 lands in the ambiguous middle bucket, which defaults to
	// Outdoor while current is still Unknown: a genuine contradiction of the
	// pending Indoor request, resetting the pending timer to t=600.
	d.OnFixAccuracy(8, 600)
	d.OnFixAccuracy(9, 700)  // mu=47.33, still ambiguous-default Outdoor: confirms, doesn't reset again
	d.OnFixAccuracy(10, 800) // mu=9, clean Outdoor: confirms the same pending, still since t=600

	d.OnFixAccuracy(120, 900)
	d.OnFixAccuracy(130, 1000)
	d.OnFixAccuracy(125, 1100) // window mu=125 again: pending resets to Indoor since t=1100, NOT t=500

	hysteresisMs := DefaultConfig().HysteresisMs
	clk.Set(1100 + hysteresisMs - 1)
	d.OnFixAccuracy(125, 1100+hysteresisMs-1)
	if d.State().Environment == types.EnvIndoor {
		t.Fatal("should not commit one millisecond before the hysteresis window measured from the reset pending timer elapses")
	}

	clk.Set(1100 + hysteresisMs)
	d.OnFixAccuracy(125, 1100+hysteresisMs)
	if d.State().Environment != types.EnvIndoor {
		t.Fatal("expected commit once the hysteresis window measured from the reset pending timer has elapsed")
	}
}

func TestDetector_Timeout(t *testing.T) {
	clk := clock.NewManual(0)
	d := NewDetector(DefaultConfig(), clk)
	d.OnFixAccuracy(8, 0)
	clk.Set(10001)
	d.Tick()
	clk.Set(10001 + DefaultConfig().HysteresisMs)
	d.Tick()
	if d.State().Environment != types.EnvIndoor {
		t.Fatalf("expected Indoor after GPS timeout, got %v", d.State().Environment)
	}
}
