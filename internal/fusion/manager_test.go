package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/logging"
	"github.com/stridefusion/pdrengine/internal/pdr"
	"github.com/stridefusion/pdrengine/internal/types"
)

func newTestManager(clk clock.Clock) *Manager {
	det := pdr.NewStepDetector(pdr.DefaultStepDetectorConfig())
	length := pdr.NewStepLengthEstimator(pdr.DefaultStepLengthConfig())
	heading := pdr.NewHeadingEstimator()
	tracker := pdr.NewTracker(clk, det, length, heading)
	return NewManager(DefaultConfig(), clk, logging.Silent(), NoopPublisher{}, tracker, nil)
}

// waitIdle gives the processing goroutine a chance to drain its queue before
// a synchronous read (Snapshot) observes the result of an async Submit*.
func waitIdle() { time.Sleep(20 * time.Millisecond) }

// TestScenario_S1_PureGPSConvergence mirrors scenario S1: repeated accurate
// fixes near a fixed point should converge the fused position toward it with
// shrinking uncertainty.
func TestScenario_S1_PureGPSConvergence(t *testing.T) {
	clk := clock.NewManual(0)
	m := newTestManager(clk)
	defer m.Close()

	const lat0, lng0 = 40.0, -73.0
	if err := m.Start(types.AbsoluteFix{Lat: lat0, Lng: lng0, Accuracy: 10, TimestampMs: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i <= 10; i++ {
		ts := int64(i * 1000)
		clk.Set(ts)
		m.SubmitFix(types.AbsoluteFix{Lat: lat0 + 1e-6, Lng: lng0 + 1e-6, Accuracy: 10, TimestampMs: ts})
	}
	waitIdle()

	fp, ok := m.Snapshot()
	if !ok {
		t.Fatal("expected a snapshot after fixes")
	}
	if fp.Accuracy > 10 {
		t.Fatalf("expected accuracy to shrink below initial 10m, got %v", fp.Accuracy)
	}
	if math.Abs(fp.Lat-lat0) > 1e-3 || math.Abs(fp.Lng-lng0) > 1e-3 {
		t.Fatalf("expected convergence near origin, got (%v,%v)", fp.Lat, fp.Lng)
	}
}

// TestScenario_S2_GPSOutagePDRCarry mirrors scenario S2: once absolute fixes
// stop arriving, PDR deltas alone must continue to move the fused position.
func TestScenario_S2_GPSOutagePDRCarry(t *testing.T) {
	clk := clock.NewManual(0)
	m := newTestManager(clk)
	defer m.Close()

	const lat0, lng0 = 40.0, -73.0
	if err := m.Start(types.AbsoluteFix{Lat: lat0, Lng: lng0, Accuracy: 5, TimestampMs: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitIdle()
	before, _ := m.Snapshot()

	ts := int64(0)
	samples := []float64{0.5, 0.5, 3.0, 0.5, 0.5, 3.0, 0.5, 0.5, 3.0, 0.5}
	for _, mag := range samples {
		ts += 300
		clk.Set(ts)
		m.SubmitAccel(types.AccelSample{Ax: mag, TimestampMs: ts})
	}
	waitIdle()

	after, ok := m.Snapshot()
	if !ok {
		t.Fatal("expected a snapshot after PDR deltas")
	}
	if after.Source != types.SourcePdr {
		t.Fatalf("expected last emit to be PDR-sourced, got %v", after.Source)
	}
	if after.Lat == before.Lat && after.Lng == before.Lng {
		t.Fatal("expected position to move under PDR-only carry")
	}
}

// TestScenario_S3_ReacquisitionSoftRecalibration: after a PDR-only interval,
// a fix that passes anomaly gating (within max(30, 3*accuracy) of the
// estimate) but still sits more than the error threshold away after the
// Kalman update, with accuracy <= 20 m, triggers a soft recalibration without
// requiring consecutive anomalies.
func TestScenario_S3_ReacquisitionSoftRecalibration(t *testing.T) {
	clk := clock.NewManual(0)
	m := newTestManager(clk)
	defer m.Close()

	const lat0, lng0 = 40.0, -73.0
	if err := m.Start(types.AbsoluteFix{Lat: lat0, Lng: lng0, Accuracy: 5, TimestampMs: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := int64(0)
	for i := 0; i < 30; i++ {
		ts += 300
		clk.Set(ts)
		mag := 0.5
		if i%3 == 2 {
			mag = 3.0
		}
		m.SubmitAccel(types.AccelSample{Ax: mag, TimestampMs: ts})
	}
	waitIdle()
	recalBefore := m.RecalibrationCount()

	ts += 1000
	clk.Set(ts)
	// ~44 m north of the origin with accuracy 20: inside the 60 m gate, and
	// still > 20 m off after an update whose gain is below 0.1.
	m.SubmitFix(types.AbsoluteFix{Lat: lat0 + 0.0004, Lng: lng0, Accuracy: 20, TimestampMs: ts})
	waitIdle()

	recalAfter := m.RecalibrationCount()
	if recalAfter <= recalBefore {
		t.Fatalf("expected soft recalibration to fire, before=%d after=%d", recalBefore, recalAfter)
	}
}

// TestScenario_S4_JumpAttackDoubleAnomalyReset mirrors scenario S4: two
// consecutive absolute fixes implying an impossible speed must be rejected
// and, on the second consecutive anomaly, force a jump reset.
func TestScenario_S4_JumpAttackDoubleAnomalyReset(t *testing.T) {
	clk := clock.NewManual(0)
	m := newTestManager(clk)
	defer m.Close()

	const lat0, lng0 = 40.0, -73.0
	if err := m.Start(types.AbsoluteFix{Lat: lat0, Lng: lng0, Accuracy: 5, TimestampMs: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}

	clk.Set(1000)
	// ~11km away after 1s implies an impossible speed; first anomaly.
	m.SubmitFix(types.AbsoluteFix{Lat: lat0 + 0.1, Lng: lng0, Accuracy: 5, TimestampMs: 1000})
	waitIdle()
	if got := m.GPSAnomalyCount(); got != 1 {
		t.Fatalf("expected 1 anomaly after first jump, got %d", got)
	}
	recalBefore := m.RecalibrationCount()

	clk.Set(1100)
	// A second consecutive anomalous fix near the same jumped location.
	m.SubmitFix(types.AbsoluteFix{Lat: lat0 + 0.1001, Lng: lng0, Accuracy: 5, TimestampMs: 1100})
	waitIdle()

	if got := m.GPSAnomalyCount(); got != 2 {
		t.Fatalf("expected 2 anomalies after second jump, got %d", got)
	}
	if m.RecalibrationCount() <= recalBefore {
		t.Fatal("expected jump reset (recalibration) after two consecutive anomalies")
	}

	fp, ok := m.Snapshot()
	if !ok {
		t.Fatal("expected a snapshot after jump reset")
	}
	if math.Abs(fp.Lat-(lat0+0.1001)) > 1e-2 {
		t.Fatalf("expected position reset near the jumped fix, got %v", fp.Lat)
	}
}

func TestManager_StartStopLifecycle(t *testing.T) {
	clk := clock.NewManual(0)
	m := newTestManager(clk)
	defer m.Close()

	if err := m.Stop(); err == nil {
		t.Fatal("expected NotTracking error stopping before start")
	}
	if err := m.Start(types.AbsoluteFix{Lat: 1, Lng: 1, Accuracy: 5, TimestampMs: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(types.AbsoluteFix{Lat: 1, Lng: 1, Accuracy: 5, TimestampMs: 0}); err == nil {
		t.Fatal("expected AlreadyTracking error on second start")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestManager_IllFormedFixDroppedNotPanicked(t *testing.T) {
	clk := clock.NewManual(0)
	m := newTestManager(clk)
	defer m.Close()

	if err := m.Start(types.AbsoluteFix{Lat: 1, Lng: 1, Accuracy: 5, TimestampMs: 0}); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.SubmitFix(types.AbsoluteFix{Lat: math.NaN(), Lng: 1, Accuracy: 5, TimestampMs: 1000})
	waitIdle()

	fp, ok := m.Snapshot()
	if !ok {
		t.Fatal("expected snapshot to remain from start")
	}
	if math.IsNaN(fp.Lat) {
		t.Fatal("ill-formed fix must not corrupt state")
	}
}
