// Package fusion implements the Fusion Manager (C8): it owns the absolute-fix
// smoother (C2), the PDR tracker (C6) and the planar Kalman filter (C7),
// performs anomaly gating and recalibration, and emits fused positions.
//
// C6 is a owned child of the Manager (an arena field) with no back-reference
// to it; recalibration drives C6 through ResetPosition, never the reverse,
// which avoids the C6<->C8 cycle the source exhibited (see DESIGN.md).
package fusion

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/engineerr"
	"github.com/stridefusion/pdrengine/internal/environment"
	"github.com/stridefusion/pdrengine/internal/geo"
	"github.com/stridefusion/pdrengine/internal/kalman"
	"github.com/stridefusion/pdrengine/internal/pdr"
	"github.com/stridefusion/pdrengine/internal/telemetry"
	"github.com/stridefusion/pdrengine/internal/types"
)

// Config configures the Fusion Manager.
type Config struct {
	MinGPSAccuracyForUpdateM float64 // default 40
	ErrorThresholdM          float64 // default 20
	PlanarProcessNoiseQ      float64 // default 1.0, passed to C7
	QueueSize                int     // ingestion queue depth, default 256
}

// DefaultConfig returns the spec's §6 defaults.
func DefaultConfig() Config {
	return Config{
		MinGPSAccuracyForUpdateM: 40,
		ErrorThresholdM:          20,
		PlanarProcessNoiseQ:      kalman.DefaultPlanarQ,
		QueueSize:                256,
	}
}

// anomalySpeedThresholdMps is the implied-speed anomaly gate (§4.8).
const anomalySpeedThresholdMps = 20.0

// anomalyMinDistanceM and anomalyAccuracyMultiple define the Kalman
// divergence gate: threshold = max(30, 3*accuracy).
const (
	anomalyMinDistanceM    = 30.0
	anomalyAccuracyMultiple = 3.0
)

const consecutiveAnomalyJumpResetThreshold = 2

// EventPublisher receives fused-position and environment updates as they are
// produced. Implementations must not block; the Manager calls them from its
// single processing goroutine.
type EventPublisher interface {
	PublishFused(types.FusedPosition)
	PublishEnvironment(types.EnvironmentState)
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishFused(types.FusedPosition)         {}
func (NoopPublisher) PublishEnvironment(types.EnvironmentState) {}

type trackingState int

const (
	stateIdle trackingState = iota
	stateRunning
)

type pdrMode int

const (
	pdrActive pdrMode = iota
	pdrStalled
)

type lastFixRecord struct {
	x, y        float64
	timestampMs int64
	have        bool
}

// Manager is the Fusion Manager (C8). All exported methods are safe to call
// from any goroutine: writes enqueue onto an internal ordered queue drained
// by a single processing goroutine (the "single-threaded cooperative core"
// of the spec's concurrency model). Snapshot reads an atomically-published
// value and never waits on the queue; EnvironmentSnapshot, RecalibrationCount
// and GPSAnomalyCount post a read onto the queue and wait for it to run
// (returning a zero value if the queue is full).
type Manager struct {
	cfg     Config
	clk     clock.Clock
	log     *logrus.Logger
	pub     EventPublisher
	metrics *telemetry.Metrics

	envDetector *environment.Detector

	queue chan func()
	done  chan struct{}

	// --- fields below are only ever touched by the processing goroutine ---
	state trackingState
	pdr   pdrMode

	origin *geo.LocalFrame
	smoother *kalman.FixSmoother
	planar   *kalman.Planar
	tracker  *pdr.Tracker

	consecutiveAnomalies uint32
	gpsAnomalyCount      uint32
	lastAnomalyDistanceM *float64
	recalibrationCount   uint64
	lastRecalibrationMs  int64

	lastFix lastFixRecord

	snapshot atomic.Value // types.FusedPosition
}

// NewManager builds a Manager. tracker is constructed by the caller (it in
// turn owns the step detector / step-length / heading sub-components) so
// that callers can choose step-length method etc.
func NewManager(cfg Config, clk clock.Clock, log *logrus.Logger, pub EventPublisher, tracker *pdr.Tracker, metrics *telemetry.Metrics) *Manager {
	if pub == nil {
		pub = NoopPublisher{}
	}
	m := &Manager{
		cfg:         cfg,
		clk:         clk,
		log:         log,
		pub:         pub,
		metrics:     metrics,
		envDetector: environment.NewDetector(environment.DefaultConfig(), clk),
		smoother:    kalman.NewFixSmoother(),
		planar:      kalman.NewPlanarWithQ(cfg.PlanarProcessNoiseQ),
		tracker:     tracker,
		queue:       make(chan func(), cfg.QueueSize),
		done:        make(chan struct{}),
		state:       stateIdle,
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.done:
			return
		}
	}
}

// enqueue posts fn onto the ordered queue. It never blocks: if the queue is
// full the operation is dropped with a warning, per §7's "never blocks"
// guarantee.
func (m *Manager) enqueue(fn func()) {
	select {
	case m.queue <- fn:
	default:
		m.log.Warn("fusion manager queue full, dropping operation")
	}
}

// syncEnqueue posts fn and blocks until it has run, returning fn's error.
// Used only for lifecycle operations (Start/Stop) that must report success
// or failure synchronously to the caller.
func (m *Manager) syncEnqueue(fn func() error) error {
	resultCh := make(chan error, 1)
	posted := m.tryEnqueue(func() {
		resultCh <- fn()
	})
	if !posted {
		return engineerr.New(engineerr.TransportError, "fusion manager queue full")
	}
	return <-resultCh
}

func (m *Manager) tryEnqueue(fn func()) bool {
	select {
	case m.queue <- fn:
		return true
	default:
		return false
	}
}

// Close stops the processing goroutine. The Manager must not be used after
// Close.
func (m *Manager) Close() {
	close(m.done)
}

// Start begins a tracking session anchored at initialFix. Starting while
// already Running is a no-op that returns AlreadyTracking.
func (m *Manager) Start(initialFix types.AbsoluteFix) error {
	return m.syncEnqueue(func() error {
		if m.state == stateRunning {
			return engineerr.New(engineerr.AlreadyTracking, "session already running")
		}
		if !initialFix.Valid() {
			return engineerr.New(engineerr.InvalidInput, "initial fix is ill-formed")
		}

		m.origin = geo.NewLocalFrame(initialFix.Lat, initialFix.Lng)
		m.smoother.Reset()
		m.planar.Initialize(0, 0, initialFix.Accuracy*initialFix.Accuracy)
		m.tracker.Reset()

		m.state = stateRunning
		m.pdr = pdrActive
		m.consecutiveAnomalies = 0
		m.gpsAnomalyCount = 0
		m.lastAnomalyDistanceM = nil
		m.recalibrationCount = 0
		m.lastRecalibrationMs = m.clk.NowMs()
		m.lastFix = lastFixRecord{}

		m.envDetector = environment.NewDetector(environment.DefaultConfig(), m.clk)
		m.envDetector.OnFixAccuracy(initialFix.Accuracy, initialFix.TimestampMs)

		m.emitLocked(types.SourceGps, 1.0)
		m.log.WithField("component", "fusion").Info("session started")
		return nil
	})
}

// Stop ends the current session. Calling Stop while Idle returns NotTracking.
func (m *Manager) Stop() error {
	return m.syncEnqueue(func() error {
		if m.state != stateRunning {
			return engineerr.New(engineerr.NotTracking, "no session running")
		}
		m.state = stateIdle
		m.log.WithField("component", "fusion").Info("session stopped")
		return nil
	})
}

// SubmitFix enqueues an absolute fix for processing. Ill-formed fixes are
// dropped with a warning rather than propagated.
func (m *Manager) SubmitFix(fix types.AbsoluteFix) {
	m.enqueue(func() {
		if m.state != stateRunning {
			return
		}
		if !fix.Valid() {
			m.log.WithField("component", "fusion").Warn("dropping ill-formed absolute fix")
			return
		}
		_, span := telemetry.StartSpan(context.Background(), "fusion.OnAbsoluteFix")
		defer span.End()
		m.onAbsoluteFix(fix)
	})
}

// SubmitAccel enqueues an accelerometer sample.
func (m *Manager) SubmitAccel(s types.AccelSample) {
	m.enqueue(func() {
		if m.state != stateRunning || !s.Valid() {
			return
		}
		m.pdr = pdrActive
		if delta, ok := m.tracker.OnAccel(s); ok {
			if m.metrics != nil {
				m.metrics.StepsDetected.Inc()
			}
			_, span := telemetry.StartSpan(context.Background(), "fusion.OnPDRDelta")
			m.onPDRDelta(delta)
			span.End()
		}
	})
}

// SubmitGyro enqueues a rotation-rate sample.
func (m *Manager) SubmitGyro(s types.RotationRateSample) {
	m.enqueue(func() {
		if m.state != stateRunning || !s.Valid() {
			return
		}
		m.tracker.OnGyro(s)
	})
}

// SubmitMagnetometer enqueues a magnetometer sample.
func (m *Manager) SubmitMagnetometer(s types.MagnetometerSample) {
	m.enqueue(func() {
		if m.state != stateRunning || !s.Valid() {
			return
		}
		m.tracker.OnMagnetometer(s)
	})
}

// CheckStall re-evaluates PDR stall state; callers (typically a ticker) are
// expected to call this periodically so that a sensor dropout is noticed
// even when no further samples arrive.
func (m *Manager) CheckStall() {
	m.enqueue(func() {
		if m.state != stateRunning {
			return
		}
		if m.tracker.Stalled() {
			m.pdr = pdrStalled
		}
		m.envDetector.Tick()
		m.pub.PublishEnvironment(m.envDetector.State())
	})
}

// Snapshot returns the most recently emitted fused position. ok is false if
// no session has ever started.
func (m *Manager) Snapshot() (types.FusedPosition, bool) {
	v := m.snapshot.Load()
	if v == nil {
		return types.FusedPosition{}, false
	}
	return v.(types.FusedPosition), true
}

// EnvironmentSnapshot returns the current environment classification.
func (m *Manager) EnvironmentSnapshot() types.EnvironmentState {
	result := make(chan types.EnvironmentState, 1)
	posted := m.tryEnqueue(func() {
		result <- m.envDetector.State()
	})
	if !posted {
		return types.EnvironmentState{Environment: types.EnvUnknown}
	}
	return <-result
}

func (m *Manager) onAbsoluteFix(fix types.AbsoluteFix) {
	sLat, sLng, sAcc := m.smoother.Update(fix.Lat, fix.Lng, fix.Accuracy)
	zx, zy := m.origin.ToLocal(sLat, sLng)

	m.envDetector.OnFixAccuracy(sAcc, fix.TimestampMs)
	m.pub.PublishEnvironment(m.envDetector.State())

	if m.isAnomalous(zx, zy, sAcc, fix.TimestampMs) {
		m.consecutiveAnomalies++
		dist := distance(zx, zy, m.planarPosition())
		m.lastAnomalyDistanceM = &dist
		m.gpsAnomalyCount++
		m.lastFix = lastFixRecord{x: zx, y: zy, timestampMs: fix.TimestampMs, have: true}
		if m.metrics != nil {
			m.metrics.AnomaliesRejected.Inc()
		}

		if m.consecutiveAnomalies >= consecutiveAnomalyJumpResetThreshold {
			m.planar.SetState(zx, zy, sAcc*sAcc)
			m.tracker.ResetPosition(zx, zy)
			m.consecutiveAnomalies = 0
			m.lastRecalibrationMs = fix.TimestampMs
			m.recalibrationCount++
			if m.metrics != nil {
				m.metrics.Recalibrations.Inc()
			}
			m.log.WithField("component", "fusion").Warn("jump reset after consecutive anomalies")
		}
		m.emitLocked(types.SourceGps, 0)
		return
	}

	m.consecutiveAnomalies = 0
	m.lastFix = lastFixRecord{x: zx, y: zy, timestampMs: fix.TimestampMs, have: true}

	if sAcc <= m.cfg.MinGPSAccuracyForUpdateM {
		m.planar.Update(zx, zy, sAcc)
	} else {
		m.log.WithField("component", "fusion").Debug("GPS too noisy, skipping Kalman update")
	}
	m.emitLocked(types.SourceFused, 0)

	px, py := m.planar.Position()
	if distance(zx, zy, [2]float64{px, py}) > m.cfg.ErrorThresholdM && sAcc <= 20 {
		m.planar.SetState(zx, zy, sAcc*sAcc)
		m.tracker.ResetPosition(zx, zy)
		m.recalibrationCount++
		m.lastRecalibrationMs = fix.TimestampMs
		if m.metrics != nil {
			m.metrics.Recalibrations.Inc()
		}
		m.log.WithField("component", "fusion").Info("soft recalibration")
	}
}

func (m *Manager) onPDRDelta(delta types.PDRDelta) {
	if m.pdr == pdrStalled {
		return
	}
	m.planar.Predict(delta.Dx, delta.Dy)
	m.emitLocked(types.SourcePdr, 0)
}

func (m *Manager) isAnomalous(zx, zy, accuracy float64, timestampMs int64) bool {
	if m.lastFix.have {
		dtS := float64(timestampMs-m.lastFix.timestampMs) / 1000.0
		if dtS < 0 {
			dtS = 0
		}
		if dtS > 0 {
			d := distance(zx, zy, [2]float64{m.lastFix.x, m.lastFix.y})
			if d/dtS > anomalySpeedThresholdMps {
				return true
			}
		}
	}

	threshold := anomalyMinDistanceM
	if t := anomalyAccuracyMultiple * accuracy; t > threshold {
		threshold = t
	}
	px, py := m.planar.Position()
	if distance(zx, zy, [2]float64{px, py}) > threshold {
		return true
	}
	return false
}

func (m *Manager) planarPosition() [2]float64 {
	x, y := m.planar.Position()
	return [2]float64{x, y}
}

func distance(x, y float64, to [2]float64) float64 {
	dx := x - to[0]
	dy := y - to[1]
	return math.Sqrt(dx*dx + dy*dy)
}

// emitLocked computes the fused position from current state, stores it as
// the latest snapshot, publishes it, and returns it. It must only be called
// from the processing goroutine. confidenceOverride, if non-zero, replaces
// the computed confidence (used for the initial emit, where spec calls for
// confidence=1.0 regardless of P).
func (m *Manager) emitLocked(source types.Source, confidenceOverride float64) types.FusedPosition {
	px, py := m.planar.Position()
	sx, sy := m.planar.Uncertainty()
	acc := sx
	if sy > acc {
		acc = sy
	}

	confidence := 1.0 / (1.0 + acc)
	if confidenceOverride != 0 {
		confidence = confidenceOverride
	}

	lat, lng := m.origin.ToGlobal(px, py)

	fp := types.FusedPosition{
		Lat:                     lat,
		Lng:                     lng,
		Accuracy:                acc,
		TimestampMs:             m.clk.NowMs(),
		X:                       px,
		Y:                       py,
		Confidence:              confidence,
		Source:                  source,
		GPSAnomalyCount:         m.gpsAnomalyCount,
		LastGPSAnomalyDistanceM: m.lastAnomalyDistanceM,
	}
	m.snapshot.Store(fp)
	m.pub.PublishFused(fp)
	return fp
}

// RecalibrationCount returns how many times the planar filter has been
// force- or soft-recalibrated this session.
func (m *Manager) RecalibrationCount() uint64 {
	result := make(chan uint64, 1)
	if m.tryEnqueue(func() { result <- m.recalibrationCount }) {
		return <-result
	}
	return 0
}

// GPSAnomalyCount returns the number of rejected anomalous fixes this session.
func (m *Manager) GPSAnomalyCount() uint32 {
	result := make(chan uint32, 1)
	if m.tryEnqueue(func() { result <- m.gpsAnomalyCount }) {
		return <-result
	}
	return 0
}
