// Package environment classifies the operating environment (outdoor /
// indoor / unknown) from positioning-quality history, with hysteresis (C9).
package environment

import (
	"gonum.org/v1/gonum/stat"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/types"
)

// Config configures the detector.
type Config struct {
	OutdoorThresholdM float64 // default 30
	IndoorThresholdM  float64 // default 100
	GPSTimeoutMs      int64   // default 10000
	HysteresisMs      int64   // default 5000
	MinSamples        int     // default 3
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		OutdoorThresholdM: 30,
		IndoorThresholdM:  100,
		GPSTimeoutMs:      10000,
		HysteresisMs:      5000,
		MinSamples:        3,
	}
}

const historyCap = 20

// Detector classifies the environment from a stream of fix-accuracy samples.
type Detector struct {
	cfg Config
	clk clock.Clock

	history []types.FixQualitySample

	current          types.Environment
	confidence       float64
	lastTransitionMs int64
	transitionCount  uint64

	pending        types.Environment
	pendingSince   int64
	havePending    bool
}

// NewDetector creates a Detector; current state starts Unknown.
func NewDetector(cfg Config, clk clock.Clock) *Detector {
	return &Detector{cfg: cfg, clk: clk, current: types.EnvUnknown}
}

// OnFixAccuracy appends an accuracy sample at the given timestamp and
// re-evaluates the pending/committed transition.
func (d *Detector) OnFixAccuracy(accuracy float64, timestampMs int64) {
	d.history = append(d.history, types.FixQualitySample{Accuracy: accuracy, TimestampMs: timestampMs})
	if len(d.history) > historyCap {
		d.history = d.history[len(d.history)-historyCap:]
	}
	d.evaluate(timestampMs)
}

// Tick re-evaluates timeout-driven transitions (no sample has arrived, but
// time has passed) using the detector's own clock for "now".
func (d *Detector) Tick() {
	d.evaluate(d.clk.NowMs())
}

func (d *Detector) evaluate(nowMs int64) {
	requested, conf, ok := d.request(nowMs)
	if !ok {
		return
	}

	if requested == d.current {
		d.havePending = false
		d.confidence = conf
		return
	}

	if !d.havePending || d.pending != requested {
		d.pending = requested
		d.pendingSince = nowMs
		d.havePending = true
		d.confidence = conf
		return
	}

	d.confidence = conf
	if nowMs-d.pendingSince >= d.cfg.HysteresisMs {
		d.current = requested
		d.lastTransitionMs = nowMs
		d.transitionCount++
		d.havePending = false
	}
}

// request computes the requested environment and confidence from current
// history and the clock, per spec 4.9. ok is false if there isn't enough
// history yet to decide.
func (d *Detector) request(nowMs int64) (env types.Environment, confidence float64, ok bool) {
	if len(d.history) == 0 {
		return types.EnvUnknown, 0, false
	}

	last := d.history[len(d.history)-1]
	if nowMs-last.TimestampMs >= d.cfg.GPSTimeoutMs {
		return types.EnvIndoor, 0.9, true
	}

	if len(d.history) < d.cfg.MinSamples {
		return types.EnvUnknown, 0, false
	}

	window := d.history[len(d.history)-d.cfg.MinSamples:]
	accs := make([]float64, len(window))
	for i, s := range window {
		accs[i] = s.Accuracy
	}
	mu := stat.Mean(accs, nil)

	switch {
	case mu <= d.cfg.OutdoorThresholdM:
		return types.EnvOutdoor, 1 - 0.3*(mu/d.cfg.OutdoorThresholdM), true
	case mu >= d.cfg.IndoorThresholdM:
		conf := mu / d.cfg.IndoorThresholdM
		if conf > 1 {
			conf = 1
		}
		return types.EnvIndoor, conf, true
	default:
		cur := d.current
		if cur == types.EnvUnknown {
			cur = types.EnvOutdoor
		}
		return cur, 0.5, true
	}
}

// State returns the current committed environment state.
func (d *Detector) State() types.EnvironmentState {
	return types.EnvironmentState{
		Environment:      d.current,
		Confidence:       d.confidence,
		LastTransitionMs: d.lastTransitionMs,
	}
}

// TransitionCount returns the number of committed transitions.
func (d *Detector) TransitionCount() uint64 { return d.transitionCount }
