// Package reporter implements the Heartbeat Reporter (C10): it samples the
// Fusion Manager's current position on a foreground/background-aware
// cadence and posts it to a collector, retrying on failure with a bounded
// count.
package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stridefusion/pdrengine/internal/collector"
	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/engineerr"
	"github.com/stridefusion/pdrengine/internal/types"
)

// TrackingMode describes which input dominates the current fused estimate,
// for reporting purposes only — it does not affect fusion behavior.
type TrackingMode string

const (
	ModeGPSOnly TrackingMode = "gps-only"
	ModePDROnly TrackingMode = "pdr-only"
	ModeFusion  TrackingMode = "fusion"
)

// gpsWeight and pdrWeight are the legacy fields the collector contract still
// carries; the engine fuses via Kalman gain rather than a fixed blend, so
// both are reported at a constant 0.5 (see DESIGN.md open-question
// decisions).
const legacyGPSWeight = 0.5
const legacyPDRWeight = 0.5

// Config configures the reporter.
type Config struct {
	ForegroundMs int64
	BackgroundMs int64
	MaxRetries   int
	RetryDelayMs int64
	EndpointURL  string
}

// DefaultConfig returns the spec's §6 defaults for the given endpoint.
func DefaultConfig(endpointURL string) Config {
	return Config{
		ForegroundMs: 30000,
		BackgroundMs: 60000,
		MaxRetries:   3,
		RetryDelayMs: 5000,
		EndpointURL:  endpointURL,
	}
}

// PositionSource is the read-only view of the Fusion Manager the reporter
// needs. Depending on an interface rather than *fusion.Manager keeps the
// reporter free of any back-reference into the fusion package.
type PositionSource interface {
	Snapshot() (types.FusedPosition, bool)
	EnvironmentSnapshot() types.EnvironmentState
}

// SessionStopper is called when the collector reports the session has
// ended.
type SessionStopper interface {
	Stop() error
}

type command struct {
	kind commandKind
	bg   bool
}

type commandKind int

const (
	cmdReschedule commandKind = iota
	cmdPageHide
)

// Reporter drives the heartbeat lifecycle.
type Reporter struct {
	cfg     Config
	clk     clock.Clock
	log     *logrus.Logger
	client  *collector.Client
	source  PositionSource
	stopper SessionStopper

	// OnMaxRetriesExceeded, if set, is called (from the reporter's internal
	// goroutine) after max_retries consecutive failures; the schedule is not
	// stopped.
	OnMaxRetriesExceeded func()

	mu            sync.Mutex
	attendanceID  string
	sessionID     string
	background    bool
	running       bool
	retryCount    int
	lastSuccessMs int64

	commands chan command
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Reporter. client posts to cfg.EndpointURL.
func New(cfg Config, clk clock.Clock, log *logrus.Logger, client *collector.Client, source PositionSource, stopper SessionStopper) *Reporter {
	return &Reporter{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		client:   client,
		source:   source,
		stopper:  stopper,
		commands: make(chan command, 4),
	}
}

// Start begins the schedule for the given attendance/session pair: one post
// right away, then one per interval. Starting while already running returns
// AlreadyTracking.
func (r *Reporter) Start(attendanceID, sessionID string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return engineerr.New(engineerr.AlreadyTracking, "reporter already running")
	}
	r.attendanceID = attendanceID
	r.sessionID = sessionID
	r.running = true
	r.retryCount = 0
	r.background = false
	r.mu.Unlock()

	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop cancels the schedule. Stopping while not running returns NotTracking.
func (r *Reporter) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return engineerr.New(engineerr.NotTracking, "reporter not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	return nil
}

// SetBackground notifies the reporter of a foreground/background visibility
// transition. The schedule is rescheduled onto the new interval from now,
// with no accumulated phase from the previous interval.
func (r *Reporter) SetBackground(background bool) {
	r.mu.Lock()
	r.background = background
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	select {
	case r.commands <- command{kind: cmdReschedule, bg: background}:
	default:
	}
}

// OnPageHide requests one immediate best-effort post before the host
// environment yields execution (e.g. a browser tab being hidden/closed).
func (r *Reporter) OnPageHide() {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	select {
	case r.commands <- command{kind: cmdPageHide}:
	default:
	}
}

func (r *Reporter) currentIntervalMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.background {
		return r.cfg.BackgroundMs
	}
	return r.cfg.ForegroundMs
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	r.tick(false)
	timer := time.NewTimer(time.Duration(r.currentIntervalMs()) * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-r.done:
			return
		case cmd := <-r.commands:
			switch cmd.kind {
			case cmdReschedule:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(time.Duration(r.currentIntervalMs()) * time.Millisecond)
			case cmdPageHide:
				r.tick(true)
			}
		case <-timer.C:
			r.tick(false)
			timer.Reset(time.Duration(r.currentIntervalMs()) * time.Millisecond)
		}
	}
}

func (r *Reporter) tick(bestEffort bool) {
	fp, ok := r.source.Snapshot()
	if !ok {
		return
	}
	envState := r.source.EnvironmentSnapshot()

	r.mu.Lock()
	attendanceID, sessionID, background := r.attendanceID, r.sessionID, r.background
	r.mu.Unlock()

	req := collector.HeartbeatRequest{
		AttendanceID:            attendanceID,
		SessionID:               sessionID,
		Latitude:                fp.Lat,
		Longitude:               fp.Lng,
		Accuracy:                fp.Accuracy,
		TimestampMs:             fp.TimestampMs,
		IsBackground:            background,
		Source:                  foregroundLabel(background),
		TrackingMode:            string(trackingModeFor(fp)),
		Environment:             string(envState.Environment),
		Confidence:              fp.Confidence,
		GPSWeight:               legacyGPSWeight,
		PDRWeight:               legacyPDRWeight,
		GPSAnomalyCount:         fp.GPSAnomalyCount,
		LastGPSAnomalyDistanceM: fp.LastGPSAnomalyDistanceM,
	}

	ctx := context.Background()
	if bestEffort {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}

	resp, err := r.client.PostHeartbeat(ctx, req)
	if err != nil || !resp.Success {
		r.onTickFailure(err)
		return
	}
	r.onTickSuccess()

	if resp.SessionEnded {
		r.mu.Lock()
		wasRunning := r.running
		r.running = false
		r.mu.Unlock()
		if wasRunning {
			close(r.done)
		}
		if r.stopper != nil {
			_ = r.stopper.Stop()
		}
	}
}

func (r *Reporter) onTickSuccess() {
	r.mu.Lock()
	r.retryCount = 0
	r.lastSuccessMs = r.clk.NowMs()
	r.mu.Unlock()
}

func (r *Reporter) onTickFailure(err error) {
	r.mu.Lock()
	r.retryCount++
	exceeded := r.retryCount >= r.cfg.MaxRetries
	if exceeded {
		r.retryCount = 0
	}
	r.mu.Unlock()

	if err != nil {
		r.log.WithField("component", "reporter").WithError(err).Warn("heartbeat post failed")
	} else {
		r.log.WithField("component", "reporter").Warn("heartbeat rejected by collector")
	}

	if exceeded {
		if r.OnMaxRetriesExceeded != nil {
			r.OnMaxRetriesExceeded()
		}
		return
	}

	time.AfterFunc(time.Duration(r.cfg.RetryDelayMs)*time.Millisecond, func() {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running {
			r.tick(false)
		}
	})
}

func foregroundLabel(background bool) string {
	if background {
		return "background"
	}
	return "foreground"
}

func trackingModeFor(fp types.FusedPosition) TrackingMode {
	switch fp.Source {
	case types.SourceGps:
		return ModeGPSOnly
	case types.SourcePdr:
		return ModePDROnly
	default:
		return ModeFusion
	}
}

// LastSuccessMs returns the timestamp of the last successful post, or 0 if
// none has succeeded yet.
func (r *Reporter) LastSuccessMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccessMs
}
