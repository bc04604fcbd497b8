// Package api builds the HTTP/WebSocket surface (C15): session lifecycle,
// sensor/fix ingestion, a live WebSocket stream of fused positions, and a
// reference mock-collector endpoint for local integration testing of C10.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/collector"
	"github.com/stridefusion/pdrengine/internal/engineerr"
	"github.com/stridefusion/pdrengine/internal/fusion"
	"github.com/stridefusion/pdrengine/internal/pdr"
	"github.com/stridefusion/pdrengine/internal/reporter"
	"github.com/stridefusion/pdrengine/internal/store"
	"github.com/stridefusion/pdrengine/internal/telemetry"
	"github.com/stridefusion/pdrengine/internal/types"
)

// stallCheckInterval is how often the registry re-evaluates PDR stall and
// environment timeout state for every active session, independent of
// whatever sensor/fix traffic is arriving.
const stallCheckInterval = 1 * time.Second

// TrackerFactory builds a fresh PDR tracker for a new session, letting
// callers choose step-length method / sensor config per deployment.
type TrackerFactory func() *pdr.Tracker

// DefaultTrackerFactory builds a Tracker with the spec's default
// step-detector, step-length and heading configurations.
func DefaultTrackerFactory(clk clock.Clock) TrackerFactory {
	return func() *pdr.Tracker {
		det := pdr.NewStepDetector(pdr.DefaultStepDetectorConfig())
		length := pdr.NewStepLengthEstimator(pdr.DefaultStepLengthConfig())
		heading := pdr.NewHeadingEstimator()
		return pdr.NewTracker(clk, det, length, heading)
	}
}

// ExternalPublisher receives the same fusion events the session's own
// WebSocket stream does — typically internal/bus's NATS publisher.
type ExternalPublisher = fusion.EventPublisher

type sessionEntry struct {
	manager      *fusion.Manager
	hub          *streamHub
	rep          *reporter.Reporter
	attendanceID string
	startedAtMs  int64
}

// SessionRegistry owns every active fusion.Manager, keyed by session ID.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	clk        clock.Clock
	log        *logrus.Logger
	fusionCfg  fusion.Config
	newTracker TrackerFactory
	external   ExternalPublisher

	reporterCfg     reporter.Config
	collectorClient *collector.Client
	store           store.Store
	metrics         *telemetry.Metrics

	stallDone chan struct{}
}

// NewSessionRegistry builds an empty registry. external, if non-nil, is
// additionally notified of every session's fused/environment events (e.g.
// the NATS event bus); may be nil. collectorClient/st/metrics may also be
// nil — the registry degrades gracefully (no heartbeat reporter started, no
// persisted summaries, no Prometheus instruments updated) so the engine
// still runs standalone without those external services configured.
func NewSessionRegistry(clk clock.Clock, log *logrus.Logger, fusionCfg fusion.Config, newTracker TrackerFactory, external ExternalPublisher, reporterCfg reporter.Config, collectorClient *collector.Client, st store.Store, metrics *telemetry.Metrics) *SessionRegistry {
	reg := &SessionRegistry{
		sessions:        make(map[string]*sessionEntry),
		clk:             clk,
		log:             log,
		fusionCfg:       fusionCfg,
		newTracker:      newTracker,
		external:        external,
		reporterCfg:     reporterCfg,
		collectorClient: collectorClient,
		store:           st,
		metrics:         metrics,
		stallDone:       make(chan struct{}),
	}
	go reg.stallLoop()
	return reg
}

// stallLoop periodically drives CheckStall on every active session so a PDR
// sensor dropout or a GPS-fix timeout is noticed even when no new sample
// arrives to trigger re-evaluation on its own.
func (reg *SessionRegistry) stallLoop() {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-reg.stallDone:
			return
		case <-ticker.C:
			reg.mu.RLock()
			managers := make([]*fusion.Manager, 0, len(reg.sessions))
			for _, e := range reg.sessions {
				managers = append(managers, e.manager)
			}
			reg.mu.RUnlock()
			for _, m := range managers {
				m.CheckStall()
			}
		}
	}
}

// Close stops the registry's background stall-check loop. Active sessions
// are not themselves stopped; callers should stop each session first.
func (reg *SessionRegistry) Close() {
	close(reg.stallDone)
}

// Get returns the manager for sessionID, if any.
func (reg *SessionRegistry) Get(sessionID string) (*fusion.Manager, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	e, ok := reg.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.manager, true
}

// FirstActive returns an arbitrary currently-active manager, for deployments
// (e.g. a dedicated serial-attached sensor board) that run exactly one
// session per process and so have no session ID to address by.
func (reg *SessionRegistry) FirstActive() (*fusion.Manager, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, e := range reg.sessions {
		return e.manager, true
	}
	return nil, false
}

type fanoutPublisher struct {
	hub      *streamHub
	external ExternalPublisher
	metrics  *telemetry.Metrics
}

func (p fanoutPublisher) PublishFused(fp types.FusedPosition) {
	p.hub.PublishFused(fp)
	if p.external != nil {
		p.external.PublishFused(fp)
	}
	if p.metrics != nil {
		p.metrics.CurrentConfidence.Set(fp.Confidence)
	}
}

func (p fanoutPublisher) PublishEnvironment(es types.EnvironmentState) {
	p.hub.PublishEnvironment(es)
	if p.external != nil {
		p.external.PublishEnvironment(es)
	}
	if p.metrics != nil {
		p.metrics.SetEnvironment(string(es.Environment))
	}
}

// sessionStopper drives a collector-requested stop back into the registry.
// It is invoked by the reporter (see reporter.SessionStopper) after the
// reporter has already ended its own schedule, so stopSession's rep.Stop()
// returns NotTracking, which stopSession ignores. The teardown runs on a new
// goroutine rather than inline in the reporter's call.
type sessionStopper struct {
	reg       *SessionRegistry
	sessionID string
}

func (s sessionStopper) Stop() error {
	go s.reg.stopSession(s.sessionID)
	return nil
}

func (reg *SessionRegistry) startSession(sessionID, attendanceID string, initialFix types.AbsoluteFix) (*sessionEntry, error) {
	reg.mu.Lock()
	if _, exists := reg.sessions[sessionID]; exists {
		reg.mu.Unlock()
		return nil, engineerr.New(engineerr.AlreadyTracking, "session already exists")
	}
	hub := newStreamHub(reg.log)
	manager := fusion.NewManager(reg.fusionCfg, reg.clk, reg.log, fanoutPublisher{hub: hub, external: reg.external, metrics: reg.metrics}, reg.newTracker(), reg.metrics)
	entry := &sessionEntry{manager: manager, hub: hub, attendanceID: attendanceID, startedAtMs: reg.clk.NowMs()}
	reg.sessions[sessionID] = entry
	reg.mu.Unlock()

	if err := manager.Start(initialFix); err != nil {
		reg.mu.Lock()
		delete(reg.sessions, sessionID)
		reg.mu.Unlock()
		manager.Close()
		return nil, err
	}

	if reg.collectorClient != nil && reg.reporterCfg.EndpointURL != "" {
		entry.rep = reporter.New(reg.reporterCfg, reg.clk, reg.log, reg.collectorClient, manager, sessionStopper{reg: reg, sessionID: sessionID})
		if err := entry.rep.Start(attendanceID, sessionID); err != nil {
			reg.log.WithField("component", "api.sessions").WithError(err).Warn("failed to start heartbeat reporter")
		}
	}

	if reg.store != nil {
		reg.persistSummary(entry, sessionID, attendanceID, 0)
	}

	return entry, nil
}

func (reg *SessionRegistry) persistSummary(entry *sessionEntry, sessionID, attendanceID string, endedAtMs int64) {
	fp, _ := entry.manager.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	summary := store.SessionSummary{
		AttendanceID:       attendanceID,
		SessionID:          sessionID,
		StartedAtMs:        entry.startedAtMs,
		EndedAtMs:          endedAtMs,
		RecalibrationCount: entry.manager.RecalibrationCount(),
		GPSAnomalyCount:    entry.manager.GPSAnomalyCount(),
		FinalFused:         fp,
		Environment:        entry.manager.EnvironmentSnapshot(),
	}
	if err := reg.store.Upsert(ctx, summary); err != nil {
		reg.log.WithField("component", "api.sessions").WithError(err).Warn("failed to persist session summary")
	}
}

func (reg *SessionRegistry) stopSession(sessionID string) error {
	reg.mu.Lock()
	entry, ok := reg.sessions[sessionID]
	if !ok {
		reg.mu.Unlock()
		return engineerr.New(engineerr.NotTracking, "no such session")
	}
	delete(reg.sessions, sessionID)
	reg.mu.Unlock()

	if entry.rep != nil {
		if err := entry.rep.Stop(); err != nil && !engineerr.Is(err, engineerr.NotTracking) {
			reg.log.WithField("component", "api.sessions").WithError(err).Warn("failed to stop heartbeat reporter")
		}
	}
	if reg.store != nil {
		reg.persistSummary(entry, sessionID, entry.attendanceID, reg.clk.NowMs())
	}

	err := entry.manager.Stop()
	entry.manager.Close()
	return err
}

// --- HTTP handlers ---

type startSessionRequest struct {
	SessionID    string  `json:"sessionId"`
	AttendanceID string  `json:"attendanceId"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Accuracy     float64 `json:"accuracy"`
	TimestampMs  int64   `json:"timestamp"`
}

func (reg *SessionRegistry) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	_, err := reg.startSession(req.SessionID, req.AttendanceID, types.AbsoluteFix{
		Lat: req.Lat, Lng: req.Lng, Accuracy: req.Accuracy, TimestampMs: req.TimestampMs,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": req.SessionID})
}

func (reg *SessionRegistry) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := reg.stopSession(id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (reg *SessionRegistry) handleSubmitFix(w http.ResponseWriter, r *http.Request) {
	var fix types.AbsoluteFix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, ok := reg.Get(urlParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	m.SubmitFix(fix)
	w.WriteHeader(http.StatusAccepted)
}

func (reg *SessionRegistry) handleSubmitAccel(w http.ResponseWriter, r *http.Request) {
	var s types.AccelSample
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, ok := reg.Get(urlParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	m.SubmitAccel(s)
	w.WriteHeader(http.StatusAccepted)
}

func (reg *SessionRegistry) handleSubmitGyro(w http.ResponseWriter, r *http.Request) {
	var s types.RotationRateSample
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, ok := reg.Get(urlParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	m.SubmitGyro(s)
	w.WriteHeader(http.StatusAccepted)
}

func (reg *SessionRegistry) handleSubmitMag(w http.ResponseWriter, r *http.Request) {
	var s types.MagnetometerSample
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, ok := reg.Get(urlParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	m.SubmitMagnetometer(s)
	w.WriteHeader(http.StatusAccepted)
}

func (reg *SessionRegistry) handleStream(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	reg.mu.RLock()
	entry, ok := reg.sessions[id]
	reg.mu.RUnlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	entry.hub.serveWS(w, r)
}
