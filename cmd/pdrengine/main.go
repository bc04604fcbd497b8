// Command pdrengine runs the pedestrian position fusion engine as a
// standalone HTTP/WebSocket service: it accepts sensor and fix ingestion,
// streams fused positions live, drives a heartbeat reporter against a
// collector, and optionally persists session summaries and publishes
// fusion events onto a NATS bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stridefusion/pdrengine/internal/api"
	"github.com/stridefusion/pdrengine/internal/bus"
	"github.com/stridefusion/pdrengine/internal/clock"
	"github.com/stridefusion/pdrengine/internal/collector"
	"github.com/stridefusion/pdrengine/internal/config"
	"github.com/stridefusion/pdrengine/internal/fusion"
	"github.com/stridefusion/pdrengine/internal/logging"
	"github.com/stridefusion/pdrengine/internal/reporter"
	"github.com/stridefusion/pdrengine/internal/sensorsrc"
	"github.com/stridefusion/pdrengine/internal/store"
	"github.com/stridefusion/pdrengine/internal/telemetry"
	"github.com/stridefusion/pdrengine/internal/types"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file (falls back to built-in defaults)")
	httpAddr   = flag.String("http-addr", "", "override the configured HTTP listen address")
	logLevel   = flag.String("log-level", "info", "debug|info|warn|error")
)

// engine bundles every subsystem the pdrengine process wires together. Its
// Initialize/Start/Shutdown methods mirror the teacher's cmd/valkyrie
// lifecycle shape, scoped to this spec's components.
type engine struct {
	cfg config.Config
	log *logrus.Logger

	clk       clock.Clock
	registry  *api.SessionRegistry
	eventBus  bus.Publisher
	sessStore store.Store
	metrics   *telemetry.Metrics
	serial    *sensorsrc.Bridge

	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}

	e := &engine{cfg: cfg, log: logging.New(*logLevel, "stdout")}
	if err := e.Initialize(); err != nil {
		e.log.Fatalf("failed to initialize pdrengine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Start(); err != nil {
		e.log.Fatalf("failed to start pdrengine: %v", err)
	}
	e.log.WithField("addr", cfg.Server.HTTPAddr).Info("pdrengine is running")

	<-ctx.Done()
	e.log.Info("shutdown signal received, stopping")

	if err := e.Shutdown(); err != nil {
		e.log.WithError(err).Warn("shutdown did not complete cleanly")
	}
	e.log.Info("pdrengine stopped")
}

// Initialize builds every subsystem from configuration. External services
// degrade to local stand-ins when unconfigured or unreachable (an in-memory
// session store for MongoDB, a no-op publisher for NATS), so the engine
// always starts standalone.
func (e *engine) Initialize() error {
	e.clk = clock.NewSystem()

	reg := prometheus.NewRegistry()
	e.metrics = telemetry.NewMetrics(reg)

	if _, err := telemetry.NewTracerProvider("pdrengine"); err != nil {
		e.log.WithError(err).Warn("failed to initialize tracer provider, continuing without tracing")
	}

	if e.cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoStore, err := store.Connect(ctx, e.cfg.MongoURI, "pdrengine", "session_summaries")
		if err != nil {
			e.log.WithError(err).Warn("failed to connect to MongoDB, falling back to in-memory session store")
			e.sessStore = store.NewInMemoryStore()
		} else {
			e.sessStore = mongoStore
		}
	} else {
		e.sessStore = store.NewInMemoryStore()
	}

	if e.cfg.NATSURL != "" {
		pub, err := bus.Connect(e.cfg.NATSURL, "pdrengine", e.log)
		if err != nil {
			e.log.WithError(err).Warn("failed to connect to NATS, continuing without the event bus")
			e.eventBus = bus.NoopPublisher{}
		} else {
			e.eventBus = pub
		}
	} else {
		e.eventBus = bus.NoopPublisher{}
	}

	fusionCfg := fusion.DefaultConfig()
	fusionCfg.MinGPSAccuracyForUpdateM = e.cfg.MinGPSAccuracyForUpdateM
	fusionCfg.ErrorThresholdM = e.cfg.ErrorThresholdM

	newTracker := api.DefaultTrackerFactory(e.clk)

	reporterCfg := reporter.Config{
		ForegroundMs: e.cfg.Reporter.ForegroundMs,
		BackgroundMs: e.cfg.Reporter.BackgroundMs,
		MaxRetries:   e.cfg.Reporter.MaxRetries,
		RetryDelayMs: e.cfg.Reporter.RetryDelayMs,
		EndpointURL:  e.cfg.Reporter.EndpointURL,
	}
	reporterCollector := collector.NewClient(reporterCfg.EndpointURL, collector.WithBearerToken(e.cfg.CollectorBearerToken))

	e.registry = api.NewSessionRegistry(e.clk, e.log, fusionCfg, newTracker, e.eventBus, reporterCfg, reporterCollector, e.sessStore, e.metrics)

	if e.cfg.Serial.Enabled {
		mode := sensorsrc.DefaultMode()
		if e.cfg.Serial.BaudRate > 0 {
			mode.BaudRate = e.cfg.Serial.BaudRate
		}
		e.serial = sensorsrc.NewBridge(e.cfg.Serial.Port, mode, firstActiveSink{reg: e.registry, log: e.log}, e.log)
	}

	serverCfg := api.ServerConfig{
		AllowedOrigins:  e.cfg.Server.AllowedOrigins,
		JWTSigningKey:   e.cfg.JWTSigningKey,
		MetricsGatherer: reg,
	}
	e.httpServer = &http.Server{
		Addr:    e.cfg.Server.HTTPAddr,
		Handler: api.NewRouter(serverCfg, e.registry),
	}

	return nil
}

// Start brings every subsystem online: the serial sensor bridge (if
// configured) and the HTTP/WebSocket API.
func (e *engine) Start() error {
	if e.serial != nil {
		if err := e.serial.Open(); err != nil {
			e.log.WithError(err).Warn("failed to open serial sensor bridge, continuing without it")
			e.serial = nil
		}
	}

	go func() {
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()
	return nil
}

// Shutdown stops every subsystem, giving the HTTP server a bounded grace
// period to drain in-flight requests.
func (e *engine) Shutdown() error {
	if e.serial != nil {
		_ = e.serial.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.httpServer.Shutdown(ctx)

	e.registry.Close()
	if nats, ok := e.eventBus.(*bus.NATSPublisher); ok {
		nats.Close()
	}
	return err
}

// firstActiveSink routes serial-bridge frames to whatever single session is
// currently active. Deployments with a dedicated IMU board generally run
// exactly one session per process; frames arriving before any session has
// started, or after the one session has stopped, are dropped. Only dropped
// fixes are logged with a warning; sensor samples are dropped silently.
type firstActiveSink struct {
	reg *api.SessionRegistry
	log *logrus.Logger
}

func (s firstActiveSink) SubmitAccel(sample types.AccelSample) {
	if m, ok := s.reg.FirstActive(); ok {
		m.SubmitAccel(sample)
	}
}

func (s firstActiveSink) SubmitGyro(sample types.RotationRateSample) {
	if m, ok := s.reg.FirstActive(); ok {
		m.SubmitGyro(sample)
	}
}

func (s firstActiveSink) SubmitMagnetometer(sample types.MagnetometerSample) {
	if m, ok := s.reg.FirstActive(); ok {
		m.SubmitMagnetometer(sample)
	}
}

func (s firstActiveSink) SubmitFix(fix types.AbsoluteFix) {
	if m, ok := s.reg.FirstActive(); ok {
		m.SubmitFix(fix)
	} else {
		s.log.WithField("component", "sensorsrc").Warn("dropping serial fix: no active session")
	}
}
