package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stridefusion/pdrengine/internal/engineerr"
)

// ServerConfig configures router-level concerns.
type ServerConfig struct {
	AllowedOrigins  []string
	JWTSigningKey   string
	MetricsGatherer prometheus.Gatherer // nil disables /metrics
}

// NewRouter builds the chi.Router exposing the engine's session lifecycle,
// sensor ingestion, live stream, metrics and mock-collector endpoints.
func NewRouter(cfg ServerConfig, reg *SessionRegistry) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(RequireBearer(cfg.JWTSigningKey))
		r.Post("/", reg.handleStartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", reg.handleStopSession)
			r.Post("/fixes", reg.handleSubmitFix)
			r.Post("/accel", reg.handleSubmitAccel)
			r.Post("/gyro", reg.handleSubmitGyro)
			r.Post("/mag", reg.handleSubmitMag)
			r.Get("/stream", reg.handleStream)
		})
	})

	r.Post("/v1/mock-collector/heartbeat", handleMockCollector)

	if cfg.MetricsGatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case engineerr.Is(err, engineerr.AlreadyTracking):
		status = http.StatusConflict
	case engineerr.Is(err, engineerr.NotTracking):
		status = http.StatusNotFound
	case engineerr.Is(err, engineerr.InvalidInput):
		status = http.StatusBadRequest
	}
	writeJSONError(w, status, err.Error())
}
