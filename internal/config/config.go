// Package config loads the engine's Configuration struct from YAML, with
// environment-variable overrides for secrets (mirroring the teacher's
// configs/config.yaml + flag-override pattern in cmd/valkyrie/main.go).
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// PDRConfig configures the pedestrian dead-reckoning pipeline.
type PDRConfig struct {
	SensorFrequencyHz float64 `yaml:"sensor_frequency_hz"`
	UserHeightCm      float64 `yaml:"user_height_cm"`
}

// ReporterConfig configures the heartbeat reporter.
type ReporterConfig struct {
	ForegroundMs int64  `yaml:"foreground_ms"`
	BackgroundMs int64  `yaml:"background_ms"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryDelayMs int64  `yaml:"retry_delay_ms"`
	EndpointURL  string `yaml:"endpoint_url"`
}

// ServerConfig configures the HTTP/WebSocket API.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SerialConfig configures the optional serial sensor bridge.
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// Config is the engine's full Configuration struct, injected at session
// start. Secret fields (MongoURI, NATSURL, CollectorBearerToken,
// JWTSigningKey) are left blank in YAML and populated from environment
// variables by Load.
type Config struct {
	OriginPolicy             string  `yaml:"origin_policy"` // only "use_initial_fix"
	MinGPSAccuracyForUpdateM float64 `yaml:"min_gps_accuracy_for_update_m"`
	ErrorThresholdM          float64 `yaml:"error_threshold_m"`
	RecalibrationPeriodicMs  int64   `yaml:"recalibration_periodic_ms"`

	PDR      PDRConfig      `yaml:"pdr"`
	Reporter ReporterConfig `yaml:"reporter"`
	Server   ServerConfig   `yaml:"server"`
	Serial   SerialConfig   `yaml:"serial"`

	MongoURI             string `yaml:"-"`
	NATSURL              string `yaml:"-"`
	CollectorBearerToken string `yaml:"-"`
	JWTSigningKey        string `yaml:"-"`
}

// Default returns the spec's §6 defaults.
func Default() Config {
	return Config{
		OriginPolicy:             "use_initial_fix",
		MinGPSAccuracyForUpdateM: 40,
		ErrorThresholdM:          20,
		RecalibrationPeriodicMs:  60000,
		PDR: PDRConfig{
			SensorFrequencyHz: 50,
			UserHeightCm:      170,
		},
		Reporter: ReporterConfig{
			ForegroundMs: 30000,
			BackgroundMs: 60000,
			MaxRetries:   3,
			RetryDelayMs: 5000,
		},
		Server: ServerConfig{
			HTTPAddr: ":8090",
		},
	}
}

// Load reads a YAML config file at path, falling back to Default() values
// for any field the file doesn't set, then applies secret overrides from
// the environment: PDRENGINE_MONGO_URI, PDRENGINE_NATS_URL,
// PDRENGINE_COLLECTOR_TOKEN, PDRENGINE_JWT_SIGNING_KEY.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnvOverrides(cfg), nil
			}
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	return applyEnvOverrides(cfg), nil
}

func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("PDRENGINE_MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("PDRENGINE_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("PDRENGINE_COLLECTOR_TOKEN"); v != "" {
		cfg.CollectorBearerToken = v
	}
	if v := os.Getenv("PDRENGINE_JWT_SIGNING_KEY"); v != "" {
		cfg.JWTSigningKey = v
	}
	return cfg
}
