// Package config loads viewer configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/deconfliction-viewer/internal/logging"
	"github.com/signalsfoundry/deconfliction-viewer/internal/observability"
	"github.com/signalsfoundry/deconfliction-viewer/timectrl"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full viewer configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Playback PlaybackConfig `yaml:"playback"`
	UI       UIConfig       `yaml:"ui"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// HTTPConfig controls the browser-facing HTTP and websocket listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// GRPCConfig controls the gRPC health listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// AnalysisConfig points at the external analysis service.
type AnalysisConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	LoadOnStartup bool          `yaml:"load_flights_on_startup"`
}

// PlaybackConfig tunes the clock and frame loop.
type PlaybackConfig struct {
	Speed         float64       `yaml:"speed"`
	Autoplay      bool          `yaml:"autoplay"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	// FixedStep feeds the nominal frame interval as dt instead of the
	// measured wall time.
	FixedStep bool `yaml:"fixed_step"`
}

// UIConfig tunes websocket fan-out.
type UIConfig struct {
	ClientQueue int `yaml:"client_queue"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	AddSource  bool   `yaml:"add_source"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	tracing := observability.DefaultTracingConfig()
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		GRPC:    GRPCConfig{Addr: ":50051"},
		Analysis: AnalysisConfig{
			BaseURL:       "http://localhost:5000",
			Timeout:       10 * time.Second,
			LoadOnStartup: true,
		},
		Playback: PlaybackConfig{
			Speed:         timectrl.DefaultSpeed,
			Autoplay:      true,
			FrameInterval: timectrl.DefaultFrameInterval,
		},
		UI: UIConfig{ClientQueue: 32},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:     tracing.Enabled,
			Exporter:    tracing.Exporter,
			Endpoint:    tracing.Endpoint,
			ServiceName: tracing.ServiceName,
			SampleRatio: tracing.SampleRatio,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if cfg, err = Parse(data, cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over base. Unknown keys are rejected.
func Parse(data []byte, base Config) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	cfg := base
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Unparseable values are
// ignored.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("VIEWER_ANALYSIS_URL"); v != "" {
		cfg.Analysis.BaseURL = v
	}
	if v := os.Getenv("VIEWER_ANALYSIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.Timeout = d
		}
	}
	if v := os.Getenv("VIEWER_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v, ok := os.LookupEnv("VIEWER_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	if v, ok := os.LookupEnv("VIEWER_GRPC_ADDR"); ok {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("VIEWER_PLAYBACK_SPEED"); v != "" {
		if s, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Playback.Speed = s
		}
	}
	if v := os.Getenv("VIEWER_AUTOPLAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Playback.Autoplay = b
		}
	}
	logCfg := logging.ApplyEnv(cfg.LoggingConfig())
	cfg.Logging.Level = logCfg.Level
	cfg.Logging.Format = logCfg.Format
	cfg.Logging.File = logCfg.File

	tracing := observability.ApplyTracingEnv(cfg.TracingConfig())
	cfg.Tracing = TracingConfig{
		Enabled:     tracing.Enabled,
		Exporter:    tracing.Exporter,
		Endpoint:    tracing.Endpoint,
		ServiceName: tracing.ServiceName,
		SampleRatio: tracing.SampleRatio,
	}
	return cfg
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.HTTP.Addr == "":
		return fmt.Errorf("%w: http.addr must be set", ErrInvalidConfig)
	case c.Analysis.BaseURL == "":
		return fmt.Errorf("%w: analysis.base_url must be set", ErrInvalidConfig)
	case !strings.HasPrefix(c.Analysis.BaseURL, "http://") && !strings.HasPrefix(c.Analysis.BaseURL, "https://"):
		return fmt.Errorf("%w: analysis.base_url %q must be an http(s) URL", ErrInvalidConfig, c.Analysis.BaseURL)
	case c.Analysis.Timeout < 0:
		return fmt.Errorf("%w: analysis.timeout must not be negative", ErrInvalidConfig)
	case c.Playback.Speed <= 0 || math.IsNaN(c.Playback.Speed) || math.IsInf(c.Playback.Speed, 0):
		return fmt.Errorf("%w: playback.speed must be finite and > 0", ErrInvalidConfig)
	case c.Playback.FrameInterval <= 0:
		return fmt.Errorf("%w: playback.frame_interval must be > 0", ErrInvalidConfig)
	case c.UI.ClientQueue < 0:
		return fmt.Errorf("%w: ui.client_queue must not be negative", ErrInvalidConfig)
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return fmt.Errorf("%w: tracing.sample_ratio must be within [0,1]", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q must be text or json", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("%w: tracing.exporter %q must be stdout or otlp", ErrInvalidConfig, c.Tracing.Exporter)
		}
	}
	return nil
}

// LoggingConfig converts to the logging package's config.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		AddSource:  c.Logging.AddSource,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// TracingConfig converts to the observability package's config.
func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		ServiceName: c.Tracing.ServiceName,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// StepMode maps FixedStep onto the frame loop's step mode.
func (c Config) StepMode() timectrl.StepMode {
	if c.Playback.FixedStep {
		return timectrl.Fixed
	}
	return timectrl.Elapsed
}
