package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for cascade.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `mapstructure:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `mapstructure:"service_version"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `mapstructure:"environment"`

	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Events  EventsConfig  `mapstructure:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format specifies the log format (console, json).
	Format string `mapstructure:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `mapstructure:"output"`

	EnableCaller       bool   `mapstructure:"caller"`
	EnableSampling     bool   `mapstructure:"sampling"`
	SamplingInitial    int    `mapstructure:"sampling_initial"`
	SamplingThereafter int    `mapstructure:"sampling_thereafter"`
	TimeFormat         string `mapstructure:"time_format"`
	NoColor            bool   `mapstructure:"no_color"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the OTLP collector endpoint (e.g. "localhost:4317").
	Endpoint string `mapstructure:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `mapstructure:"sampling_rate"`

	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	ExportTimeout      time.Duration     `mapstructure:"export_timeout"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ListenAddress is the address of the HTTP endpoint served by `cascade watch`.
	ListenAddress string `mapstructure:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `mapstructure:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `mapstructure:"namespace"`

	// DurationBuckets are the provisioning latency buckets in seconds.
	DurationBuckets []float64 `mapstructure:"duration_buckets"`
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	BufferSize  int  `mapstructure:"buffer_size"`
	EnableAsync bool `mapstructure:"async"`
}

// DefaultConfig returns a default telemetry configuration. Tracing is off
// unless an exporter is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cascade",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "cascade",
			// provisioner calls run for seconds to many minutes
			DurationBuckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// ProductionConfig returns a production-oriented telemetry configuration.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns a development-oriented telemetry configuration.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
