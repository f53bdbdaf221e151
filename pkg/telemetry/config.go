package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration of the workflow engine.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name,omitempty" validate:"required"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version,omitempty" validate:"required"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment,omitempty"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing,omitempty"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`

	// Events contains event publishing configuration.
	Events EventsConfig `yaml:"events,omitempty"`

	// ResourceAttributes are additional resource attributes for telemetry.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level,omitempty" validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format,omitempty" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output,omitempty"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller,omitempty"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `yaml:"enable_sampling,omitempty"`

	// SamplingInitial is the number of messages logged per second initially.
	SamplingInitial int `yaml:"sampling_initial,omitempty" validate:"gte=0"`

	// SamplingThereafter logs every Nth message after the initial sample.
	SamplingThereafter int `yaml:"sampling_thereafter,omitempty" validate:"gte=0"`

	// TimeFormat specifies the timestamp format (unix, rfc3339, etc.).
	TimeFormat string `yaml:"time_format,omitempty"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate,omitempty" validate:"gte=0,lte=1"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `yaml:"max_export_batch_size,omitempty"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout,omitempty"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure,omitempty"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled,omitempty"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address,omitempty" validate:"required_if=Enabled true"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path,omitempty"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace,omitempty"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets,omitempty"`
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool `yaml:"enabled,omitempty"`

	// BufferSize is the size of the event buffer.
	BufferSize int `yaml:"buffer_size,omitempty" validate:"required_if=Enabled true,gte=0"`

	// MaxBatchSize is the maximum number of events to publish in one batch.
	MaxBatchSize int `yaml:"max_batch_size,omitempty"`

	// EnableAsync enables asynchronous event publishing.
	EnableAsync bool `yaml:"enable_async,omitempty"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "matflow",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			EnableSampling:     false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			Endpoint:           "",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "matflow",
			DefaultHistogramBuckets: []float64{
				0.01, 0.1, 1, 10, 60, 300, 900, 3600, 14400, 43200,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns a production-optimized telemetry configuration.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Metrics.Enabled = true
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns a development-optimized telemetry configuration.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "development"
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 1.0
	return cfg
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// validationMessages maps a failed field to the message reported for it.
// %v receives the offending value.
var validationMessages = map[string]string{
	"Config.ServiceName":           "service name is required",
	"Config.ServiceVersion":        "service version is required",
	"Config.Logging.Level":         "invalid log level: %v",
	"Config.Logging.Format":        "invalid log format: %v (must be 'console' or 'json')",
	"Config.Tracing.Exporter":      "invalid trace exporter: %v",
	"Config.Tracing.Endpoint":      "trace endpoint is required for the otlp exporter",
	"Config.Tracing.SamplingRate":  "trace sampling rate must be between 0 and 1, got: %v",
	"Config.Metrics.ListenAddress": "metrics listen address is required when metrics are enabled",
	"Config.Events.BufferSize":     "event buffer size must be positive, got: %v",
}

// Validate checks the configuration and reports the first invalid field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	msg, ok := validationMessages[fe.Namespace()]
	if !ok {
		return fmt.Errorf("invalid %s: failed %s", fe.Namespace(), fe.Tag())
	}
	if strings.Contains(msg, "%v") {
		return fmt.Errorf(msg, fe.Value())
	}
	return errors.New(msg)
}
