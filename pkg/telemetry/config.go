package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// Config is the telemetry section of the SagaFlow settings.
type Config struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION" validate:"required"`
	Environment    string `yaml:"environment" env:"ENVIRONMENT"`

	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACE_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`

	// ResourceAttributes are added to the trace resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes" env:"RESOURCE_ATTRIBUTES"`
}

// LoggingConfig selects level, format and destination. Output is stderr,
// stdout or a file path.
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"CALLER"`

	// Sampling lets SamplingInitial lines through per second, then one in
	// SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling" env:"SAMPLING"`
	SamplingInitial    int  `yaml:"sampling_initial" env:"SAMPLING_INITIAL"`
	SamplingThereafter int  `yaml:"sampling_thereafter" env:"SAMPLING_THEREAFTER"`

	// TimeFormat is unix, unixms, unixmicro or rfc3339.
	TimeFormat string `yaml:"time_format" env:"TIME_FORMAT"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Exporter string `yaml:"exporter" env:"EXPORTER"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string            `yaml:"endpoint" env:"ENDPOINT"`
	Headers  map[string]string `yaml:"headers" env:"HEADERS"`
	Insecure bool              `yaml:"insecure" env:"INSECURE"`

	SamplingRate       float64       `yaml:"sampling_rate" env:"SAMPLING_RATE"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" env:"MAX_EXPORT_BATCH_SIZE"`
	ExportTimeout      time.Duration `yaml:"export_timeout" env:"EXPORT_TIMEOUT"`
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`
	Path          string `yaml:"path" env:"PATH"`
	Namespace     string `yaml:"namespace" env:"NAMESPACE"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets" env:"HISTOGRAM_BUCKETS"`
}

// EventsConfig configures the event publisher. With EnableAsync, events are
// queued in a buffer of BufferSize and delivered by a background worker.
type EventsConfig struct {
	Enabled     bool `yaml:"enabled" env:"ENABLED"`
	BufferSize  int  `yaml:"buffer_size" env:"BUFFER_SIZE"`
	EnableAsync bool `yaml:"enable_async" env:"ASYNC"`
}

// DefaultConfig logs info to stderr on the console, keeps tracing off,
// serves metrics on :9090 and publishes events asynchronously.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sagaflow",
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
			Exporter:           "none",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "sagaflow",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ProductionConfig switches to sampled JSON logs and OTLP tracing at 10%.
func ProductionConfig() *Config {
	c := DefaultConfig()
	c.Environment = "production"
	c.Logging.Format, c.Logging.TimeFormat, c.Logging.EnableSampling = "json", "unix", true
	c.Tracing.Enabled, c.Tracing.Exporter, c.Tracing.Endpoint = true, "otlp", "localhost:4317"
	c.Tracing.SamplingRate, c.Tracing.Insecure = 0.1, false
	return c
}

// DevelopmentConfig logs at debug with callers and prints spans to stderr.
func DevelopmentConfig() *Config {
	c := DefaultConfig()
	c.Logging.Level, c.Logging.EnableCaller = "debug", true
	c.Tracing.Enabled, c.Tracing.Exporter = true, "stdout"
	return c
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return errors.New("service name is required")
	case c.ServiceVersion == "":
		return errors.New("service version is required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("invalid log format: %s (must be console or json)", c.Logging.Format)
	}

	if t := c.Tracing; t.Enabled {
		if !slices.Contains(traceExporter, t.Exporter) {
			return fmt.Errorf("invalid trace exporter: %s", t.Exporter)
		}
		if t.Exporter == "otlp" && t.Endpoint == "" {
			return errors.New("trace endpoint is required for the otlp exporter")
		}
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", r)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics listen address is required when metrics are enabled")
	}
	if e := c.Events; e.Enabled && e.EnableAsync && e.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", e.BufferSize)
	}
	return nil
}
