package telemetry

import (
	"fmt"
	"time"
)

// Config gathers the telemetry settings for one process: who the
// service is, plus one section per signal.
type Config struct {
	// ServiceName identifies the service in exported telemetry.
	ServiceName string

	// ServiceVersion is the running build's version string.
	ServiceVersion string

	// Environment names the deployment environment the process
	// operates on.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum level that gets logged: trace, debug,
	// info, warn, error or fatal.
	Level string

	// Format is "console" for human output or "json" for machines.
	Format string

	// Output is "stdout", "stderr" or a file path.
	Output string

	// Caller adds file:line information to every entry.
	Caller bool

	// SampleAfter, when positive, logs every entry up to that many
	// per second and then one in SampleAfter thereafter. Zero
	// disables sampling.
	SampleAfter int
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns span recording on.
	Enabled bool

	// Exporter is "otlp", "stdout" or "none".
	Exporter string

	// Endpoint is the OTLP collector address, host:port.
	Endpoint string

	// SamplingRate is the fraction of traces to record, 0 to 1.
	SamplingRate float64

	// MaxExportBatchSize caps spans per export batch.
	MaxExportBatchSize int

	// ExportTimeout bounds a single export attempt.
	ExportTimeout time.Duration

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its HTTP
// endpoint.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool

	// ListenAddress is where the metrics endpoint listens.
	ListenAddress string

	// Path is the HTTP path serving the metrics.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets overrides the duration buckets. Empty
	// uses the Prometheus defaults.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	// Enabled turns event publishing on.
	Enabled bool

	// BufferSize is how many events may queue before publishes are
	// dropped.
	BufferSize int
}

// DefaultConfig returns settings suitable for interactive use:
// console logs, full trace sampling to stdout, metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "surge",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
			Caller: true,
		},
		Tracing: TracingConfig{
			Enabled:            true,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "surge",
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
	}
}

// ProductionConfig returns settings for long-running unattended use:
// sampled JSON logs and 10% OTLP trace sampling.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.SampleAfter = 100
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	return cfg
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
}

var traceExporters = map[string]bool{
	"otlp": true, "stdout": true, "none": true,
}

// Validate rejects configurations that would fail later, at first use.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if !logLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format %q (console or json)", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		if !traceExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp trace exporter needs an endpoint")
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("trace sampling rate %f out of range", c.Tracing.SamplingRate)
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive")
	}
	return nil
}
