package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is a parsed deployment manifest: the desired resources for
// one environment, grouped into stacks.
type Manifest struct {
	// Version is the manifest schema version. Only version 1 exists.
	Version int `yaml:"version" json:"version" validate:"required,eq=1"`

	// Environment names the environment this manifest deploys.
	Environment string `yaml:"environment" json:"environment" validate:"required"`

	// Defaults apply to every resource unless overridden.
	Defaults *Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Stacks are the resource groups in this manifest.
	Stacks []StackConfig `yaml:"stacks" json:"stacks" validate:"required,min=1,dive"`
}

// Defaults are manifest-wide resource defaults.
type Defaults struct {
	// Tags are merged into every resource's tags. Resource tags win
	// on conflict.
	Tags map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// StackConfig is one named group of resources.
type StackConfig struct {
	// Name is the stack name, used for filtering (--only).
	Name string `yaml:"name" json:"name" validate:"required"`

	// Resources are the desired resources in this stack.
	Resources []ResourceConfig `yaml:"resources" json:"resources" validate:"dive"`
}

// ResourceConfig is one desired resource as declared in the manifest.
type ResourceConfig struct {
	// ID is the resource identifier, unique across the whole manifest.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Type selects the provisioner (e.g. "server", "null").
	Type string `yaml:"type" json:"type" validate:"required"`

	// Properties is the provisioner-specific specification.
	Properties map[string]interface{} `yaml:"properties,omitempty" json:"properties,omitempty"`

	// DependsOn lists resource IDs this resource requires.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Tags are key-value pairs for selection and policy checks.
	Tags map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Protected marks the resource as protected from deletion; the
	// built-in policy denies plans that would delete it.
	Protected bool `yaml:"protected,omitempty" json:"protected,omitempty"`
}

// Settings is the CLI's runtime configuration, loaded from an
// optional surge.yaml.
type Settings struct {
	// StatePath is the state file location.
	StatePath string `yaml:"state_path" json:"state_path"`

	// CheckpointDir is where per-wave checkpoints are written.
	CheckpointDir string `yaml:"checkpoint_dir" json:"checkpoint_dir"`

	// HistoryPath is the run history SQLite database location.
	HistoryPath string `yaml:"history_path" json:"history_path"`

	// HistoryKeep is how many runs to retain; older ones are pruned.
	HistoryKeep int `yaml:"history_keep" json:"history_keep" validate:"gte=0"`

	// PolicyPaths are extra Rego policy files or directories.
	PolicyPaths []string `yaml:"policy_paths,omitempty" json:"policy_paths,omitempty"`

	// Concurrency is the worker pool size within a wave.
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=0"`

	// MaxChanges caps mutating changes per plan. Zero means unlimited.
	MaxChanges int `yaml:"max_changes" json:"max_changes" validate:"gte=0"`

	// Retry tunes the per-resource retry loop.
	Retry RetrySettings `yaml:"retry" json:"retry"`

	// Breaker tunes the per-provisioner circuit breakers.
	Breaker BreakerSettings `yaml:"breaker" json:"breaker"`

	// Telemetry enables metrics and tracing for runs.
	Telemetry TelemetrySettings `yaml:"telemetry" json:"telemetry"`
}

// TelemetrySettings configures the optional metrics endpoint and trace
// exporter. Both are off unless the operator sets them.
type TelemetrySettings struct {
	// MetricsListen is the Prometheus listen address (e.g. ":9090").
	// Empty disables the metrics endpoint.
	MetricsListen string `yaml:"metrics_listen,omitempty" json:"metrics_listen,omitempty"`

	// TraceExporter selects the span exporter: otlp, stdout or none.
	// Empty disables tracing.
	TraceExporter string `yaml:"trace_exporter,omitempty" json:"trace_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// TraceEndpoint is the OTLP collector address, required for otlp.
	TraceEndpoint string `yaml:"trace_endpoint,omitempty" json:"trace_endpoint,omitempty"`

	// TraceSampling is the head sampling ratio. Zero means sample
	// everything.
	TraceSampling float64 `yaml:"trace_sampling,omitempty" json:"trace_sampling,omitempty" validate:"gte=0,lte=1"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "1m30s" as well as integer nanoseconds.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// RetrySettings tunes the retry loop for transient failures.
type RetrySettings struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0"`

	// BaseDelay is the first backoff delay.
	BaseDelay Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay Duration `yaml:"max_delay" json:"max_delay"`
}

// BreakerSettings tunes the circuit breakers.
type BreakerSettings struct {
	// FailureThreshold is the consecutive failure count that opens
	// a breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`

	// RecoveryTimeout is how long an open breaker waits before
	// allowing a trial call.
	RecoveryTimeout Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultSettings returns the settings used when no surge.yaml exists.
func DefaultSettings() Settings {
	return Settings{
		StatePath:     "surge.state.json",
		CheckpointDir: ".surge/checkpoints",
		HistoryPath:   ".surge/history.db",
		HistoryKeep:   100,
		Concurrency:   4,
		Retry: RetrySettings{
			MaxRetries: 5,
			BaseDelay:  Duration(time.Second),
			MaxDelay:   Duration(60 * time.Second),
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
		},
	}
}
