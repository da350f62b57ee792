package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad trace exporter",
			mutate:  func(cfg *Config) { cfg.Tracing.Exporter = "jaeger" },
			wantErr: "invalid trace exporter",
		},
		{
			name: "otlp requires endpoint",
			mutate: func(cfg *Config) {
				cfg.Tracing.Exporter = "otlp"
				cfg.Tracing.Endpoint = ""
			},
			wantErr: "endpoint",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(cfg *Config) { cfg.Tracing.SamplingRate = 1.5 },
			wantErr: "sampling rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surge.log")

	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}

	zlog := logger.Component("executor").WithRunID("run-42").WithWave(2).Zerolog()
	zlog.Info().Msg("wave started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := string(data)
	for _, want := range []string{
		`"component":"executor"`,
		`"run_id":"run-42"`,
		`"wave":2`,
		`"message":"wave started"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestLoggerLevelFiltersOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surge.log")

	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}

	zlog := logger.Zerolog()
	zlog.Info().Msg("quiet")
	zlog.Warn().Msg("loud")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "quiet") {
		t.Error("info entry written despite warn level")
	}
	if !strings.Contains(string(data), "loud") {
		t.Error("warn entry missing")
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}

	ctx := logger.WithContext(context.Background())
	if got := FromContext(ctx); got != logger {
		t.Error("FromContext did not return the stored logger")
	}
	if got := FromContext(context.Background()); got == nil {
		t.Error("FromContext on empty context should fall back to a usable logger")
	}
}

func TestEventPublisherDeliversToSubscribers(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error: %v", err)
	}
	defer ep.Shutdown(context.Background())

	got := make(chan Event, 1)
	ep.Subscribe(func(event Event) { got <- event }, nil)

	if err := ep.PublishRunStarted("run-1", "staging"); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case event := <-got:
		if event.Type != EventTypeRunStarted {
			t.Errorf("event type = %s, want %s", event.Type, EventTypeRunStarted)
		}
		if event.RunID != "run-1" {
			t.Errorf("run ID = %s, want run-1", event.RunID)
		}
		if event.ID == "" || event.Timestamp.IsZero() {
			t.Error("publisher should assign ID and timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestEventPublisherAppliesFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error: %v", err)
	}
	defer ep.Shutdown(context.Background())

	errors := make(chan Event, 4)
	ep.Subscribe(func(event Event) { errors <- event }, FilterByLevel(EventLevelError))

	breakers := make(chan Event, 4)
	ep.Subscribe(func(event Event) { breakers <- event }, FilterByType(EventTypeBreakerChanged))

	ep.PublishRunStarted("run-1", "staging")
	ep.PublishBreakerChanged("server", "closed", "open")
	ep.PublishRunFailed("run-1", "boom")

	select {
	case event := <-errors:
		if event.Type != EventTypeRunFailed {
			t.Errorf("level filter passed %s, want %s", event.Type, EventTypeRunFailed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error-level event never delivered")
	}

	select {
	case event := <-breakers:
		if event.Type != EventTypeBreakerChanged {
			t.Errorf("type filter passed %s", event.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("breaker event never delivered")
	}
}

func TestEventPublisherDropsWhenBufferFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher() error: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	ep.Subscribe(func(event Event) {
		started <- struct{}{}
		<-release
	}, nil)

	// First event leaves the buffer and blocks in the subscriber.
	if err := ep.Publish(Event{Type: "a", Level: EventLevelInfo}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	<-started

	// Second event fills the buffer; the third has nowhere to go.
	if err := ep.Publish(Event{Type: "b", Level: EventLevelInfo}); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if err := ep.Publish(Event{Type: "c", Level: EventLevelInfo}); err == nil {
		t.Error("expected drop error when buffer is full")
	}

	close(release)
	go func() { <-started; <-release }()
	ep.Shutdown(context.Background())
}

func TestEventPublisherDisabledIsNoop(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher() error: %v", err)
	}

	if err := ep.PublishRunStarted("run-1", "staging"); err != nil {
		t.Errorf("disabled publisher should accept and discard events: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("disabled publisher shutdown: %v", err)
	}
}

func TestNewBundleAndContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.BufferSize = 8

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil || tel.Events == nil {
		t.Fatal("bundle should populate every signal")
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("FromTelemetryContext did not return the stored bundle")
	}
	if FromContext(ctx) != tel.Logger {
		t.Error("WithContext should also store the logger")
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestMetricsDisabledRecordsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	// None of these may panic on the nil collectors.
	m.RecordRunStarted("staging")
	m.RecordRunCompleted("succeeded", time.Second)
	m.RecordResourceExecution("create", "success", time.Second, "server")
	m.RecordProvisionerCall("server", "provision", time.Second)
	m.RecordError("transient", "TIMEOUT")
	m.RecordBreakerTransition("server", "open")
	m.SetActiveRuns(0)
}

func TestTraceIDWithoutSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID on empty context = %q, want empty", id)
	}
}
