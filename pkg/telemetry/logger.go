package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger preconfigured for the orchestrator, with
// helpers for the fields every run produces.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a logger from the logging configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.Caller {
		zlog = zlog.With().Caller().Logger()
	}
	if cfg.SampleAfter > 0 {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SampleAfter),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SampleAfter)},
		})
	}

	return &Logger{zlog: zlog}, nil
}

// Zerolog returns the underlying zerolog logger for components that
// take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// WithRunID tags entries with the run they belong to.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("run_id", runID).Logger()}
}

// WithPlanID tags entries with a plan identity.
func (l *Logger) WithPlanID(planID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("plan_id", planID).Logger()}
}

// WithResourceID tags entries with the resource being worked on.
func (l *Logger) WithResourceID(resourceID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("resource_id", resourceID).Logger()}
}

// WithWave tags entries with the executing wave index.
func (l *Logger) WithWave(index int) *Logger {
	return &Logger{zlog: l.zlog.With().Int("wave", index).Logger()}
}

// WithProvisioner tags entries with the provisioner type.
func (l *Logger) WithProvisioner(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("provisioner", name).Logger()}
}

// WithContext stores the logger in the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context, falling back to
// a plain stdout logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stdout).With().Timestamp().Logger()}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
