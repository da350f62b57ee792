package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/policy"
	"github.com/surgecd/surge/pkg/providers/linuxpkg"
	"github.com/surgecd/surge/pkg/providers/null"
	"github.com/surgecd/surge/pkg/providers/server"
	"github.com/surgecd/surge/pkg/state"
	"github.com/surgecd/surge/pkg/stores"
	"github.com/surgecd/surge/pkg/telemetry"
)

// runtime holds the wired components a command needs: state, history,
// policies, provisioners, and the orchestrator on top of them.
type runtime struct {
	settings    *config.Settings
	parser      *config.Parser
	stateMgr    *state.Manager
	checkpoints *state.CheckpointManager
	policies    *policy.Engine
	store       *stores.SQLiteStore
	tracer      *telemetry.Tracer
	orch        *engine.Orchestrator
}

// newRuntime builds the full command runtime. The manifest decides the
// environment, so it is loaded first.
func newRuntime(ctx context.Context) (*runtime, *config.Manifest, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, nil, err
	}
	settings.ResolvePaths()

	parser := config.NewParser()
	manifest, err := loadManifest(parser)
	if err != nil {
		return nil, nil, err
	}

	rt, err := buildRuntime(ctx, settings, parser, manifest.Environment)
	if err != nil {
		return nil, nil, err
	}
	return rt, manifest, nil
}

// newRuntimeForEnvironment builds the runtime without a manifest, for
// commands like rollback and history that act on recorded runs.
func newRuntimeForEnvironment(ctx context.Context, environment string) (*runtime, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	settings.ResolvePaths()
	return buildRuntime(ctx, settings, config.NewParser(), environment)
}

func buildRuntime(ctx context.Context, settings *config.Settings, parser *config.Parser, environment string) (*runtime, error) {
	logger := log.Logger

	stateMgr := state.NewManager(settings.StatePath, environment, logger)
	checkpoints := state.NewCheckpointManager(settings.CheckpointDir)

	registry := engine.NewProvisionerRegistry()
	if err := registry.Register(null.NewProvisioner("null", logger)); err != nil {
		return nil, err
	}
	if err := registry.Register(server.NewProvisioner(logger)); err != nil {
		return nil, err
	}
	if err := registry.Register(linuxpkg.NewProvisioner(logger)); err != nil {
		return nil, err
	}

	orch := engine.NewOrchestrator(stateMgr, checkpoints, registry, engine.OrchestratorConfig{
		Retry:   settings.RetryConfig(),
		Breaker: settings.BreakerConfig(),
	}, logger)

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(settings.PolicyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, settings.PolicyPaths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	policies.SetGuardContext(policy.Context{MaxChanges: settings.MaxChanges})
	orch.SetGuard(policies)

	var tracer *telemetry.Tracer
	if settings.Telemetry.MetricsListen != "" {
		metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
			Enabled:       true,
			ListenAddress: settings.Telemetry.MetricsListen,
			Path:          "/metrics",
			Namespace:     "surge",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build metrics: %w", err)
		}
		if err := metrics.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		orch.SetMetrics(metrics)
	}
	if settings.Telemetry.TraceExporter != "" {
		sampling := settings.Telemetry.TraceSampling
		if sampling == 0 {
			sampling = 1.0
		}
		tracer, err = telemetry.NewTracer(telemetry.TracingConfig{
			Enabled:      true,
			Exporter:     settings.Telemetry.TraceExporter,
			Endpoint:     settings.Telemetry.TraceEndpoint,
			SamplingRate: sampling,
			Insecure:     true,
		}, "surge", buildVersion, environment)
		if err != nil {
			return nil, fmt.Errorf("failed to build tracer: %w", err)
		}
		orch.SetTracer(tracer.OTel())
	}

	rt := &runtime{
		settings:    settings,
		parser:      parser,
		stateMgr:    stateMgr,
		checkpoints: checkpoints,
		policies:    policies,
		tracer:      tracer,
		orch:        orch,
	}

	if settings.HistoryPath != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: settings.HistoryPath})
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize run history: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to migrate run history: %w", err)
		}
		rt.store = store
		orch.SetRecorder(store)
	}

	return rt, nil
}

func (rt *runtime) Close() {
	if rt.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
		cancel()
	}
	if rt.store != nil {
		if rt.settings.HistoryKeep > 0 {
			if n, err := rt.store.Prune(context.Background(), rt.settings.HistoryKeep); err != nil {
				log.Warn().Err(err).Msg("failed to prune run history")
			} else if n > 0 {
				log.Debug().Int64("pruned", n).Msg("pruned old runs")
			}
		}
		if err := rt.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close run history")
		}
	}
}

// loadManifest reads the manifest path, which may be a single file or
// a directory of YAML files.
func loadManifest(parser *config.Parser) (*config.Manifest, error) {
	info, err := os.Stat(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", manifestPath, err)
	}
	if info.IsDir() {
		return parser.LoadDir(manifestPath)
	}
	return parser.LoadFile(manifestPath)
}

// stackFilter converts --only flags into a planner filter.
func stackFilter(only []string) *engine.Filter {
	if len(only) == 0 {
		return nil
	}
	return &engine.Filter{Stacks: only}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writePlanJSON writes a plan as indented JSON.
func writePlanJSON(w io.Writer, plan *engine.DeploymentPlan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

// printPlan renders a plan summary.
func printPlan(plan *engine.DeploymentPlan) {
	if jsonOutput {
		_ = printJSON(plan)
		return
	}

	if plan.IsEmpty() {
		fmt.Println("No changes. Deployment is up to date.")
		return
	}

	counts := make(map[engine.Action]int)
	fmt.Printf("Plan %s (environment: %s)\n", plan.ID, plan.Environment)
	for _, wave := range plan.Waves {
		fmt.Printf("\nWave %d:\n", wave.Index)
		for _, change := range wave.Changes {
			fmt.Printf("  %-7s %s (%s, stack %s)\n",
				change.Action, change.Resource.ID, change.Resource.Type, change.Stack)
			counts[change.Action]++
		}
	}
	fmt.Printf("\nSummary: %d to create, %d to update, %d to delete\n",
		counts[engine.ActionCreate], counts[engine.ActionUpdate], counts[engine.ActionDelete])
}

const timeRounding = 10 * time.Millisecond

// printResult renders a run result summary.
func printResult(result *engine.DeploymentResult) {
	if jsonOutput {
		_ = printJSON(result)
		return
	}

	fmt.Printf("\nRun %s finished: %s (%s)\n",
		result.RunID, result.Status, result.EndTime.Sub(result.StartTime).Round(timeRounding))
	fmt.Printf("  succeeded: %d, failed: %d, skipped: %d\n",
		result.CountByStatus(engine.StatusSuccess),
		result.CountByStatus(engine.StatusFailed),
		result.CountByStatus(engine.StatusSkipped))

	for id, res := range result.Resources {
		if res.Error != nil {
			fmt.Printf("  %s: %v\n", id, res.Error)
		}
	}
}

// progressPrinter streams resource transitions to the log.
func progressPrinter() engine.ProgressFunc {
	return func(ev engine.ProgressEvent) {
		entry := log.Info().
			Int("wave", ev.Wave)
		if ev.ResourceID != "" {
			entry = entry.Str("resource", ev.ResourceID)
		}
		if ev.Status != "" {
			entry = entry.Str("status", string(ev.Status))
		}
		if ev.Err != nil {
			entry = entry.Err(ev.Err)
		}
		entry.Msg(ev.Message)
	}
}

// confirm prompts for a yes/no answer on stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return answer == "y" || answer == "yes"
}
