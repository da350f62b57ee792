package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/stores"
)

func newRollbackCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Roll back a recorded run",
		Long: `Compute and execute the compensating changes for a recorded run:
resources the run created are destroyed (dependents first), resources
it updated are restored from the pre-run snapshot.

Rollback never happens implicitly; this command is how a finished run
gets reverted.`,
		Example: `  # Roll back a failed run
  surge rollback 9b1c2f3a-...

  # Roll back without prompting
  surge rollback 9b1c2f3a-... --auto-approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			settings, err := config.LoadSettings(settingsPath)
			if err != nil {
				return err
			}
			settings.ResolvePaths()

			run, resources, err := loadRecordedRun(ctx, settings.HistoryPath, runID)
			if err != nil {
				return err
			}

			rt, err := newRuntimeForEnvironment(ctx, run.Environment)
			if err != nil {
				return err
			}
			defer rt.Close()

			result := rebuildResult(run, resources)

			preState, err := rt.checkpoints.LoadSnapshot(run.PlanID)
			if err != nil {
				return err
			}
			if preState == nil {
				// Snapshot already cleaned up. Creates can still be
				// destroyed; update restores have nothing to restore to.
				log.Warn().
					Str("plan_id", run.PlanID).
					Msg("no pre-run snapshot, updated resources will not be restored")
				preState, err = rt.stateMgr.Snapshot()
				if err != nil {
					return err
				}
			}

			if !autoApprove && !confirm(fmt.Sprintf("Roll back run %s?", runID)) {
				fmt.Println("Rollback cancelled.")
				return nil
			}

			if err := rt.stateMgr.Lock(); err != nil {
				return err
			}
			defer rt.stateMgr.Unlock()

			rbResult, err := rt.orch.RollbackRun(ctx, result, preState)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rbResult)
			}

			reverted, failed := 0, 0
			for id, res := range rbResult.Resources {
				if res.Status == engine.StatusSuccess {
					reverted++
					continue
				}
				failed++
				fmt.Printf("  %s: %v\n", id, res.Error)
			}
			fmt.Printf("Rollback of run %s: reverted %d, failed %d\n", runID, reverted, failed)
			if !rbResult.Success {
				return fmt.Errorf("rollback of run %s was incomplete", runID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")

	return cmd
}

// loadRecordedRun fetches a run and its per-resource results from the
// history database.
func loadRecordedRun(ctx context.Context, historyPath, runID string) (*stores.Run, []*stores.RunResource, error) {
	if historyPath == "" {
		return nil, nil, fmt.Errorf("run history is disabled; rollback by run ID needs history_path")
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: historyPath})
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return nil, nil, err
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s: %w", runID, err)
	}
	resources, err := store.ListRunResources(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, resources, nil
}

// rebuildResult reconstructs the deployment result the rollback
// planner needs from history records.
func rebuildResult(run *stores.Run, resources []*stores.RunResource) *engine.DeploymentResult {
	result := &engine.DeploymentResult{
		RunID:       run.ID,
		PlanID:      run.PlanID,
		Environment: run.Environment,
		Status:      engine.RunStatus(run.Status),
		Success:     run.Success,
		StartTime:   run.StartedAt,
		Resources:   make(map[string]*engine.ExecutionResult, len(resources)),
	}
	if run.CompletedAt != nil {
		result.EndTime = *run.CompletedAt
	}
	for _, rr := range resources {
		er := &engine.ExecutionResult{
			ResourceID: rr.ResourceID,
			Action:     engine.Action(rr.Action),
			Status:     engine.ResourceStatus(rr.Status),
			Attempts:   rr.Attempts,
		}
		if rr.StartedAt != nil {
			er.StartTime = *rr.StartedAt
		}
		if rr.CompletedAt != nil {
			er.EndTime = *rr.CompletedAt
		}
		result.Resources[rr.ResourceID] = er
	}
	return result
}
