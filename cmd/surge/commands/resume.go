package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/engine"
)

func newResumeCommand() *cobra.Command {
	var (
		parallelism  int
		autoRollback bool
		only         []string
	)

	cmd := &cobra.Command{
		Use:   "resume [plan-id]",
		Short: "Resume an interrupted deployment",
		Long: `Re-plan the manifest and continue from the stored checkpoint.
Resources the checkpoint records as completed are skipped.

Plan identity is derived from the requested changes, so re-planning
the same manifest finds the original run's checkpoint. Passing the
plan ID asserts the manifest still matches the interrupted run.`,
		Example: `  # Resume the interrupted deployment of the current manifest
  surge resume

  # Resume and verify the plan is the one that was interrupted
  surge resume 6b86b273ff34fce1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, manifest, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			desired := config.ToDesired(manifest)
			filter := stackFilter(only)

			if len(args) == 1 {
				plan, err := rt.orch.Plan(ctx, desired, filter)
				if err != nil {
					return err
				}
				if plan.ID != args[0] {
					return fmt.Errorf("manifest plans as %s, not %s; the manifest changed since the interrupted run",
						plan.ID, args[0])
				}
			}

			if parallelism <= 0 {
				parallelism = rt.settings.Concurrency
			}

			result, err := rt.orch.Resume(ctx, desired, engine.DeployOptions{
				Filter:       filter,
				Concurrency:  parallelism,
				AutoRollback: autoRollback,
				Progress:     progressPrinter(),
			})
			if result != nil {
				printResult(result)
			}
			if err != nil {
				return err
			}
			if !result.Success && result.Status != engine.RunStatusRolledBack {
				return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent changes per wave (0 uses settings)")
	cmd.Flags().BoolVar(&autoRollback, "rollback", false, "roll back automatically when the run fails")
	cmd.Flags().StringSliceVar(&only, "only", nil, "limit to these stacks")

	return cmd
}
