package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		autoApprove  bool
		parallelism  int
		autoRollback bool
		only         []string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and execute a deployment",
		Long: `Plan the manifest against recorded state, show the changes, and
execute them in dependency waves.

A failed run is left as-is unless --rollback is set; a later
'surge rollback <run-id>' or 'surge resume' can still act on it.`,
		Example: `  # Apply with approval prompt
  surge apply

  # Apply without prompting
  surge apply --auto-approve

  # Roll back automatically if the run fails
  surge apply --auto-approve --rollback

  # Apply only the compute stack with 8 workers
  surge apply --only compute --parallelism 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, manifest, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			desired := config.ToDesired(manifest)
			filter := stackFilter(only)

			plan, err := rt.orch.Plan(ctx, desired, filter)
			if err != nil {
				return err
			}
			printPlan(plan)
			if plan.IsEmpty() {
				return nil
			}

			if !autoApprove && !confirm("Apply these changes?") {
				fmt.Println("Apply cancelled.")
				return nil
			}

			if parallelism <= 0 {
				parallelism = rt.settings.Concurrency
			}

			result, err := rt.orch.Deploy(ctx, desired, engine.DeployOptions{
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

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent changes per wave (0 uses settings)")
	cmd.Flags().BoolVar(&autoRollback, "rollback", false, "roll back automatically when the run fails")
	cmd.Flags().StringSliceVar(&only, "only", nil, "limit to these stacks")

	return cmd
}
