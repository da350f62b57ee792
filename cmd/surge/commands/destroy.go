package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
		only        []string
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete deployed resources",
		Long: `Plan and execute deletion of every recorded resource, dependents
before their dependencies. Policy guards apply: protected resources
block the whole plan.`,
		Example: `  # Destroy everything, with approval prompt
  surge destroy

  # Destroy only the compute stack
  surge destroy --only compute --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, _, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !autoApprove && !confirm("Destroy all selected resources?") {
				fmt.Println("Destroy cancelled.")
				return nil
			}

			if parallelism <= 0 {
				parallelism = rt.settings.Concurrency
			}

			result, err := rt.orch.Destroy(ctx, engine.DeployOptions{
				Filter:      stackFilter(only),
				Concurrency: parallelism,
				Progress:    progressPrinter(),
			})
			if result != nil {
				printResult(result)
			}
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent changes per wave (0 uses settings)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "limit to these stacks")

	return cmd
}
