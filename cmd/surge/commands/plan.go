package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile  string
		only     []string
		graphDot bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a deployment would change",
		Long: `Compare the manifest against the recorded state and print the
resulting change plan, ordered into dependency waves. Nothing is
executed.

The plan ID identifies the requested change set: applying, resuming,
and checkpoints all key on it.`,
		Example: `  # Plan the default manifest
  surge plan

  # Plan only the compute stack
  surge plan --only compute

  # Save the plan as JSON for review
  surge plan --out plan.json

  # Render the change graph for Graphviz
  surge plan --graph | dot -Tsvg -o plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, manifest, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			plan, err := rt.orch.Plan(ctx, config.ToDesired(manifest), stackFilter(only))
			if err != nil {
				return err
			}

			if graphDot {
				fmt.Print(plan.Graph().ToDOT())
			} else {
				printPlan(plan)
			}

			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				if err := writePlanJSON(f, plan); err != nil {
					return err
				}
				log.Info().Str("out", outFile).Msg("plan written")
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringSliceVar(&only, "only", nil, "limit to these stacks")
	cmd.Flags().BoolVar(&graphDot, "graph", false, "print the change graph in DOT format")

	return cmd
}
