package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded deployment state",
		Long: `Print the resources the state store records for this environment,
plus any checkpoints from interrupted runs.`,
		Example: `  # Show current state
  surge status

  # Machine-readable state
  surge status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, manifest, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.stateMgr.Load()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(st)
			}

			fmt.Printf("Environment: %s\n", st.Environment)
			fmt.Printf("Manifest:    %s (environment %s)\n", manifestPath, manifest.Environment)
			fmt.Printf("Resources:   %d\n", st.ResourceCount())

			stackNames := make([]string, 0, len(st.Stacks))
			for name := range st.Stacks {
				stackNames = append(stackNames, name)
			}
			sort.Strings(stackNames)

			for _, name := range stackNames {
				stack := st.Stacks[name]
				if len(stack.Resources) == 0 {
					continue
				}
				fmt.Printf("\nStack %s:\n", name)

				ids := make([]string, 0, len(stack.Resources))
				for id := range stack.Resources {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				for _, id := range ids {
					r := stack.Resources[id]
					fmt.Printf("  %-20s %-10s %s\n", r.ID, r.Type, r.PhysicalID)
				}
			}

			checkpoints, err := rt.checkpoints.List()
			if err != nil {
				return err
			}
			if len(checkpoints) > 0 {
				fmt.Println("\nInterrupted runs (resumable):")
				for _, planID := range checkpoints {
					fmt.Printf("  plan %s\n", planID)
				}
			}

			return nil
		},
	}

	return cmd
}
