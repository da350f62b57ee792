package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List recorded runs, newest first. With a run ID, show that run's
per-resource results and progress events.`,
		Example: `  # List recent runs
  surge history

  # Show one run in detail
  surge history 9b1c2f3a-...

  # Prune old runs
  surge history prune --keep 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd, store, args[0])
			}

			runs, err := store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			fmt.Printf("%-38s %-12s %-12s %-10s %s\n", "RUN", "ENVIRONMENT", "STATUS", "RESOURCES", "STARTED")
			for _, run := range runs {
				fmt.Printf("%-38s %-12s %-12s %-10d %s\n",
					run.ID, run.Environment, run.Status, run.ResourceCount,
					run.StartedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d runs, kept the most recent %d.\n", deleted, keep)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "number of recent runs to keep")

	return cmd
}

func openHistory(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	settings.ResolvePaths()
	if settings.HistoryPath == "" {
		return nil, fmt.Errorf("run history is disabled; set history_path in %s", settingsPath)
	}

	ctx := cmd.Context()
	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.HistoryPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func showRun(cmd *cobra.Command, store *stores.SQLiteStore, runID string) error {
	ctx := cmd.Context()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	resources, err := store.ListRunResources(ctx, runID)
	if err != nil {
		return err
	}
	events, err := store.GetEvents(ctx, runID, 200, 0)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"run":       run,
			"resources": resources,
			"events":    events,
		})
	}

	fmt.Printf("Run:         %s\n", run.ID)
	fmt.Printf("Plan:        %s\n", run.PlanID)
	fmt.Printf("Environment: %s\n", run.Environment)
	fmt.Printf("Status:      %s\n", run.Status)
	fmt.Printf("Started:     %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Duration:    %s\n", run.CompletedAt.Sub(run.StartedAt).Round(timeRounding))
	}

	if len(resources) > 0 {
		fmt.Println("\nResources:")
		for _, rr := range resources {
			line := fmt.Sprintf("  %-20s %-7s %-9s attempts=%d", rr.ResourceID, rr.Action, rr.Status, rr.Attempts)
			if rr.ErrorMsg != nil {
				line += " error=" + *rr.ErrorMsg
			}
			fmt.Println(line)
		}
	}

	if len(events) > 0 {
		fmt.Println("\nEvents:")
		for _, ev := range events {
			target := "-"
			if ev.ResourceID != nil {
				target = *ev.ResourceID
			}
			fmt.Printf("  %s wave=%d %-20s %s\n",
				ev.Timestamp.Local().Format("15:04:05"), ev.Wave, target, ev.Message)
		}
	}

	return nil
}
