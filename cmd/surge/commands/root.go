package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	manifestPath string
	verbose      bool
	jsonOutput   bool

	// buildVersion is reported by telemetry alongside spans.
	buildVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "surge",
		Short: "Surge - Deployment Orchestrator",
		Long: `Surge deploys declared resources against their recorded state.

It plans the difference between a manifest and the state store, orders
changes into dependency waves, executes them with bounded concurrency,
and records every run. Failed runs roll back only when asked, and
interrupted runs resume from their last checkpoint.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "surge.yaml", "settings file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "deploy.yaml", "manifest file or directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
