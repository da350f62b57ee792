package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/state"
)

const exampleManifest = `version: 1
environment: %s
defaults:
  tags:
    managed-by: surge
stacks:
  - name: demo
    resources:
      - id: demo-1
        type: "null"
        properties:
          note: replace this with real resources
`

const exampleSettings = `# Surge settings. Every key is optional; defaults apply when absent.
state_path: %s
checkpoint_dir: %s
history_path: %s
history_keep: %d
concurrency: %d
# max_changes: 0        # 0 means no change budget
# policy_paths: []      # directories or files with .rego policies
retry:
  max_retries: %d
  base_delay: %s
  max_delay: %s
breaker:
  failure_threshold: %d
  recovery_timeout: %s
`

func newInitCommand() *cobra.Command {
	var (
		environment string
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Surge project",
		Long: `Create the settings file, an example manifest, and the working
directories for state, checkpoints, and run history.`,
		Example: `  # Initialize with default environment
  surge init

  # Initialize for production
  surge init --environment production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.DefaultSettings()

			for _, dir := range []string{
				settings.CheckpointDir,
				filepath.Dir(settings.HistoryPath),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}

			settingsBody := fmt.Sprintf(exampleSettings,
				settings.StatePath,
				settings.CheckpointDir,
				settings.HistoryPath,
				settings.HistoryKeep,
				settings.Concurrency,
				settings.Retry.MaxRetries,
				settings.Retry.BaseDelay.Duration(),
				settings.Retry.MaxDelay.Duration(),
				settings.Breaker.FailureThreshold,
				settings.Breaker.RecoveryTimeout.Duration(),
			)
			if err := writeInitFile(settingsPath, settingsBody, force); err != nil {
				return err
			}

			manifestBody := fmt.Sprintf(exampleManifest, environment)
			if err := writeInitFile(manifestPath, manifestBody, force); err != nil {
				return err
			}

			// An empty state file marks the environment as initialized
			// and records which environment this directory deploys.
			mgr := state.NewManager(settings.StatePath, environment, log.Logger)
			if _, err := os.Stat(settings.StatePath); os.IsNotExist(err) {
				if err := mgr.Save(state.NewState(environment)); err != nil {
					return fmt.Errorf("failed to write initial state: %w", err)
				}
			}

			log.Info().
				Str("environment", environment).
				Str("settings", settingsPath).
				Str("manifest", manifestPath).
				Msg("project initialized")
			fmt.Printf("Initialized Surge project for environment %q.\n", environment)
			fmt.Printf("Edit %s and run 'surge plan'.\n", manifestPath)

			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "environment", "e", "dev", "target environment")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

func writeInitFile(path, content string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Printf("Keeping existing %s (use --force to overwrite).\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
