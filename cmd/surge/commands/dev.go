package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/surgecd/surge/pkg/config"
	"github.com/surgecd/surge/pkg/devloop"
	"github.com/surgecd/surge/pkg/engine"
	"github.com/rs/zerolog/log"
)

func newDevCommand() *cobra.Command {
	var (
		debounce    time.Duration
		parallelism int
		only        []string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch the manifest and apply on change",
		Long: `Run the development loop: apply the manifest once, then watch it
and re-apply whenever it changes. Broken manifests and failed runs are
logged and the loop keeps watching.

Intended for development environments; there is no approval prompt.`,
		Example: `  # Watch the default manifest
  surge dev

  # Watch a manifest directory with a longer settle window
  surge dev -m deploy/ --debounce 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, _, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if parallelism <= 0 {
				parallelism = rt.settings.Concurrency
			}

			apply := func(ctx context.Context) error {
				manifest, err := loadManifest(rt.parser)
				if err != nil {
					return err
				}

				result, err := rt.orch.Deploy(ctx, config.ToDesired(manifest), engine.DeployOptions{
					Filter:      stackFilter(only),
					Concurrency: parallelism,
					Progress:    progressPrinter(),
				})
				if err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
				}
				return nil
			}

			watcher := devloop.NewWatcher([]string{manifestPath}, debounce, apply, log.Logger)

			log.Info().Str("manifest", manifestPath).Msg("starting dev loop")
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", devloop.DefaultDebounce, "settle window after the last file event")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent changes per wave (0 uses settings)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "limit to these stacks")

	return cmd
}
