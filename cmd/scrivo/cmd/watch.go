package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/scrivohq/scrivo/internal/cleanup"
	"github.com/scrivohq/scrivo/internal/watcher"
)

// watchCmd runs the input-directory watch loop until interrupted.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the input directory and process dropped media files",
	Long: `Monitor the configured input directory. Files are picked up once their
size has been stable for the debounce window, processed one at a time,
and removed from the input directory after ingest takes a copy. When
auto-cleanup is enabled, expired jobs are swept on the configured cron
schedule while watching.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := commandContext()
		defer stop()

		if a.cfg.Cleanup.AutoCleanupEnabled {
			sweeper := cleanup.New(a.store, a.cfg.Cleanup, a.logger)
			cronRunner, err := sweeper.Schedule()
			if err != nil {
				return err
			}
			defer cronRunner.Stop()
		}

		a.logger.Info("watching for media",
			slog.String("input", a.cfg.Paths.Input),
			slog.String("work", a.cfg.Paths.Work),
		)
		w := watcher.New(a.cfg.Paths.Input, a.cfg.Watch, a.processDrop, a.logger)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
