package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrivohq/scrivo/internal/models"
)

// ingestCmd creates a job like run does; it exists so the stage-by-stage
// workflow reads naturally: ingest, then scribe, then refine, and so on.
var ingestCmd = &cobra.Command{
	Use:   "ingest <source>",
	Short: "Create a job from a media file and run it from the ingest stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := commandContext()
		defer stop()

		opts, err := runOptions(cmd)
		if err != nil {
			return err
		}
		job, err := a.newJob(cmd, args[0])
		if err != nil {
			return err
		}
		fmt.Println(job.ID)
		return a.driver.Run(ctx, job, opts)
	},
}

// stageCommand builds a continuation command: reset the named stage and
// everything after it, then run from there to the end (or --stop-after).
func stageCommand(stage models.StageName, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(stage) + " [job-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := commandContext()
			defer stop()

			opts, err := runOptions(cmd)
			if err != nil {
				return err
			}
			job, err := a.jobFromArgs(args)
			if err != nil {
				return err
			}
			return a.driver.Retry(ctx, job, stage, opts)
		},
	}
	addStopAfterFlag(cmd.Flags())
	return cmd
}

func init() {
	addJobConfigFlags(ingestCmd.Flags())
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(stageCommand(models.StageScribe, "Transcribe the given or latest job and continue"))
	rootCmd.AddCommand(stageCommand(models.StageRefine, "Refine the given or latest job and continue"))
	rootCmd.AddCommand(stageCommand(models.StageGenerate, "Render artifacts for the given or latest job and continue"))
	rootCmd.AddCommand(stageCommand(models.StageShelve, "Shelve artifacts for the given or latest job"))
}
