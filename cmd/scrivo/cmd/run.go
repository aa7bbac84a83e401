package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
)

// runCmd creates a job from a media file and executes the pipeline.
var runCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Process a media file through the pipeline",
	Long: `Create a job for the given media file and run it through ingest,
scribe, refine, generate, and shelve. The job id is printed on stdout;
use it with the jobs subcommands to inspect or retry the job.`,
	Args: cobra.ExactArgs(1),
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

func init() {
	addJobConfigFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

// addJobConfigFlags registers the flags that override the configured job
// defaults at creation time.
func addJobConfigFlags(f *pflag.FlagSet) {
	f.String("language", "auto", "language hint for transcription and refinement")
	f.String("compression-mode", "compressed", "media preparation: original, compressed, or optimized")
	f.String("model", "", "model name for both the transcribe and refine backends")
	f.String("shelve-mode", "timeline", "placement strategy: timeline, flat, or zettelkasten")
	f.Bool("skip-transcript", false, "refine the audio directly, skipping transcription")
	f.Bool("debug", false, "keep intermediate files; trash instead of delete on retry")
	addStopAfterFlag(f)
}

func addStopAfterFlag(f *pflag.FlagSet) {
	f.String("stop-after", "", "stop once this stage completes (ingest, scribe, refine, generate, shelve)")
}

// runOptions parses the --stop-after flag.
func runOptions(cmd *cobra.Command) (core.RunOptions, error) {
	var opts core.RunOptions
	if cmd.Flags().Changed("stop-after") {
		raw, _ := cmd.Flags().GetString("stop-after")
		stage, err := models.ParseStage(raw)
		if err != nil {
			return opts, userError{err}
		}
		opts.StopAfter = stage
	}
	return opts, nil
}
