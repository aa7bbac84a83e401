package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrivohq/scrivo/internal/cleanup"
	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/pkg/duration"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs in the work root",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		status, _ := cmd.Flags().GetString("status")
		var since time.Time
		if cmd.Flags().Changed("since") {
			raw, _ := cmd.Flags().GetString("since")
			d, err := duration.Parse(raw)
			if err != nil {
				return userErrorf("invalid --since %q: %v", raw, err)
			}
			since = time.Now().UTC().Add(-d)
		}

		jobs, err := a.store.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATUS\tSTAGE\tCREATED\tCOST")
		for _, job := range jobs {
			if status != "" && string(job.State.Status) != status {
				continue
			}
			if !since.IsZero() && job.State.CreatedAt.Before(since) {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
				job.ID,
				job.State.Status,
				currentStage(job),
				job.State.CreatedAt.Format(time.RFC3339),
				job.Meta.Processing.TotalCostUSD,
			)
		}
		return w.Flush()
	},
}

// currentStage summarizes where a job stands: the failed stage, the first
// incomplete stage, or "-" when everything is done.
func currentStage(job *jobstore.Job) string {
	for _, stage := range models.StageOrder {
		if job.State.Stage(stage).Status == models.StageFailed {
			return string(stage) + "!"
		}
	}
	if stage, ok := job.State.FirstIncomplete(); ok {
		return string(stage)
	}
	return "-"
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print a job's state and usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.jobFromArgs(args)
		if err != nil {
			return err
		}

		fmt.Printf("Job:     %s\n", job.ID)
		fmt.Printf("Source:  %s\n", job.Meta.Source)
		fmt.Printf("Status:  %s\n", job.State.Status)
		fmt.Printf("Created: %s\n", job.State.CreatedAt.Format(time.RFC3339))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTATUS\tDURATION\tERROR")
		for _, stage := range models.StageOrder {
			st := job.State.Stage(stage)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", stage, st.Status, stageDuration(st), st.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		p := job.Meta.Processing
		fmt.Println()
		fmt.Printf("Requests:  %d\n", p.RequestCount)
		fmt.Printf("Tokens:    %d in / %d out\n", p.TotalTokens.Input, p.TotalTokens.Output)
		fmt.Printf("Cost:      $%.4f\n", p.TotalCostUSD)
		fmt.Printf("Time:      %.1fs\n", p.TotalTimeSeconds)
		return nil
	},
}

func stageDuration(st *models.StageState) string {
	if st.StartedAt == nil || st.FinishedAt == nil {
		return "-"
	}
	return duration.Format(st.FinishedAt.Sub(*st.StartedAt).Round(time.Second))
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Reset a job from a stage and run it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := commandContext()
		defer stop()

		job, err := a.jobFromArgs(args)
		if err != nil {
			return err
		}

		var from models.StageName
		if cmd.Flags().Changed("from-stage") {
			raw, _ := cmd.Flags().GetString("from-stage")
			from, err = models.ParseStage(raw)
			if err != nil {
				return userError{err}
			}
		} else {
			var ok bool
			from, ok = job.State.FirstIncomplete()
			if !ok {
				fmt.Printf("job %s is already completed; use --from-stage to redo work\n", job.ID)
				return nil
			}
		}

		opts, err := runOptions(cmd)
		if err != nil {
			return err
		}
		return a.driver.Retry(ctx, job, from, opts)
	},
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs past an age threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		days, _ := cmd.Flags().GetInt("older-than")
		if days < 0 {
			return userErrorf("--older-than must not be negative")
		}
		status, _ := cmd.Flags().GetString("status")
		switch status {
		case "", string(models.JobCompleted), string(models.JobFailed):
		default:
			return userErrorf("--status must be completed or failed")
		}

		sweeper := cleanup.New(a.store, a.cfg.Cleanup, a.logger)
		removed, err := sweeper.Purge(time.Now().UTC(), time.Duration(days)*24*time.Hour, models.JobStatus(status))
		if err != nil {
			return err
		}
		fmt.Printf("removed %d job(s)\n", removed)
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Remove a job's working directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Delete(args[0]); err != nil {
			return userError{err}
		}
		return nil
	},
}

var jobsFinalizeCmd = &cobra.Command{
	Use:   "finalize <job-id>",
	Short: "Copy a job's artifacts to the results library and prune",
	Long: `Re-run the shelve stage for a job whose artifacts were generated but
not placed, or whose placement needs repeating. Shelving is idempotent:
unchanged artifacts are detected by digest and left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := commandContext()
		defer stop()

		job, err := a.jobFromArgs(args)
		if err != nil {
			return err
		}
		return a.driver.Retry(ctx, job, models.StageShelve, core.RunOptions{})
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "only jobs with this status (created, running, completed, failed)")
	jobsListCmd.Flags().String("since", "", "only jobs created within this window (e.g. 7d, 48h)")
	jobsRetryCmd.Flags().String("from-stage", "", "stage to reset and rerun from (default: first incomplete)")
	addStopAfterFlag(jobsRetryCmd.Flags())
	jobsCleanupCmd.Flags().Int("older-than", 7, "minimum age in days")
	jobsCleanupCmd.Flags().String("status", "", "only jobs with this terminal status (completed, failed)")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsRetryCmd, jobsCleanupCmd, jobsDeleteCmd, jobsFinalizeCmd)
	rootCmd.AddCommand(jobsCmd)
}
