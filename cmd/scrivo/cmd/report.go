package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrivohq/scrivo/internal/costs"
	"github.com/scrivohq/scrivo/internal/models"
)

// reportCmd aggregates usage and spend across jobs.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize usage and spend over a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return userErrorf("--days must be positive")
		}
		since := time.Now().UTC().AddDate(0, 0, -days)

		jobs, err := a.store.List()
		if err != nil {
			return err
		}

		var report *costs.Report
		if a.ledger != nil {
			report, err = a.ledger.Report(since)
			if err != nil {
				return err
			}
		} else {
			// No ledger: fall back to the totals each job carries.
			metas := make([]*models.JobMeta, 0, len(jobs))
			for _, job := range jobs {
				metas = append(metas, job.Meta)
			}
			report = costs.BuildReportFromMeta(metas, since)
		}

		fmt.Printf("Usage since %s\n\n", report.Since.Format("2006-01-02"))
		fmt.Printf("Jobs:      %d\n", report.JobCount)
		fmt.Printf("Requests:  %d\n", report.Requests)
		fmt.Printf("Tokens:    %d in / %d out\n", report.InputTokens, report.OutputTokens)
		fmt.Printf("Cost:      $%.4f\n", report.TotalCostUSD)

		if len(report.ByModel) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tREQUESTS\tTOKENS IN\tTOKENS OUT\tCOST")
			for _, m := range report.ByModel {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t$%.4f\n",
					m.Provider, m.Model, m.Requests, m.InputTokens, m.OutputTokens, m.CostUSD)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		// Jobs by status over the same window, from the work root.
		byStatus := make(map[models.JobStatus]int)
		for _, job := range jobs {
			if job.State.CreatedAt.Before(since) {
				continue
			}
			byStatus[job.State.Status]++
		}
		if len(byStatus) > 0 {
			fmt.Println()
			for _, status := range []models.JobStatus{models.JobCompleted, models.JobFailed, models.JobRunning, models.JobCreated} {
				if n := byStatus[status]; n > 0 {
					fmt.Printf("%-10s %d\n", status+":", n)
				}
			}
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().Int("days", 30, "window size in days")
	rootCmd.AddCommand(reportCmd)
}
