// Package cleanup prunes old jobs from the work root. Only jobs in a
// terminal state age out; anything still running or resumable is kept.
package cleanup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scrivohq/scrivo/internal/config"
	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
)

// Sweeper deletes terminal jobs past their retention window.
type Sweeper struct {
	store  *jobstore.Store
	cfg    config.CleanupConfig
	logger *slog.Logger
}

// New creates a Sweeper.
func New(store *jobstore.Store, cfg config.CleanupConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, cfg: cfg, logger: logger.With(slog.String("component", "cleanup"))}
}

// Sweep removes jobs whose terminal state is older than the retention for
// that state: completed jobs age out quickly, failed jobs linger so they
// can be inspected and retried.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	jobs, err := s.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		if !job.State.IsTerminal() {
			continue
		}

		var retention time.Duration
		switch job.State.Status {
		case models.JobCompleted:
			retention = time.Duration(s.cfg.CompletedJobsRetentionDays) * 24 * time.Hour
		case models.JobFailed:
			retention = time.Duration(s.cfg.FailedJobsRetentionDays) * 24 * time.Hour
		}

		age := now.Sub(job.State.UpdatedAt)
		if age < retention {
			continue
		}

		if err := s.store.Delete(job.ID); err != nil {
			s.logger.Warn("deleting expired job failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		s.logger.Info("expired job removed",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.State.Status)),
			slog.Duration("age", age),
		)
	}
	return removed, nil
}

// Purge deletes terminal jobs older than the given age, optionally
// restricted to one status. It backs explicit `jobs cleanup` invocations,
// which name their own bounds instead of the configured retention.
func (s *Sweeper) Purge(now time.Time, olderThan time.Duration, status models.JobStatus) (int, error) {
	jobs, err := s.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		if !job.State.IsTerminal() {
			continue
		}
		if status != "" && job.State.Status != status {
			continue
		}
		if now.Sub(job.State.UpdatedAt) < olderThan {
			continue
		}
		if err := s.store.Delete(job.ID); err != nil {
			s.logger.Warn("deleting job failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// Schedule runs Sweep on the configured cron expression (6-field, with
// seconds). The returned cron is already started; stop it to cancel.
func (s *Sweeper) Schedule() (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(s.cfg.Cron, func() {
		if removed, err := s.Sweep(time.Now().UTC()); err != nil {
			s.logger.Error("cleanup sweep failed", slog.String("error", err.Error()))
		} else if removed > 0 {
			s.logger.Info("cleanup sweep finished", slog.Int("removed", removed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling cleanup %q: %w", s.cfg.Cron, err)
	}
	c.Start()
	return c, nil
}
