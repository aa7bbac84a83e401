// Package core runs the job pipeline: an ordered set of stages over a
// persisted job, resumable from whatever the last completed stage was.
package core

import (
	"log/slog"

	"github.com/scrivohq/scrivo/internal/config"
	"github.com/scrivohq/scrivo/internal/costs"
	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/media"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/provider"
	"github.com/scrivohq/scrivo/internal/render"
	"github.com/scrivohq/scrivo/internal/shelving"
	"github.com/scrivohq/scrivo/internal/template"
)

// Dependencies carries everything stages need. One instance is shared by
// all stages of a driver.
type Dependencies struct {
	Config    *config.Config
	Store     *jobstore.Store
	Providers *provider.Registry
	Templates *template.Registry
	Renderers *render.Registry
	Shelver   *shelving.Shelver
	Prober    *media.Prober
	Encoder   *media.Encoder
	// Ledger may be nil when the usage database cannot be opened; usage
	// still accumulates in each job's meta.json.
	Ledger *costs.Ledger
	Logger *slog.Logger
}

// RecordUsage books a provider call against the job's running totals and,
// when available, the durable ledger.
func (d *Dependencies) RecordUsage(job *jobstore.Job, rec models.UsageRecord) {
	job.Meta.Processing.Apply(rec)
	if d.Ledger != nil {
		if err := d.Ledger.Record(job.ID, rec); err != nil {
			d.Logger.Warn("usage ledger write failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
}
