// Package costs keeps the durable usage ledger: one row per provider call,
// in a sqlite database beside the job directories. The ledger outlives job
// cleanup, so spend reports stay accurate after jobs are pruned.
package costs

import (
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/scrivohq/scrivo/internal/models"
)

// UsageRow is one provider call as stored in the ledger.
type UsageRow struct {
	models.LedgerModel
	JobID           string  `gorm:"index" json:"job_id"`
	Stage           string  `json:"stage"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	RequestID       string  `json:"request_id"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
	Requests        int     `json:"requests"`
}

// Ledger wraps the sqlite usage database.
type Ledger struct {
	db *gorm.DB
}

// Open opens (or creates) the ledger at dsn and migrates the schema.
func Open(dsn string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening usage ledger %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&UsageRow{}); err != nil {
		return nil, fmt.Errorf("migrating usage ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying connection.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends one usage record for a job.
func (l *Ledger) Record(jobID string, rec models.UsageRecord) error {
	row := UsageRow{
		JobID:           jobID,
		Stage:           rec.Stage,
		Provider:        rec.Provider,
		Model:           rec.Model,
		RequestID:       rec.RequestID,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		CostUSD:         models.RoundUSD(rec.CostUSD),
		DurationSeconds: rec.DurationSeconds,
		Requests:        rec.RequestCount,
	}
	if err := l.db.Create(&row).Error; err != nil {
		return fmt.Errorf("recording usage for %s: %w", jobID, err)
	}
	return nil
}

// ModelUsage is the aggregated spend for one provider/model pair.
type ModelUsage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Requests     int     `json:"requests"`
}

// Report is the spend summary over a window.
type Report struct {
	Since        time.Time    `json:"since"`
	JobCount     int          `json:"job_count"`
	Requests     int          `json:"requests"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	ByModel      []ModelUsage `json:"by_model"`
}

// Report aggregates usage recorded since the given time, grouped by
// provider and model.
func (l *Ledger) Report(since time.Time) (*Report, error) {
	var rows []ModelUsage
	err := l.db.Model(&UsageRow{}).
		Select("provider, model, sum(input_tokens) as input_tokens, sum(output_tokens) as output_tokens, sum(cost_usd) as cost_usd, sum(requests) as requests").
		Where("created_at >= ?", since).
		Group("provider, model").
		Order("provider, model").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}

	var jobCount int64
	err = l.db.Model(&UsageRow{}).
		Where("created_at >= ?", since).
		Distinct("job_id").
		Count(&jobCount).Error
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	report := &Report{Since: since, JobCount: int(jobCount), ByModel: rows}
	for i := range rows {
		rows[i].CostUSD = models.RoundUSD(rows[i].CostUSD)
		report.Requests += rows[i].Requests
		report.InputTokens += rows[i].InputTokens
		report.OutputTokens += rows[i].OutputTokens
		report.TotalCostUSD = models.RoundUSD(report.TotalCostUSD + rows[i].CostUSD)
	}
	return report, nil
}

// BuildReportFromMeta assembles a report from job metadata alone. Used
// when the ledger database is missing or unreadable: per-job meta.json
// still carries the processing totals.
func BuildReportFromMeta(metas []*models.JobMeta, since time.Time) *Report {
	byModel := make(map[string]*ModelUsage)
	report := &Report{Since: since}

	for _, meta := range metas {
		if meta == nil || meta.CreatedAt.Before(since) {
			continue
		}
		report.JobCount++
		for _, step := range meta.Processing.Steps {
			key := step.Provider + "/" + step.Model
			mu, ok := byModel[key]
			if !ok {
				mu = &ModelUsage{Provider: step.Provider, Model: step.Model}
				byModel[key] = mu
			}
			mu.CostUSD = models.RoundUSD(mu.CostUSD + step.CostUSD)
			mu.Requests++
		}
		report.Requests += meta.Processing.RequestCount
		report.InputTokens += meta.Processing.TotalTokens.Input
		report.OutputTokens += meta.Processing.TotalTokens.Output
		report.TotalCostUSD = models.RoundUSD(report.TotalCostUSD + meta.Processing.TotalCostUSD)
	}

	for _, mu := range byModel {
		report.ByModel = append(report.ByModel, *mu)
	}
	sort.Slice(report.ByModel, func(i, k int) bool {
		a, b := report.ByModel[i], report.ByModel[k]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	return report
}
