package costs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/models"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndReport(t *testing.T) {
	l := openLedger(t)

	require.NoError(t, l.Record("25-0314-150926_a", models.UsageRecord{
		Stage: "scribe", Provider: "cloudrelay", Model: "relay-large",
		InputTokens: 1200, OutputTokens: 300, CostUSD: 0.0061, RequestCount: 1,
	}))
	require.NoError(t, l.Record("25-0314-150926_a", models.UsageRecord{
		Stage: "refine", Provider: "cloudrelay", Model: "relay-large",
		InputTokens: 500, OutputTokens: 200, CostUSD: 0.0032, RequestCount: 1,
	}))
	require.NoError(t, l.Record("25-0314-150930_b", models.UsageRecord{
		Stage: "scribe", Provider: "localwhisper", Model: "base.en",
		RequestCount: 1,
	}))

	report, err := l.Report(time.Now().Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, report.JobCount)
	assert.Equal(t, 3, report.Requests)
	assert.Equal(t, int64(1700), report.InputTokens)
	assert.Equal(t, int64(500), report.OutputTokens)
	assert.Equal(t, 0.0093, report.TotalCostUSD)

	require.Len(t, report.ByModel, 2)
	assert.Equal(t, "cloudrelay", report.ByModel[0].Provider)
	assert.Equal(t, 0.0093, report.ByModel[0].CostUSD)
	assert.Equal(t, 2, report.ByModel[0].Requests)
	assert.Equal(t, "localwhisper", report.ByModel[1].Provider)
	assert.Zero(t, report.ByModel[1].CostUSD)
}

func TestReportWindowExcludesOldRows(t *testing.T) {
	l := openLedger(t)

	require.NoError(t, l.Record("25-0314-150926_a", models.UsageRecord{
		Stage: "scribe", Provider: "cloudrelay", Model: "relay-large",
		CostUSD: 1.0, RequestCount: 1,
	}))

	report, err := l.Report(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.JobCount)
	assert.Zero(t, report.TotalCostUSD)
	assert.Empty(t, report.ByModel)
}

func TestRecordAssignsULID(t *testing.T) {
	l := openLedger(t)
	require.NoError(t, l.Record("25-0314-150926_a", models.UsageRecord{
		Stage: "scribe", Provider: "cloudrelay", Model: "relay-large", RequestCount: 1,
	}))

	var rows []UsageRow
	require.NoError(t, l.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].ID.IsZero())
	assert.Equal(t, "25-0314-150926_a", rows[0].JobID)
}

func TestBuildReportFromMeta(t *testing.T) {
	now := time.Now().UTC()
	metas := []*models.JobMeta{
		{
			JobID:     "25-0314-150926_a",
			CreatedAt: now,
			Processing: models.ProcessingStats{
				TotalTokens:  models.TokenStats{Input: 1700, Output: 500},
				TotalCostUSD: 0.0093,
				RequestCount: 2,
				Steps: []models.StepSummary{
					{Stage: "scribe", Provider: "cloudrelay", Model: "relay-large", CostUSD: 0.0061},
					{Stage: "refine", Provider: "cloudrelay", Model: "relay-large", CostUSD: 0.0032},
				},
			},
		},
		{
			JobID:     "25-0101-000000_old",
			CreatedAt: now.Add(-48 * time.Hour),
			Processing: models.ProcessingStats{
				TotalCostUSD: 5.0,
				RequestCount: 1,
			},
		},
	}

	report := BuildReportFromMeta(metas, now.Add(-24*time.Hour))
	assert.Equal(t, 1, report.JobCount)
	assert.Equal(t, 2, report.Requests)
	assert.Equal(t, 0.0093, report.TotalCostUSD)
	require.Len(t, report.ByModel, 1)
	assert.Equal(t, "relay-large", report.ByModel[0].Model)
	assert.Equal(t, 0.0093, report.ByModel[0].CostUSD)
}
