package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/provider"
)

// RetryCall runs fn, retrying transient provider failures with a linearly
// growing delay: delay, 2*delay, 3*delay. Permanent failures and context
// cancellation return immediately. The attempt count covers every call
// made, including failed ones; a rate-limited call is still a billed
// request and belongs in the job's usage totals.
func RetryCall(ctx context.Context, policy models.RetryPolicy, logger *slog.Logger, op string, fn func() error) (int, error) {
	delay := time.Duration(policy.DelaySeconds) * time.Second

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !provider.IsTransient(err) {
			return attempt + 1, err
		}
		if attempt >= policy.Max {
			logger.Error("retries exhausted",
				slog.String("operation", op),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return attempt + 1, err
		}

		wait := delay * time.Duration(attempt+1)
		logger.Warn("transient failure, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(wait):
		}
	}
}
