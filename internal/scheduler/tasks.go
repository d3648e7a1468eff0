package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RunPruner deletes run records older than a cutoff.
type RunPruner interface {
	CleanOldSyncRuns(olderThan time.Time) (int64, error)
}

// Refresher renews store credentials.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RetentionTask deletes sync runs older than retentionDays.
func RetentionTask(runs RunPruner, retentionDays int, now func() time.Time) TaskFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		cutoff := now().AddDate(0, 0, -retentionDays)
		deleted, err := runs.CleanOldSyncRuns(cutoff)
		if err != nil {
			return fmt.Errorf("failed to clean old sync runs: %w", err)
		}
		if deleted > 0 {
			log.Printf("Cleaned %d old sync runs", deleted)
		}
		return nil
	}
}

// RefreshTask renews credentials ahead of expiry.
func RefreshTask(r Refresher) TaskFunc {
	return func(ctx context.Context) error {
		if err := r.Refresh(ctx); err != nil {
			return fmt.Errorf("credential refresh: %w", err)
		}
		return nil
	}
}
