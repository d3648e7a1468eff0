package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePruner struct {
	cutoff  time.Time
	deleted int64
	err     error
}

func (p *fakePruner) CleanOldSyncRuns(olderThan time.Time) (int64, error) {
	p.cutoff = olderThan
	return p.deleted, p.err
}

type fakeRefresher struct {
	calls int
	err   error
}

func (r *fakeRefresher) Refresh(ctx context.Context) error {
	r.calls++
	return r.err
}

func TestRetentionTask(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	pruner := &fakePruner{deleted: 4}

	task := RetentionTask(pruner, 30, func() time.Time { return now })
	if err := task(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !pruner.cutoff.Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, pruner.cutoff)
	}

	pruner.err = errors.New("disk full")
	if err := task(context.Background()); err == nil {
		t.Error("expected error to propagate")
	}
}

func TestRefreshTask(t *testing.T) {
	r := &fakeRefresher{}
	task := RefreshTask(r)

	if err := task(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.err = errors.New("invalid_grant")
	if err := task(context.Background()); err == nil {
		t.Error("expected error to propagate")
	}
	if r.calls != 2 {
		t.Errorf("expected 2 refresh calls, got %d", r.calls)
	}
}
