package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calfeedsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

func createTestOperation(t *testing.T, db *DB) *CleanupOperation {
	t.Helper()

	op := &CleanupOperation{Mode: ModeApply, CalendarIDs: []string{"/cal/work/"}}
	if err := db.CreateCleanupOperation(op); err != nil {
		t.Fatalf("failed to create operation: %v", err)
	}
	return op
}

func TestNew(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Ping(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	// Migrations are idempotent.
	if err := db.migrate(); err != nil {
		t.Errorf("second migrate() error = %v", err)
	}
}

func TestSyncRuns(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		run := &SyncRun{
			CalendarID:      "/cal/work/",
			FeedURL:         "https://example.com/feed.ics",
			State:           "completed",
			EventsProcessed: 5,
			EventsCreated:   4,
			Errors:          []RunError{{EventID: "evt-3", Action: "create", Message: "429 Too Many Requests"}},
			Duration:        1500 * time.Millisecond,
			StartedAt:       base,
		}
		if err := db.CreateSyncRun(run); err != nil {
			t.Fatalf("CreateSyncRun() error = %v", err)
		}
		if run.ID == "" {
			t.Fatal("expected ID to be assigned")
		}

		got, err := db.GetSyncRun(run.ID)
		if err != nil {
			t.Fatalf("GetSyncRun() error = %v", err)
		}
		if got.EventsProcessed != 5 || got.EventsCreated != 4 {
			t.Errorf("unexpected counters: %+v", got)
		}
		if got.Success {
			t.Error("expected Success = false")
		}
		if len(got.Errors) != 1 || got.Errors[0].EventID != "evt-3" {
			t.Errorf("unexpected errors: %+v", got.Errors)
		}
		if got.Duration != 1500*time.Millisecond {
			t.Errorf("Duration = %v, want 1.5s", got.Duration)
		}
		if !got.StartedAt.Equal(base) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, base)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := db.GetSyncRun("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("newest first and filtered by calendar", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			run := &SyncRun{CalendarID: "/cal/home/", State: "completed", Success: true, StartedAt: base.Add(time.Duration(i) * time.Hour)}
			if err := db.CreateSyncRun(run); err != nil {
				t.Fatalf("CreateSyncRun() error = %v", err)
			}
		}

		runs, err := db.GetSyncRuns("/cal/home/", 10)
		if err != nil {
			t.Fatalf("GetSyncRuns() error = %v", err)
		}
		if len(runs) != 3 {
			t.Fatalf("expected 3 runs, got %d", len(runs))
		}
		if !runs[0].StartedAt.Equal(base.Add(3 * time.Hour)) {
			t.Errorf("expected newest run first, got %v", runs[0].StartedAt)
		}

		all, err := db.GetSyncRuns("", 10)
		if err != nil {
			t.Fatalf("GetSyncRuns() error = %v", err)
		}
		if len(all) != 4 {
			t.Errorf("expected 4 runs across calendars, got %d", len(all))
		}

		latest, err := db.GetLatestSyncRun("/cal/home/")
		if err != nil {
			t.Fatalf("GetLatestSyncRun() error = %v", err)
		}
		if latest.ID != runs[0].ID {
			t.Errorf("GetLatestSyncRun() = %s, want %s", latest.ID, runs[0].ID)
		}
	})

	t.Run("latest for unknown calendar", func(t *testing.T) {
		if _, err := db.GetLatestSyncRun("/cal/none/"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("clean old runs", func(t *testing.T) {
		deleted, err := db.CleanOldSyncRuns(time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("CleanOldSyncRuns() error = %v", err)
		}
		if deleted != 4 {
			t.Errorf("expected 4 deleted, got %d", deleted)
		}
	})
}

func TestCleanupOperationLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	op := createTestOperation(t, db)
	if op.Status != StatusRunning {
		t.Fatalf("expected running, got %s", op.Status)
	}

	op.GroupsFound = 2
	op.Deleted = 1
	if err := db.UpdateCleanupOperation(op); err != nil {
		t.Fatalf("UpdateCleanupOperation() error = %v", err)
	}

	op.Status = StatusCompleted
	op.Deleted = 2
	if err := db.UpdateCleanupOperation(op); err != nil {
		t.Fatalf("UpdateCleanupOperation() error = %v", err)
	}

	got, err := db.GetCleanupOperation(op.ID)
	if err != nil {
		t.Fatalf("GetCleanupOperation() error = %v", err)
	}
	if got.Status != StatusCompleted || got.Deleted != 2 || got.GroupsFound != 2 {
		t.Errorf("unexpected operation: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
	if len(got.CalendarIDs) != 1 || got.CalendarIDs[0] != "/cal/work/" {
		t.Errorf("unexpected calendar ids: %v", got.CalendarIDs)
	}

	// Terminal operations are frozen.
	op.Status = StatusCancelled
	if err := db.UpdateCleanupOperation(op); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}

	missing := &CleanupOperation{ID: "missing", Status: StatusFailed}
	if err := db.UpdateCleanupOperation(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	ops, err := db.ListCleanupOperations(10)
	if err != nil {
		t.Fatalf("ListCleanupOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("expected 1 operation, got %d", len(ops))
	}
}

func TestBackups(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	op := createTestOperation(t, db)
	backup, err := db.CreateBackup(op.ID)
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	got, err := db.GetBackup(backup.ID)
	if err != nil {
		t.Fatalf("GetBackup() error = %v", err)
	}
	if got.OperationID != op.ID {
		t.Errorf("OperationID = %s, want %s", got.OperationID, op.ID)
	}

	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	created := start.Add(-48 * time.Hour)
	events := []*BackupEvent{
		{CalendarID: "/cal/work/", ExternalID: "ext-1", Title: "Standup", Start: start, End: start.Add(15 * time.Minute),
			Attendees: []string{"mailto:a@example.com"}, EventCreatedAt: &created},
		{CalendarID: "/cal/work/", ExternalID: "ext-2", Title: "Standup", Start: start, End: start.Add(15 * time.Minute)},
	}
	if err := db.SaveBackupEvents(backup.ID, events); err != nil {
		t.Fatalf("SaveBackupEvents() error = %v", err)
	}

	stored, err := db.GetBackupEvents(backup.ID)
	if err != nil {
		t.Fatalf("GetBackupEvents() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 backup events, got %d", len(stored))
	}
	if stored[0].ExternalID != "ext-1" || len(stored[0].Attendees) != 1 {
		t.Errorf("unexpected first event: %+v", stored[0])
	}
	if stored[0].EventCreatedAt == nil || !stored[0].EventCreatedAt.Equal(created) {
		t.Errorf("EventCreatedAt = %v, want %v", stored[0].EventCreatedAt, created)
	}
	if stored[1].EventCreatedAt != nil {
		t.Error("expected nil EventCreatedAt for second event")
	}
	if stored[0].IsRestored() {
		t.Error("fresh backup event must not be restored")
	}

	t.Run("restore once", func(t *testing.T) {
		if err := db.MarkBackupEventRestored(stored[0].ID, "ext-new"); err != nil {
			t.Fatalf("MarkBackupEventRestored() error = %v", err)
		}
		if err := db.MarkBackupEventRestored(stored[0].ID, "ext-newer"); !errors.Is(err, ErrAlreadyRestored) {
			t.Errorf("expected ErrAlreadyRestored, got %v", err)
		}

		after, err := db.GetBackupEvents(backup.ID)
		if err != nil {
			t.Fatalf("GetBackupEvents() error = %v", err)
		}
		if !after[0].IsRestored() || after[0].RestoredExternalID != "ext-new" {
			t.Errorf("unexpected restored event: %+v", after[0])
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		if err := db.MarkBackupEventRestored("missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestClaimBackupEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	op := createTestOperation(t, db)
	backup, err := db.CreateBackup(op.ID)
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	events := []*BackupEvent{
		{CalendarID: "/cal/work/", ExternalID: "ext-1", Title: "Standup", Start: start, End: start.Add(15 * time.Minute)},
	}
	if err := db.SaveBackupEvents(backup.ID, events); err != nil {
		t.Fatalf("SaveBackupEvents() error = %v", err)
	}
	stored, err := db.GetBackupEvents(backup.ID)
	if err != nil {
		t.Fatalf("GetBackupEvents() error = %v", err)
	}
	id := stored[0].ID

	if err := db.ClaimBackupEvent(id, "restore-a"); err != nil {
		t.Fatalf("ClaimBackupEvent() error = %v", err)
	}
	if err := db.ClaimBackupEvent(id, "restore-b"); !errors.Is(err, ErrRestoreClaimed) {
		t.Errorf("second claim: expected ErrRestoreClaimed, got %v", err)
	}

	after, err := db.GetBackupEvents(backup.ID)
	if err != nil {
		t.Fatalf("GetBackupEvents() error = %v", err)
	}
	if after[0].RestoreClaim != "restore-a" {
		t.Errorf("RestoreClaim = %q, want restore-a", after[0].RestoreClaim)
	}

	// only the holder can release
	if err := db.ReleaseBackupEventClaim(id, "restore-b"); err != nil {
		t.Fatalf("ReleaseBackupEventClaim() error = %v", err)
	}
	if err := db.ClaimBackupEvent(id, "restore-b"); !errors.Is(err, ErrRestoreClaimed) {
		t.Errorf("release by non-holder must not free the entry, got %v", err)
	}
	if err := db.ReleaseBackupEventClaim(id, "restore-a"); err != nil {
		t.Fatalf("ReleaseBackupEventClaim() error = %v", err)
	}
	if err := db.ClaimBackupEvent(id, "restore-b"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}

	if err := db.MarkBackupEventRestored(id, "ext-new"); err != nil {
		t.Fatalf("MarkBackupEventRestored() error = %v", err)
	}
	if err := db.ReleaseBackupEventClaim(id, "restore-b"); err != nil {
		t.Fatalf("ReleaseBackupEventClaim() error = %v", err)
	}
	if err := db.ClaimBackupEvent(id, "restore-c"); !errors.Is(err, ErrAlreadyRestored) {
		t.Errorf("restored entry: expected ErrAlreadyRestored, got %v", err)
	}
	if err := db.ClaimBackupEvent("missing", "restore-c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown entry: expected ErrNotFound, got %v", err)
	}
}
