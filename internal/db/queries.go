package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSyncRun appends a sync run to the log.
func (db *DB) CreateSyncRun(run *SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = run.CreatedAt
	}
	if run.Errors == nil {
		run.Errors = []RunError{}
	}

	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode run errors: %w", err)
	}

	query := `INSERT INTO sync_runs (id, calendar_id, feed_url, state, success, events_processed,
		events_created, events_updated, events_skipped, duplicates_resolved, errors, message,
		duration_ms, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query, run.ID, run.CalendarID, run.FeedURL, run.State, run.Success, run.EventsProcessed,
		run.EventsCreated, run.EventsUpdated, run.EventsSkipped, run.DuplicatesResolved, string(errorsJSON), run.Message,
		run.Duration.Milliseconds(), run.StartedAt.UTC(), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}

	return nil
}

const syncRunColumns = `id, calendar_id, feed_url, state, success, events_processed,
	events_created, events_updated, events_skipped, duplicates_resolved, errors, message,
	duration_ms, started_at, created_at`

// GetSyncRun returns a run by ID.
func (db *DB) GetSyncRun(id string) (*SyncRun, error) {
	row := db.conn.QueryRow(`SELECT `+syncRunColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// GetSyncRuns returns the most recent runs, newest first. An empty
// calendarID returns runs for every calendar.
func (db *DB) GetSyncRuns(calendarID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if calendarID == "" {
		rows, err = db.conn.Query(`SELECT `+syncRunColumns+` FROM sync_runs
			ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = db.conn.Query(`SELECT `+syncRunColumns+` FROM sync_runs WHERE calendar_id = ?
			ORDER BY started_at DESC, rowid DESC LIMIT ?`, calendarID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// GetLatestSyncRun returns the newest run for calendarID.
func (db *DB) GetLatestSyncRun(calendarID string) (*SyncRun, error) {
	runs, err := db.GetSyncRuns(calendarID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// CleanOldSyncRuns deletes runs created before olderThan.
func (db *DB) CleanOldSyncRuns(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_runs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(s scanner) (*SyncRun, error) {
	run := &SyncRun{}
	var errorsJSON string
	var durationMs int64

	err := s.Scan(&run.ID, &run.CalendarID, &run.FeedURL, &run.State, &run.Success, &run.EventsProcessed,
		&run.EventsCreated, &run.EventsUpdated, &run.EventsSkipped, &run.DuplicatesResolved, &errorsJSON, &run.Message,
		&durationMs, &run.StartedAt, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}

	run.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal([]byte(errorsJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode run errors: %w", err)
	}

	return run, nil
}

// CreateCleanupOperation records a new operation in the running state.
func (db *DB) CreateCleanupOperation(op *CleanupOperation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Kind == "" {
		op.Kind = OperationCleanup
	}
	op.Status = StatusRunning
	op.StartedAt = time.Now().UTC()
	op.FinishedAt = nil
	if op.CalendarIDs == nil {
		op.CalendarIDs = []string{}
	}

	calendarsJSON, err := json.Marshal(op.CalendarIDs)
	if err != nil {
		return fmt.Errorf("failed to encode calendar ids: %w", err)
	}

	query := `INSERT INTO cleanup_operations (id, kind, mode, status, calendar_ids, backup_id, restore_of,
		groups_found, deleted, skipped, failed, restored, message, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query, op.ID, op.Kind, op.Mode, op.Status, string(calendarsJSON), op.BackupID, op.RestoreOf,
		op.GroupsFound, op.Deleted, op.Skipped, op.Failed, op.Restored, op.Message, op.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create cleanup operation: %w", err)
	}

	return nil
}

// UpdateCleanupOperation stores progress. Only running operations can be
// updated; moving to a terminal status stamps the finish time.
func (db *DB) UpdateCleanupOperation(op *CleanupOperation) error {
	var finishedAt sql.NullTime
	if op.Status.IsTerminal() {
		now := time.Now().UTC()
		op.FinishedAt = &now
		finishedAt = sql.NullTime{Time: now, Valid: true}
	}

	query := `UPDATE cleanup_operations SET status = ?, backup_id = ?, groups_found = ?, deleted = ?,
		skipped = ?, failed = ?, restored = ?, message = ?, finished_at = ?
		WHERE id = ? AND status = ?`

	result, err := db.conn.Exec(query, op.Status, op.BackupID, op.GroupsFound, op.Deleted,
		op.Skipped, op.Failed, op.Restored, op.Message, finishedAt, op.ID, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update cleanup operation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetCleanupOperation(op.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrTerminal, op.ID)
	}

	return nil
}

const cleanupOperationColumns = `id, kind, mode, status, calendar_ids, backup_id, restore_of,
	groups_found, deleted, skipped, failed, restored, message, started_at, finished_at`

// GetCleanupOperation returns an operation by ID.
func (db *DB) GetCleanupOperation(id string) (*CleanupOperation, error) {
	row := db.conn.QueryRow(`SELECT `+cleanupOperationColumns+` FROM cleanup_operations WHERE id = ?`, id)
	op, err := scanCleanupOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// ListCleanupOperations returns the most recent operations, newest first.
func (db *DB) ListCleanupOperations(limit int) ([]*CleanupOperation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(`SELECT `+cleanupOperationColumns+` FROM cleanup_operations
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup operations: %w", err)
	}
	defer rows.Close()

	var ops []*CleanupOperation
	for rows.Next() {
		op, err := scanCleanupOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cleanup operations: %w", err)
	}

	return ops, nil
}

func scanCleanupOperation(s scanner) (*CleanupOperation, error) {
	op := &CleanupOperation{}
	var calendarsJSON string
	var finishedAt sql.NullTime

	err := s.Scan(&op.ID, &op.Kind, &op.Mode, &op.Status, &calendarsJSON, &op.BackupID, &op.RestoreOf,
		&op.GroupsFound, &op.Deleted, &op.Skipped, &op.Failed, &op.Restored, &op.Message, &op.StartedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cleanup operation: %w", err)
	}

	if finishedAt.Valid {
		op.FinishedAt = &finishedAt.Time
	}
	if err := json.Unmarshal([]byte(calendarsJSON), &op.CalendarIDs); err != nil {
		return nil, fmt.Errorf("failed to decode calendar ids: %w", err)
	}

	return op, nil
}

// CreateBackup creates an empty backup for operationID.
func (db *DB) CreateBackup(operationID string) (*Backup, error) {
	backup := &Backup{
		ID:          uuid.New().String(),
		OperationID: operationID,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := db.conn.Exec(`INSERT INTO backups (id, operation_id, created_at) VALUES (?, ?, ?)`,
		backup.ID, backup.OperationID, backup.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}

	return backup, nil
}

// GetBackup returns a backup by ID.
func (db *DB) GetBackup(id string) (*Backup, error) {
	backup := &Backup{}
	err := db.conn.QueryRow(`SELECT id, operation_id, created_at FROM backups WHERE id = ?`, id).
		Scan(&backup.ID, &backup.OperationID, &backup.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return backup, nil
}

// SaveBackupEvents stores events in backupID atomically.
func (db *DB) SaveBackupEvents(backupID string, events []*BackupEvent) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO backup_events (id, backup_id, calendar_id, external_id, title,
		description, location, start_at, end_at, all_day, status, time_zone, attendees, event_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare backup insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.BackupID = backupID
		if ev.Attendees == nil {
			ev.Attendees = []string{}
		}
		attendeesJSON, err := json.Marshal(ev.Attendees)
		if err != nil {
			return fmt.Errorf("failed to encode attendees: %w", err)
		}
		var created sql.NullTime
		if ev.EventCreatedAt != nil {
			created = sql.NullTime{Time: ev.EventCreatedAt.UTC(), Valid: true}
		}

		_, err = stmt.Exec(ev.ID, backupID, ev.CalendarID, ev.ExternalID, ev.Title,
			ev.Description, ev.Location, ev.Start.UTC(), ev.End.UTC(), ev.AllDay, ev.Status, ev.TimeZone,
			string(attendeesJSON), created)
		if err != nil {
			return fmt.Errorf("failed to save backup event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit backup: %w", err)
	}
	return nil
}

// GetBackupEvents returns the events of backupID in insertion order.
func (db *DB) GetBackupEvents(backupID string) ([]*BackupEvent, error) {
	rows, err := db.conn.Query(`SELECT id, backup_id, calendar_id, external_id, title, description, location,
		start_at, end_at, all_day, status, time_zone, attendees, event_created_at, restored_at, restored_external_id, restore_claim
		FROM backup_events WHERE backup_id = ? ORDER BY rowid`, backupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup events: %w", err)
	}
	defer rows.Close()

	var events []*BackupEvent
	for rows.Next() {
		ev := &BackupEvent{}
		var attendeesJSON string
		var created, restored sql.NullTime

		err := rows.Scan(&ev.ID, &ev.BackupID, &ev.CalendarID, &ev.ExternalID, &ev.Title, &ev.Description, &ev.Location,
			&ev.Start, &ev.End, &ev.AllDay, &ev.Status, &ev.TimeZone, &attendeesJSON, &created, &restored, &ev.RestoredExternalID, &ev.RestoreClaim)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup event: %w", err)
		}
		if err := json.Unmarshal([]byte(attendeesJSON), &ev.Attendees); err != nil {
			return nil, fmt.Errorf("failed to decode attendees: %w", err)
		}
		if created.Valid {
			ev.EventCreatedAt = &created.Time
		}
		if restored.Valid {
			ev.RestoredAt = &restored.Time
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup events: %w", err)
	}

	return events, nil
}

// MarkBackupEventRestored records that id was recreated as newExternalID.
// A second call for the same event returns ErrAlreadyRestored.
func (db *DB) MarkBackupEventRestored(id, newExternalID string) error {
	result, err := db.conn.Exec(`UPDATE backup_events SET restored_at = ?, restored_external_id = ?
		WHERE id = ? AND restored_at IS NULL`, time.Now().UTC(), newExternalID, id)
	if err != nil {
		return fmt.Errorf("failed to mark backup event restored: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM backup_events WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check backup event: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRestored, id)
	}

	return nil
}

// ClaimBackupEvent reserves id for the restore operation operationID. Only
// one operation, in any process, can hold an unrestored entry.
func (db *DB) ClaimBackupEvent(id, operationID string) error {
	result, err := db.conn.Exec(`UPDATE backup_events SET restore_claim = ?
		WHERE id = ? AND restored_at IS NULL AND restore_claim = ''`, operationID, id)
	if err != nil {
		return fmt.Errorf("failed to claim backup event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var restored sql.NullTime
	var claim string
	err = db.conn.QueryRow(`SELECT restored_at, restore_claim FROM backup_events WHERE id = ?`, id).Scan(&restored, &claim)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check backup event: %w", err)
	}
	if restored.Valid {
		return fmt.Errorf("%w: %s", ErrAlreadyRestored, id)
	}
	return fmt.Errorf("%w: %s held by %s", ErrRestoreClaimed, id, claim)
}

// ReleaseBackupEventClaim gives up a claim taken by operationID on an entry
// that was not restored.
func (db *DB) ReleaseBackupEventClaim(id, operationID string) error {
	_, err := db.conn.Exec(`UPDATE backup_events SET restore_claim = ''
		WHERE id = ? AND restore_claim = ? AND restored_at IS NULL`, id, operationID)
	if err != nil {
		return fmt.Errorf("failed to release backup event: %w", err)
	}
	return nil
}
