package db

import (
	"time"
)

// RunError is one failed event of a sync run.
type RunError struct {
	EventID string `json:"event_id"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// SyncRun is the persisted result of one reconciliation run.
type SyncRun struct {
	ID                 string        `json:"id"`
	CalendarID         string        `json:"calendar_id"`
	FeedURL            string        `json:"feed_url"`
	State              string        `json:"state"`
	Success            bool          `json:"success"`
	EventsProcessed    int           `json:"events_processed"`
	EventsCreated      int           `json:"events_created"`
	EventsUpdated      int           `json:"events_updated"`
	EventsSkipped      int           `json:"events_skipped"`
	DuplicatesResolved int           `json:"duplicates_resolved"`
	Errors             []RunError    `json:"errors"`
	Message            string        `json:"message"`
	Duration           time.Duration `json:"duration"`
	StartedAt          time.Time     `json:"started_at"`
	CreatedAt          time.Time     `json:"created_at"`
}

// OperationKind distinguishes cleanup runs from restores.
type OperationKind string

const (
	OperationCleanup OperationKind = "cleanup"
	OperationRestore OperationKind = "restore"
)

// OperationMode is preview (no mutation) or apply.
type OperationMode string

const (
	ModePreview OperationMode = "preview"
	ModeApply   OperationMode = "apply"
)

// IsValid returns true if the mode is a known value.
func (m OperationMode) IsValid() bool {
	return m == ModePreview || m == ModeApply
}

// OperationStatus is the lifecycle state of a cleanup operation.
type OperationStatus string

const (
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CleanupOperation tracks one cleanup or restore run.
type CleanupOperation struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	Mode        OperationMode   `json:"mode"`
	Status      OperationStatus `json:"status"`
	CalendarIDs []string        `json:"calendar_ids"`
	BackupID    string          `json:"backup_id,omitempty"`
	RestoreOf   string          `json:"restore_of,omitempty"`
	GroupsFound int             `json:"groups_found"`
	Deleted     int             `json:"deleted"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Restored    int             `json:"restored"`
	Message     string          `json:"message"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Backup groups the events snapshotted by one cleanup operation.
type Backup struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// BackupEvent is a copy of a destination event taken before deletion.
type BackupEvent struct {
	ID                 string     `json:"id"`
	BackupID           string     `json:"backup_id"`
	CalendarID         string     `json:"calendar_id"`
	ExternalID         string     `json:"external_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Location           string     `json:"location"`
	Start              time.Time  `json:"start"`
	End                time.Time  `json:"end"`
	AllDay             bool       `json:"all_day"`
	Status             string     `json:"status"`
	TimeZone           string     `json:"time_zone"`
	Attendees          []string   `json:"attendees"`
	EventCreatedAt     *time.Time `json:"event_created_at,omitempty"`
	RestoredAt         *time.Time `json:"restored_at,omitempty"`
	RestoredExternalID string     `json:"restored_external_id,omitempty"`
	RestoreClaim       string     `json:"restore_claim,omitempty"`
}

// IsRestored reports whether the event was already recreated.
func (e *BackupEvent) IsRestored() bool {
	return e.RestoredAt != nil
}
