// Package cleanup finds and removes duplicate events in destination
// calendars, keeping a restorable backup of what it deletes.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calfeedsync/internal/activity"
	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/db"
	"github.com/macjediwizard/calfeedsync/internal/metrics"
	"github.com/macjediwizard/calfeedsync/internal/notify"
)

var (
	ErrInvalidMode       = errors.New("invalid cleanup mode")
	ErrNoCalendars       = errors.New("no calendars selected")
	ErrNoBackup          = errors.New("operation has no backup")
	ErrRestoreInProgress = errors.New("restore already in progress")
)

// Config holds matcher thresholds and safety limits.
type Config struct {
	FuzzyThreshold float64
	FuzzyTolerance time.Duration
	MaxDeletions   int
	Preserve       Preserve
	Patterns       []PatternRule
	PastWindow     time.Duration
	FutureWindow   time.Duration
}

// Filters narrow the groups returned by Analyze.
type Filters struct {
	// Window overrides the configured analysis window when set.
	Window        calstore.Window `json:"-"`
	MatchTypes    []MatchType     `json:"match_types,omitempty"`
	MinConfidence int             `json:"min_confidence,omitempty"`
	TitleContains string          `json:"title_contains,omitempty"`
}

func (f Filters) keep(g DuplicateGroup) bool {
	if len(f.MatchTypes) > 0 {
		ok := false
		for _, mt := range f.MatchTypes {
			if mt == g.MatchType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w, _ := g.Confidence.Weight(); w < f.MinConfidence {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(NormalizeTitle(g.Primary.Title), NormalizeTitle(f.TitleContains)) {
		return false
	}
	return true
}

// Options control a cleanup run.
type Options struct {
	Mode db.OperationMode `json:"mode"`
	// MaxDeletions caps deletions for this run. Zero uses the configured cap.
	MaxDeletions      int      `json:"max_deletions,omitempty"`
	SkipWithAttendees bool     `json:"skip_with_attendees"`
	Backup            bool     `json:"backup"`
	Filters           Filters  `json:"filters"`
	GroupIDs          []string `json:"group_ids,omitempty"`
}

// Deletion is one event selected for removal.
type Deletion struct {
	GroupID string         `json:"group_id"`
	Event   calstore.Event `json:"event"`
	Skipped string         `json:"skipped,omitempty"`
}

// CleanupResult is the outcome of Cleanup.
type CleanupResult struct {
	OperationID string             `json:"operation_id"`
	Mode        db.OperationMode   `json:"mode"`
	Status      db.OperationStatus `json:"status"`
	BackupID    string             `json:"backup_id,omitempty"`
	Groups      []DuplicateGroup   `json:"groups"`
	Deletions   []Deletion         `json:"deletions"`
	Deleted     int                `json:"deleted"`
	Skipped     int                `json:"skipped"`
	Failed      int                `json:"failed"`
	Errors      []string           `json:"errors,omitempty"`
}

// RestoreResult is the outcome of Restore.
type RestoreResult struct {
	OperationID string             `json:"operation_id"`
	RestoreOf   string             `json:"restore_of"`
	Status      db.OperationStatus `json:"status"`
	Restored    int                `json:"restored"`
	Skipped     int                `json:"skipped"`
	Failed      int                `json:"failed"`
	Errors      []string           `json:"errors,omitempty"`
}

// Service analyzes, cleans up and restores destination calendars.
type Service struct {
	cfg      Config
	stores   calstore.Provider
	db       *db.DB
	tracker  *activity.Tracker
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	now      func() time.Time

	restoring sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records cleanup metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier alerts on failed operations.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the clock used for the analysis window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a cleanup service. tracker carries cancellation flags
// and must not be nil.
func NewService(cfg Config, stores calstore.Provider, database *db.DB, tracker *activity.Tracker, opts ...Option) *Service {
	if cfg.Preserve == "" {
		cfg.Preserve = PreserveOldest
	}
	s := &Service{
		cfg:     cfg,
		stores:  stores,
		db:      database,
		tracker: tracker,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) matcher() Matcher {
	return Matcher{
		FuzzyThreshold: s.cfg.FuzzyThreshold,
		FuzzyTolerance: s.cfg.FuzzyTolerance,
		Patterns:       s.cfg.Patterns,
		Preserve:       s.cfg.Preserve,
	}
}

func (s *Service) window(f Filters) calstore.Window {
	if !f.Window.Start.IsZero() || !f.Window.End.IsZero() {
		return f.Window
	}
	now := s.now().UTC()
	return calstore.Window{Start: now.Add(-s.cfg.PastWindow), End: now.Add(s.cfg.FutureWindow)}
}

// Analyze lists every calendar and returns its duplicate groups.
func (s *Service) Analyze(ctx context.Context, calendarIDs []string, filters Filters) ([]DuplicateGroup, error) {
	if len(calendarIDs) == 0 {
		return nil, ErrNoCalendars
	}
	store, err := s.stores.Store(ctx)
	if err != nil {
		return nil, err
	}

	w := s.window(filters)
	listings := make([][]calstore.Event, len(calendarIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, calID := range calendarIDs {
		g.Go(func() error {
			events, err := store.List(gctx, calID, w)
			if err != nil {
				return fmt.Errorf("list calendar %s: %w", calID, err)
			}
			for k := range events {
				if events[k].CalendarID == "" {
					events[k].CalendarID = calID
				}
			}
			listings[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := s.matcher()
	var groups []DuplicateGroup
	for i, calID := range calendarIDs {
		for _, grp := range m.Group(calID, listings[i]) {
			if filters.keep(grp) {
				groups = append(groups, grp)
			}
		}
	}
	return groups, nil
}

// Cleanup deletes the duplicates of the selected groups. Preview mode
// reports the plan without touching any calendar.
func (s *Service) Cleanup(ctx context.Context, calendarIDs []string, opts Options) (*CleanupResult, error) {
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, opts.Mode)
	}
	if len(calendarIDs) == 0 {
		return nil, ErrNoCalendars
	}

	op := &db.CleanupOperation{Kind: db.OperationCleanup, Mode: opts.Mode, CalendarIDs: calendarIDs}
	if err := s.db.CreateCleanupOperation(op); err != nil {
		return nil, err
	}
	s.tracker.Start(op.ID, activity.KindCleanup, strings.Join(calendarIDs, ","))

	result := &CleanupResult{OperationID: op.ID, Mode: opts.Mode}

	groups, err := s.Analyze(ctx, calendarIDs, opts.Filters)
	if err != nil {
		s.fail(ctx, op, result.Errors, fmt.Sprintf("analysis failed: %v", err))
		result.Status = op.Status
		return result, err
	}
	groups = selectGroups(groups, opts.GroupIDs)
	result.Groups = groups
	op.GroupsFound = len(groups)

	limit := opts.MaxDeletions
	if limit <= 0 {
		limit = s.cfg.MaxDeletions
	}
	var targets []Deletion
	for _, grp := range groups {
		for _, ev := range grp.Duplicates {
			d := Deletion{GroupID: grp.ID, Event: ev}
			switch {
			case opts.SkipWithAttendees && len(ev.Attendees) > 0:
				d.Skipped = "event has attendees"
			case limit > 0 && len(targets) >= limit:
				d.Skipped = "maximum deletions reached"
			default:
				targets = append(targets, d)
			}
			if d.Skipped != "" {
				result.Skipped++
			}
			result.Deletions = append(result.Deletions, d)
		}
	}
	op.Skipped = result.Skipped
	s.tracker.SetTotal(op.ID, len(targets))

	if opts.Mode == db.ModePreview {
		op.Status = db.StatusCompleted
		op.Message = fmt.Sprintf("Preview: %d groups, %d deletions planned, %d skipped", len(groups), len(targets), result.Skipped)
		s.complete(ctx, op, nil)
		result.Status = op.Status
		return result, nil
	}

	if opts.Backup && len(targets) > 0 {
		backupID, err := s.backup(op.ID, targets)
		if err != nil {
			s.fail(ctx, op, nil, fmt.Sprintf("backup failed: %v", err))
			result.Status = op.Status
			return result, err
		}
		op.BackupID = backupID
		result.BackupID = backupID
	}

	store, err := s.stores.Store(ctx)
	if err != nil {
		s.fail(ctx, op, nil, fmt.Sprintf("connect failed: %v", err))
		result.Status = op.Status
		return result, err
	}

	cancelled := false
	for _, d := range targets {
		if s.tracker.CancelRequested(op.ID) || ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := store.Delete(ctx, d.Event.CalendarID, d.Event.ExternalID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", d.Event.ExternalID, err))
			log.Printf("[Cleanup] Failed to delete %s from %s: %v", d.Event.ExternalID, d.Event.CalendarID, err)
			s.tracker.IncrementProgress(op.ID, 0, 0, 0, 0, 1)
		} else {
			result.Deleted++
			s.tracker.IncrementProgress(op.ID, 0, 0, 1, 0, 1)
		}
		op.Deleted, op.Failed = result.Deleted, result.Failed
		if err := s.db.UpdateCleanupOperation(op); err != nil {
			if errors.Is(err, db.ErrTerminal) {
				cancelled = true
				break
			}
			log.Printf("[Cleanup] Failed to record progress for %s: %v", op.ID, err)
		}
	}

	op.Deleted, op.Failed = result.Deleted, result.Failed
	if cancelled {
		op.Status = db.StatusCancelled
		op.Message = fmt.Sprintf("Cancelled after %d deletions", result.Deleted)
	} else {
		op.Status = db.StatusCompleted
		op.Message = fmt.Sprintf("Deleted %d duplicates in %d groups (%d skipped, %d failed)",
			result.Deleted, len(groups), result.Skipped, result.Failed)
	}
	s.complete(ctx, op, result.Errors)
	result.Status = op.Status
	return result, nil
}

func selectGroups(groups []DuplicateGroup, ids []string) []DuplicateGroup {
	if len(ids) == 0 {
		return groups
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []DuplicateGroup
	for _, g := range groups {
		if want[g.ID] {
			out = append(out, g)
		}
	}
	return out
}

func (s *Service) backup(operationID string, targets []Deletion) (string, error) {
	backup, err := s.db.CreateBackup(operationID)
	if err != nil {
		return "", err
	}

	entries := make([]*db.BackupEvent, 0, len(targets))
	for _, d := range targets {
		ev := d.Event
		entry := &db.BackupEvent{
			CalendarID:  ev.CalendarID,
			ExternalID:  ev.ExternalID,
			Title:       ev.Title,
			Description: ev.Description,
			Location:    ev.Location,
			Start:       ev.Start,
			End:         ev.End,
			AllDay:      ev.AllDay,
			Status:      ev.Status,
			TimeZone:    ev.TimeZone,
			Attendees:   ev.Attendees,
		}
		if !ev.Created.IsZero() {
			created := ev.Created
			entry.EventCreatedAt = &created
		}
		entries = append(entries, entry)
	}

	if err := s.db.SaveBackupEvents(backup.ID, entries); err != nil {
		return "", err
	}
	log.Printf("[Cleanup] Backed up %d events for operation %s", len(entries), operationID)
	return backup.ID, nil
}

// Restore recreates the events backed up by a cleanup operation. Each entry
// is claimed in the database before its event is created, so entries that
// are restored, or held by another restore, are skipped.
func (s *Service) Restore(ctx context.Context, operationID string) (*RestoreResult, error) {
	if _, busy := s.restoring.LoadOrStore(operationID, struct{}{}); busy {
		return nil, ErrRestoreInProgress
	}
	defer s.restoring.Delete(operationID)

	source, err := s.db.GetCleanupOperation(operationID)
	if err != nil {
		return nil, err
	}
	if source.BackupID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoBackup, operationID)
	}
	entries, err := s.db.GetBackupEvents(source.BackupID)
	if err != nil {
		return nil, err
	}

	op := &db.CleanupOperation{
		Kind:        db.OperationRestore,
		Mode:        db.ModeApply,
		CalendarIDs: source.CalendarIDs,
		RestoreOf:   operationID,
		BackupID:    source.BackupID,
	}
	if err := s.db.CreateCleanupOperation(op); err != nil {
		return nil, err
	}
	s.tracker.Start(op.ID, activity.KindRestore, strings.Join(source.CalendarIDs, ","))
	s.tracker.SetTotal(op.ID, len(entries))
	result := &RestoreResult{OperationID: op.ID, RestoreOf: operationID}

	store, err := s.stores.Store(ctx)
	if err != nil {
		s.fail(ctx, op, nil, fmt.Sprintf("connect failed: %v", err))
		result.Status = op.Status
		return result, err
	}

	cancelled := false
	for _, entry := range entries {
		if entry.IsRestored() {
			result.Skipped++
			s.tracker.IncrementProgress(op.ID, 0, 0, 0, 1, 1)
			continue
		}
		if s.tracker.CancelRequested(op.ID) || ctx.Err() != nil {
			cancelled = true
			break
		}

		if err := s.db.ClaimBackupEvent(entry.ID, op.ID); err != nil {
			if errors.Is(err, db.ErrAlreadyRestored) || errors.Is(err, db.ErrRestoreClaimed) {
				result.Skipped++
				s.tracker.IncrementProgress(op.ID, 0, 0, 0, 1, 1)
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.ExternalID, err))
			s.tracker.IncrementProgress(op.ID, 0, 0, 0, 0, 1)
			continue
		}

		newID, err := store.Create(ctx, entry.CalendarID, calstore.Body{
			Title:       entry.Title,
			Description: entry.Description,
			Location:    entry.Location,
			Start:       entry.Start,
			End:         entry.End,
			AllDay:      entry.AllDay,
			Status:      entry.Status,
			TimeZone:    entry.TimeZone,
		})
		if err != nil {
			if rerr := s.db.ReleaseBackupEventClaim(entry.ID, op.ID); rerr != nil {
				log.Printf("[Cleanup] Failed to release claim on %s: %v", entry.ExternalID, rerr)
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.ExternalID, err))
			s.tracker.IncrementProgress(op.ID, 0, 0, 0, 0, 1)
			continue
		}
		if err := s.db.MarkBackupEventRestored(entry.ID, newID); err != nil {
			// The claim is kept so no later restore creates the event again.
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: restored as %s but not recorded: %v", entry.ExternalID, newID, err))
			s.tracker.IncrementProgress(op.ID, 0, 0, 0, 0, 1)
			continue
		}
		result.Restored++
		s.tracker.IncrementProgress(op.ID, 1, 0, 0, 0, 1)
	}

	op.Restored, op.Skipped, op.Failed = result.Restored, result.Skipped, result.Failed
	if cancelled {
		op.Status = db.StatusCancelled
		op.Message = fmt.Sprintf("Cancelled after restoring %d events", result.Restored)
	} else {
		op.Status = db.StatusCompleted
		op.Message = fmt.Sprintf("Restored %d events (%d skipped, %d failed)", result.Restored, result.Skipped, result.Failed)
	}
	s.complete(ctx, op, result.Errors)
	result.Status = op.Status
	return result, nil
}

// Cancel requests cooperative cancellation of a running operation. An
// operation left running by a previous process is marked cancelled directly.
func (s *Service) Cancel(operationID string) error {
	if err := s.tracker.RequestCancel(operationID); err == nil {
		return nil
	}

	op, err := s.db.GetCleanupOperation(operationID)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", db.ErrTerminal, operationID, op.Status)
	}
	op.Status = db.StatusCancelled
	op.Message = "Cancelled"
	return s.db.UpdateCleanupOperation(op)
}

// Operation returns a tracked operation.
func (s *Service) Operation(operationID string) (*db.CleanupOperation, error) {
	return s.db.GetCleanupOperation(operationID)
}

// Operations lists recent operations, newest first.
func (s *Service) Operations(limit int) ([]*db.CleanupOperation, error) {
	return s.db.ListCleanupOperations(limit)
}

// BackupEntries returns the backup taken by operationID.
func (s *Service) BackupEntries(operationID string) ([]*db.BackupEvent, error) {
	op, err := s.db.GetCleanupOperation(operationID)
	if err != nil {
		return nil, err
	}
	if op.BackupID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoBackup, operationID)
	}
	return s.db.GetBackupEvents(op.BackupID)
}

func (s *Service) fail(ctx context.Context, op *db.CleanupOperation, errs []string, message string) {
	op.Status = db.StatusFailed
	op.Message = message
	s.complete(ctx, op, append(errs, message))
}

func (s *Service) complete(ctx context.Context, op *db.CleanupOperation, errs []string) {
	if err := s.db.UpdateCleanupOperation(op); err != nil {
		log.Printf("[Cleanup] Failed to finish operation %s: %v", op.ID, err)
	}
	log.Printf("[Cleanup] %s %s %s: %s", op.Kind, op.ID, op.Status, op.Message)

	if s.metrics != nil {
		s.metrics.ObserveCleanup(string(op.Status), op.Deleted)
	}
	if s.notifier != nil && op.Status == db.StatusFailed {
		s.notifier.SendFailureAlert(ctx, notify.AlertTypeCleanupFailed, strings.Join(op.CalendarIDs, ","),
			fmt.Sprintf("Cleanup operation %s failed", op.ID), op.Message)
	}
	s.tracker.Finish(op.ID, op.Status == db.StatusCompleted && len(errs) == 0, op.Message, errs)
}
