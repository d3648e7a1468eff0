package activity

import (
	"errors"
	"sync"
	"time"
)

// ErrNotActive is returned when cancelling an operation that is not running.
var ErrNotActive = errors.New("operation is not active")

// Kind is the type of operation being tracked.
type Kind string

const (
	KindSync    Kind = "sync"
	KindCleanup Kind = "cleanup"
	KindRestore Kind = "restore"
)

// Activity represents the live state of one sync, cleanup or restore.
type Activity struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	CalendarID      string     `json:"calendar_id,omitempty"`
	Status          string     `json:"status"` // "running", "completed", "partial", "error", "cancelled"
	State           string     `json:"state,omitempty"`
	EventsTotal     int        `json:"events_total"`
	EventsProcessed int        `json:"events_processed"`
	EventsCreated   int        `json:"events_created"`
	EventsUpdated   int        `json:"events_updated"`
	EventsDeleted   int        `json:"events_deleted"`
	EventsSkipped   int        `json:"events_skipped"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Message         string     `json:"message,omitempty"`
	Errors          []string   `json:"errors,omitempty"`

	cancelRequested bool
}

// Tracker tracks operations in progress and keeps a short history.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*Activity // id -> activity
	recent    []*Activity
	maxRecent int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*Activity),
		recent:    make([]*Activity, 0),
		maxRecent: 20,
	}
}

// Start begins tracking an operation.
func (t *Tracker) Start(id string, kind Kind, calendarID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[id] = &Activity{
		ID:         id,
		Kind:       kind,
		CalendarID: calendarID,
		Status:     "running",
		StartedAt:  time.Now(),
	}
}

// SetState records the current phase of a running operation.
func (t *Tracker) SetState(id, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[id]; ok {
		a.State = state
	}
}

// SetTotal records how many events the operation will process.
func (t *Tracker) SetTotal(id string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[id]; ok {
		a.EventsTotal = total
	}
}

// IncrementProgress increments progress counters by the given amounts.
func (t *Tracker) IncrementProgress(id string, created, updated, deleted, skipped, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[id]; ok {
		a.EventsCreated += created
		a.EventsUpdated += updated
		a.EventsDeleted += deleted
		a.EventsSkipped += skipped
		a.EventsProcessed += processed
	}
}

// RequestCancel flags a running operation for cancellation. The operation
// observes the flag between events.
func (t *Tracker) RequestCancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[id]
	if !ok {
		return ErrNotActive
	}
	a.cancelRequested = true
	return nil
}

// CancelRequested reports whether id has been flagged for cancellation.
func (t *Tracker) CancelRequested(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.active[id]
	return ok && a.cancelRequested
}

// Finish marks an operation as done and moves it to the recent list.
func (t *Tracker) Finish(id string, success bool, message string, errs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[id]
	if !ok {
		return
	}

	now := time.Now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Message = message
	a.Errors = errs

	switch {
	case a.cancelRequested:
		a.Status = "cancelled"
	case !success && len(errs) > 0 && a.EventsProcessed > len(errs):
		a.Status = "partial"
	case !success:
		a.Status = "error"
	default:
		a.Status = "completed"
	}

	t.recent = append([]*Activity{a}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}

	delete(t.active, id)
}

// GetActive returns all running operations.
func (t *Tracker) GetActive() []*Activity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Activity, 0, len(t.active))
	for _, a := range t.active {
		c := *a
		c.Duration = time.Since(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	return result
}

// GetRecent returns recently finished operations, newest first.
func (t *Tracker) GetRecent() []*Activity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Activity, len(t.recent))
	for i, a := range t.recent {
		c := *a
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent operations.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsActive returns true if id is currently running.
func (t *Tracker) IsActive(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[id]
	return ok
}

// IsCalendarBusy returns true if any running operation targets calendarID.
func (t *Tracker) IsCalendarBusy(calendarID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.active {
		if a.CalendarID == calendarID {
			return true
		}
	}
	return false
}
