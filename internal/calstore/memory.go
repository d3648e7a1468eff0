package calstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operation names passed to a MemoryStore fault hook.
const (
	OpList   = "list"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// FaultFunc lets a caller fail selected MemoryStore calls. n counts calls of
// the same operation, starting at 1.
type FaultFunc func(op string, n int, calendarID, externalID string) error

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu        sync.Mutex
	calendars map[string]map[string]Event
	nextID    int
	calls     map[string]int
	fault     FaultFunc
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calendars: make(map[string]map[string]Event),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// SetFault installs a fault hook. Nil removes it.
func (m *MemoryStore) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Seed inserts ev as-is, assigning an id when missing, and returns the id.
func (m *MemoryStore) Seed(calendarID string, ev Event) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ExternalID == "" {
		ev.ExternalID = m.newIDLocked()
	}
	if ev.Created.IsZero() {
		ev.Created = m.now().UTC()
	}
	ev.CalendarID = calendarID
	m.calendarLocked(calendarID)[ev.ExternalID] = ev
	return ev.ExternalID
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// All returns every event of calendarID ordered by start then id.
func (m *MemoryStore) All(calendarID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(calendarID, nil)
}

// Get returns a single event.
func (m *MemoryStore) Get(calendarID, externalID string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.calendars[calendarID][externalID]
	return ev, ok
}

func (m *MemoryStore) List(ctx context.Context, calendarID string, w Window) ([]Event, error) {
	if err := m.enter(ctx, OpList, calendarID, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(calendarID, &w), nil
}

func (m *MemoryStore) Create(ctx context.Context, calendarID string, body Body) (string, error) {
	if err := m.enter(ctx, OpCreate, calendarID, ""); err != nil {
		return "", err
	}
	if err := validateBody(body); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.newIDLocked()
	ev := eventFromBody(body)
	ev.ExternalID = id
	ev.CalendarID = calendarID
	ev.Created = m.now().UTC()
	m.calendarLocked(calendarID)[id] = ev
	return id, nil
}

func (m *MemoryStore) Update(ctx context.Context, calendarID, externalID string, body Body) error {
	if err := m.enter(ctx, OpUpdate, calendarID, externalID); err != nil {
		return err
	}
	if err := validateBody(body); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.calendars[calendarID][externalID]
	if !ok {
		return &APIError{Op: "update event", Err: fmt.Errorf("%w: %s", ErrNotFound, externalID)}
	}
	ev := eventFromBody(body)
	ev.ExternalID = externalID
	ev.CalendarID = calendarID
	ev.Created = existing.Created
	ev.Attendees = existing.Attendees
	m.calendars[calendarID][externalID] = ev
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, calendarID, externalID string) error {
	if err := m.enter(ctx, OpDelete, calendarID, externalID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calendars[calendarID][externalID]; !ok {
		return &APIError{Op: "delete event", Err: fmt.Errorf("%w: %s", ErrNotFound, externalID)}
	}
	delete(m.calendars[calendarID], externalID)
	return nil
}

func (m *MemoryStore) enter(ctx context.Context, op, calendarID, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.calls[op]++
	n := m.calls[op]
	fault := m.fault
	m.mu.Unlock()

	if fault != nil {
		return fault(op, n, calendarID, externalID)
	}
	return nil
}

func (m *MemoryStore) newIDLocked() string {
	m.nextID++
	return fmt.Sprintf("mem-%d", m.nextID)
}

func (m *MemoryStore) calendarLocked(calendarID string) map[string]Event {
	cal, ok := m.calendars[calendarID]
	if !ok {
		cal = make(map[string]Event)
		m.calendars[calendarID] = cal
	}
	return cal
}

func (m *MemoryStore) sortedLocked(calendarID string, w *Window) []Event {
	events := make([]Event, 0, len(m.calendars[calendarID]))
	for _, ev := range m.calendars[calendarID] {
		if w != nil && (ev.End.Before(w.Start) || ev.Start.After(w.End)) {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ExternalID < events[j].ExternalID
	})
	return events
}

func eventFromBody(body Body) Event {
	return Event{
		Title:       body.Title,
		Description: body.Description,
		Location:    body.Location,
		Start:       body.Start,
		End:         body.End,
		AllDay:      body.AllDay,
		Status:      body.Status,
		TimeZone:    body.TimeZone,
	}
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*CalDAVStore)(nil)
