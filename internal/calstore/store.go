// Package calstore is the boundary to the destination calendar service.
package calstore

import (
	"context"
	"time"
)

// Window is an inclusive time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Event is an event as it exists in the destination calendar.
type Event struct {
	ExternalID  string    `json:"external_id"`
	CalendarID  string    `json:"calendar_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Status      string    `json:"status"`
	TimeZone    string    `json:"time_zone"`
	Attendees   []string  `json:"attendees,omitempty"`
	Created     time.Time `json:"created"`
}

// SourceID returns the source event id recorded in the description marker.
func (e Event) SourceID() (string, bool) {
	return ExtractSourceID(e.Description)
}

// Body is the content written by Create and Update.
type Body struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Status      string
	TimeZone    string
}

// BodyFrom returns the writable content of an existing event.
func BodyFrom(e Event) Body {
	return Body{
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		AllDay:      e.AllDay,
		Status:      e.Status,
		TimeZone:    e.TimeZone,
	}
}

// Store lists and mutates events in destination calendars.
type Store interface {
	List(ctx context.Context, calendarID string, w Window) ([]Event, error)
	Create(ctx context.Context, calendarID string, body Body) (string, error)
	Update(ctx context.Context, calendarID, externalID string, body Body) error
	Delete(ctx context.Context, calendarID, externalID string) error
}

// Provider hands out an authorized Store.
type Provider interface {
	Store(ctx context.Context) (Store, error)
}
