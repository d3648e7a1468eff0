// Package feed turns raw iCalendar feed text into normalized events and
// expands recurring definitions into concrete occurrences.
package feed

import (
	"time"

	"github.com/macjediwizard/calfeedsync/internal/identity"
)

// Event status values as they appear in the STATUS property.
const (
	StatusConfirmed = "CONFIRMED"
	StatusTentative = "TENTATIVE"
	StatusCancelled = "CANCELLED"
)

// Event is a normalized source event. After expansion every Event has a
// unique ID and an empty RRule.
type Event struct {
	// ID is the source UID, or the composite occurrence id for expanded occurrences.
	ID string `json:"id"`
	// SeriesID is the UID of the definition this event came from.
	SeriesID string `json:"series_id"`
	// OccurrenceInstant is the generated start of an expanded occurrence, zero otherwise.
	OccurrenceInstant time.Time `json:"occurrence_instant,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`

	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day"`

	RRule   string      `json:"rrule,omitempty"`
	ExDates []time.Time `json:"exdates,omitempty"`
	// RecurrenceID marks an override of one instance of a recurring series.
	RecurrenceID time.Time `json:"recurrence_id,omitempty"`

	Status   string `json:"status"`
	TimeZone string `json:"time_zone"`
}

// IsRecurring reports whether the event still carries a recurrence rule.
func (e Event) IsRecurring() bool {
	return e.RRule != ""
}

// IsOverride reports whether the event replaces one instance of a series.
func (e Event) IsOverride() bool {
	return !e.RecurrenceID.IsZero()
}

// IsCancelled reports whether the source marked the event as cancelled.
func (e Event) IsCancelled() bool {
	return e.Status == StatusCancelled
}

// Duration returns End - Start, never negative.
func (e Event) Duration() time.Duration {
	d := e.End.Sub(e.Start)
	if d < 0 {
		return 0
	}
	return d
}

// Key returns the identity key of the event.
func (e Event) Key() string {
	return identity.Key(e.ID, e.Start)
}

// Intersects reports whether the event overlaps [windowStart, windowEnd] inclusive.
func (e Event) Intersects(windowStart, windowEnd time.Time) bool {
	end := e.End
	if end.Before(e.Start) {
		end = e.Start
	}
	return !e.Start.After(windowEnd) && !end.Before(windowStart)
}
