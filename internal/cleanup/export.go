package cleanup

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/macjediwizard/calfeedsync/internal/db"
)

const calendarProperty ics.ComponentProperty = "X-CALFEEDSYNC-CALENDAR"

// ExportBackup writes backup entries as a standalone iCalendar file.
func ExportBackup(w io.Writer, entries []*db.BackupEvent) error {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//calfeedsync//backup//EN")

	stamp := time.Now().UTC()
	for _, e := range entries {
		ev := cal.AddEvent(e.ExternalID)
		ev.SetDtStampTime(stamp)
		if e.EventCreatedAt != nil {
			ev.SetCreatedTime(*e.EventCreatedAt)
		}
		if e.AllDay {
			ev.SetAllDayStartAt(e.Start)
			ev.SetAllDayEndAt(e.End)
		} else {
			ev.SetStartAt(e.Start)
			ev.SetEndAt(e.End)
		}
		ev.SetSummary(e.Title)
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}
		if e.Status != "" {
			ev.SetStatus(ics.ObjectStatus(strings.ToUpper(e.Status)))
		}
		for _, a := range e.Attendees {
			ev.AddAttendee(strings.TrimPrefix(a, "mailto:"))
		}
		ev.SetProperty(calendarProperty, e.CalendarID)
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}
