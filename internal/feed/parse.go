package feed

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// propFeedTimezone is the non-standard calendar-wide timezone declaration
// emitted by most feed publishers.
const propFeedTimezone = "X-WR-TIMEZONE"

// Parse decodes iCalendar feed text into events. Malformed feeds yield an
// empty slice and events without a UID or start are skipped, so a single bad
// entry never aborts the batch.
func Parse(feedText []byte) []Event {
	events := make([]Event, 0)

	dec := ical.NewDecoder(bytes.NewReader(feedText))
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Printf("Failed to decode feed: %v", err)
			return events
		}

		feedTZ, _ := cal.Props.Text(propFeedTimezone)
		zr := newZoneResolver(feedTZ)

		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, ok := parseEvent(comp, zr)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}

	return events
}

func parseEvent(comp *ical.Component, zr *zoneResolver) (Event, bool) {
	uid, err := comp.Props.Text(ical.PropUID)
	uid = strings.TrimSpace(uid)
	if err != nil || uid == "" {
		log.Printf("Skipping event without UID")
		return Event{}, false
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		log.Printf("Skipping event %s: missing DTSTART", uid)
		return Event{}, false
	}
	start, allDay, tzLabel, err := zr.resolve(dtstart, dtstart.Value)
	if err != nil {
		log.Printf("Skipping event %s: %v", uid, err)
		return Event{}, false
	}

	ev := Event{
		ID:       uid,
		SeriesID: uid,
		Start:    start,
		AllDay:   allDay,
		TimeZone: tzLabel,
		Status:   StatusConfirmed,
	}

	ev.Title, _ = comp.Props.Text(ical.PropSummary)
	ev.Description, _ = comp.Props.Text(ical.PropDescription)
	ev.Location, _ = comp.Props.Text(ical.PropLocation)
	if status, err := comp.Props.Text(ical.PropStatus); err == nil && status != "" {
		ev.Status = strings.ToUpper(strings.TrimSpace(status))
	}

	ev.End = parseEnd(comp, zr, ev)

	if rrule := comp.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		ev.RRule = strings.TrimSpace(rrule.Value)
	}

	for i := range comp.Props[ical.PropExceptionDates] {
		prop := &comp.Props[ical.PropExceptionDates][i]
		for _, v := range strings.Split(prop.Value, ",") {
			exdate, _, _, err := zr.resolve(prop, v)
			if err != nil {
				log.Printf("Ignoring EXDATE %q on event %s: %v", v, uid, err)
				continue
			}
			ev.ExDates = append(ev.ExDates, exdate)
		}
	}

	if recurrenceID := comp.Props.Get(ical.PropRecurrenceID); recurrenceID != nil {
		rid, _, _, err := zr.resolve(recurrenceID, recurrenceID.Value)
		if err != nil {
			log.Printf("Ignoring RECURRENCE-ID on event %s: %v", uid, err)
		} else {
			ev.RecurrenceID = rid
		}
	}

	return ev, true
}

// parseEnd returns DTEND, or DTSTART + DURATION, or the default length for
// the event kind when neither is present.
func parseEnd(comp *ical.Component, zr *zoneResolver, ev Event) time.Time {
	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, _, _, err := zr.resolve(dtend, dtend.Value)
		if err == nil && !end.Before(ev.Start) {
			return end
		}
		log.Printf("Ignoring invalid DTEND on event %s", ev.ID)
	}

	if duration := comp.Props.Get(ical.PropDuration); duration != nil {
		d, err := duration.Duration()
		if err == nil && d >= 0 {
			return ev.Start.Add(d)
		}
		log.Printf("Ignoring invalid DURATION on event %s", ev.ID)
	}

	if ev.AllDay {
		return ev.Start.AddDate(0, 0, 1)
	}
	return ev.Start
}
