package feed

import (
	"log"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/macjediwizard/calfeedsync/internal/identity"
)

// MaxOccurrencesPerEvent caps how many occurrences a single series may produce.
const MaxOccurrencesPerEvent = 5000

// Expand returns the occurrences of ev that intersect [windowStart, windowEnd].
// Non-recurring events are returned unchanged. Each occurrence keeps the
// definition's duration and gets a composite id derived from the series UID
// and the generated instant. An unparseable rule yields the single
// unexpanded event.
func Expand(ev Event, windowStart, windowEnd time.Time) []Event {
	return expand(ev, nil, windowStart, windowEnd)
}

// ExpandAll expands every recurring definition in events, applies
// RECURRENCE-ID overrides and drops non-recurring events outside the window.
// Feed order is preserved.
func ExpandAll(events []Event, windowStart, windowEnd time.Time) []Event {
	overrides := make(map[string]map[int64]Event)
	for _, ev := range events {
		if !ev.IsOverride() {
			continue
		}
		byInstant, ok := overrides[ev.SeriesID]
		if !ok {
			byInstant = make(map[int64]Event)
			overrides[ev.SeriesID] = byInstant
		}
		byInstant[ev.RecurrenceID.Unix()] = ev
	}

	out := make([]Event, 0, len(events))
	seriesSeen := make(map[string]bool)
	for _, ev := range events {
		if ev.IsOverride() {
			continue
		}
		if !ev.IsRecurring() {
			if ev.Intersects(windowStart, windowEnd) {
				out = append(out, ev)
			}
			continue
		}
		seriesSeen[ev.ID] = true
		out = append(out, expand(ev, overrides[ev.ID], windowStart, windowEnd)...)
	}

	// Overrides whose series is absent from the feed are emitted on their own.
	for _, ev := range events {
		if !ev.IsOverride() || seriesSeen[ev.SeriesID] {
			continue
		}
		if ev.Intersects(windowStart, windowEnd) {
			out = append(out, overrideOccurrence(ev, ev.RecurrenceID))
		}
	}

	return out
}

func expand(ev Event, overrides map[int64]Event, windowStart, windowEnd time.Time) []Event {
	if !ev.IsRecurring() {
		return []Event{ev}
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		log.Printf("Failed to parse RRULE for event %s: %v", ev.ID, err)
		single := ev
		single.RRule = ""
		single.ExDates = nil
		return []Event{single}
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Occurrences starting before the window can still overlap it.
	duration := ev.Duration()
	searchStart := windowStart.Add(-duration).In(ev.Start.Location())
	searchEnd := windowEnd.In(ev.Start.Location())

	instants := set.Between(searchStart, searchEnd, true)
	if len(instants) > MaxOccurrencesPerEvent {
		log.Printf("Truncating event %s to %d occurrences", ev.ID, MaxOccurrencesPerEvent)
		instants = instants[:MaxOccurrencesPerEvent]
	}

	used := make(map[int64]bool, len(overrides))
	out := make([]Event, 0, len(instants))
	for _, instant := range instants {
		if ov, ok := overrides[instant.Unix()]; ok {
			used[instant.Unix()] = true
			occ := overrideOccurrence(ov, instant)
			if occ.Intersects(windowStart, windowEnd) {
				out = append(out, occ)
			}
			continue
		}

		occ := ev
		occ.ID = identity.OccurrenceID(ev.ID, instant)
		occ.SeriesID = ev.ID
		occ.OccurrenceInstant = instant.UTC()
		occ.Start = instant
		occ.End = instant.Add(duration)
		occ.RRule = ""
		occ.ExDates = nil
		if occ.Intersects(windowStart, windowEnd) {
			out = append(out, occ)
		}
	}

	// An override can move an instance into the window from outside it.
	keys := make([]int64, 0, len(overrides))
	for key := range overrides {
		if !used[key] {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		ov := overrides[key]
		occ := overrideOccurrence(ov, ov.RecurrenceID)
		if occ.Intersects(windowStart, windowEnd) {
			out = append(out, occ)
		}
	}

	return out
}

// overrideOccurrence gives an override the identity of the instance it replaces.
func overrideOccurrence(ov Event, instant time.Time) Event {
	occ := ov
	occ.ID = identity.OccurrenceID(ov.SeriesID, instant)
	occ.OccurrenceInstant = instant.UTC()
	occ.RecurrenceID = time.Time{}
	occ.RRule = ""
	occ.ExDates = nil
	return occ
}
