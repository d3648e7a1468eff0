// Package identity derives the deterministic strings used to recognize an
// event that was already materialized in the target calendar.
package identity

import (
	"strings"
	"time"
)

const (
	// keyInstantLayout renders the start instant in UTC with millisecond precision.
	keyInstantLayout = "2006-01-02T15:04:05.000Z"

	// occurrenceLayout is the instant suffix appended to a series id for expanded occurrences.
	occurrenceLayout = "20060102T150405Z"

	occurrenceSeparator = "_"
)

// Key returns the identity key for a source event id and its start instant.
// The result depends only on its inputs.
func Key(id string, start time.Time) string {
	return id + ":" + start.UTC().Format(keyInstantLayout)
}

// OccurrenceID composes the id of one expanded occurrence of a recurring series.
func OccurrenceID(seriesID string, instant time.Time) string {
	return seriesID + occurrenceSeparator + instant.UTC().Format(occurrenceLayout)
}

// SplitOccurrenceID reverses OccurrenceID. ok is false when id was not produced
// by OccurrenceID, in which case id is a plain (non-recurring) event id.
func SplitOccurrenceID(id string) (seriesID string, instant time.Time, ok bool) {
	idx := strings.LastIndex(id, occurrenceSeparator)
	if idx <= 0 || idx == len(id)-1 {
		return "", time.Time{}, false
	}

	t, err := time.Parse(occurrenceLayout, id[idx+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return id[:idx], t, true
}

// SeriesOf returns the series an id belongs to. Non-recurring events form a
// series of their own.
func SeriesOf(id string) string {
	if series, _, ok := SplitOccurrenceID(id); ok {
		return series
	}
	return id
}
