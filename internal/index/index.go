// Package index builds a read-only lookup of destination events that were
// written by a previous sync, keyed by source identity.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/identity"
)

// ErrIndexBuild is returned when the destination listing fails.
var ErrIndexBuild = errors.New("failed to build destination index")

// Record is one indexed destination event.
type Record struct {
	ExternalID string
	SourceID   string
	SeriesID   string
	Start      time.Time
	Key        string
}

// Index maps identity keys and series ids to destination events. It is never
// mutated after Build returns and is safe for concurrent readers.
type Index struct {
	calendarID string
	byKey      map[string]Record
	bySeries   map[string][]Record
	size       int
}

// Build lists calendarID over [windowStart, windowEnd] and indexes every
// event carrying a source marker.
func Build(ctx context.Context, store calstore.Store, calendarID string, windowStart, windowEnd time.Time) (*Index, error) {
	events, err := store.List(ctx, calendarID, calstore.Window{Start: windowStart, End: windowEnd})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIndexBuild, calendarID, err)
	}
	return FromEvents(calendarID, events), nil
}

// FromEvents indexes an already fetched listing.
func FromEvents(calendarID string, events []calstore.Event) *Index {
	idx := &Index{
		calendarID: calendarID,
		byKey:      make(map[string]Record, len(events)),
		bySeries:   make(map[string][]Record),
	}

	for _, ev := range events {
		sourceID, ok := ev.SourceID()
		if !ok {
			continue
		}
		rec := Record{
			ExternalID: ev.ExternalID,
			SourceID:   sourceID,
			SeriesID:   identity.SeriesOf(sourceID),
			Start:      ev.Start.UTC(),
			Key:        identity.Key(sourceID, ev.Start),
		}
		// The first writer of a key keeps it; later copies are duplicates
		// for cleanup to handle.
		if _, exists := idx.byKey[rec.Key]; !exists {
			idx.byKey[rec.Key] = rec
		}
		idx.bySeries[rec.SeriesID] = append(idx.bySeries[rec.SeriesID], rec)
		idx.size++
	}

	for _, recs := range idx.bySeries {
		sort.Slice(recs, func(i, j int) bool {
			if !recs[i].Start.Equal(recs[j].Start) {
				return recs[i].Start.Before(recs[j].Start)
			}
			return recs[i].ExternalID < recs[j].ExternalID
		})
	}

	return idx
}

// CalendarID returns the calendar the index was built from.
func (idx *Index) CalendarID() string {
	return idx.calendarID
}

// Lookup returns the destination id recorded under key.
func (idx *Index) Lookup(key string) (string, bool, error) {
	rec, ok := idx.byKey[key]
	if !ok {
		return "", false, nil
	}
	return rec.ExternalID, true, nil
}

// SeriesEntries returns every indexed event of seriesID ordered by start.
// The returned slice must not be modified.
func (idx *Index) SeriesEntries(seriesID string) ([]Record, error) {
	return idx.bySeries[seriesID], nil
}

// Len returns the number of indexed events.
func (idx *Index) Len() int {
	return idx.size
}
