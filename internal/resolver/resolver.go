// Package resolver decides whether a source event creates, updates or skips a
// destination event.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/macjediwizard/calfeedsync/internal/confidence"
	"github.com/macjediwizard/calfeedsync/internal/feed"
	"github.com/macjediwizard/calfeedsync/internal/identity"
	"github.com/macjediwizard/calfeedsync/internal/index"
)

// Action is what the orchestrator does with a source event.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
)

// Confidence levels reported with decisions.
const (
	exactConfidence = 100
	driftConfidence = 85
	newConfidence   = 100
	errorConfidence = 0
)

// Lookup is the read side of a destination index.
type Lookup interface {
	Lookup(key string) (string, bool, error)
	SeriesEntries(seriesID string) ([]index.Record, error)
}

// Decision is the outcome of Resolve. Confidence is informational and is
// never consulted to choose the action.
type Decision struct {
	Action     Action           `json:"action"`
	Reason     string           `json:"reason"`
	Confidence confidence.Score `json:"confidence"`
	ExistingID string           `json:"existing_id,omitempty"`
	// Drift is set when the match came from another instant of the same series.
	Drift bool `json:"drift,omitempty"`
	// Candidates lists the series entries considered for a drift match,
	// closest start first.
	Candidates []index.Record `json:"-"`
}

// Resolve decides the action for ev against idx. An event whose key is in
// the index is never created.
func Resolve(ev feed.Event, idx Lookup) Decision {
	key := ev.Key()

	existingID, ok, err := idx.Lookup(key)
	if err != nil {
		return lookupFailed(err)
	}
	if ok {
		return Decision{
			Action:     ActionUpdate,
			Reason:     "exact identity match",
			Confidence: confidence.Informational(exactConfidence),
			ExistingID: existingID,
		}
	}

	if ev.IsCancelled() {
		return Decision{
			Action:     ActionSkip,
			Reason:     "cancelled in source with no existing entry",
			Confidence: confidence.Informational(exactConfidence),
		}
	}

	seriesID := ev.SeriesID
	if seriesID == "" {
		seriesID = identity.SeriesOf(ev.ID)
	}
	entries, err := idx.SeriesEntries(seriesID)
	if err != nil {
		return lookupFailed(err)
	}

	candidates := make([]index.Record, 0, len(entries))
	for _, rec := range entries {
		if rec.Key == key {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) > 0 {
		start := ev.Start.UTC()
		sort.SliceStable(candidates, func(i, j int) bool {
			return distance(candidates[i].Start, start) < distance(candidates[j].Start, start)
		})
		closest := candidates[0]
		return Decision{
			Action:     ActionUpdate,
			Reason:     fmt.Sprintf("probable recurrence drift: series %s has an entry at %s", seriesID, closest.Start.Format(time.RFC3339)),
			Confidence: confidence.Informational(driftConfidence),
			ExistingID: closest.ExternalID,
			Drift:      true,
			Candidates: candidates,
		}
	}

	return Decision{
		Action:     ActionCreate,
		Reason:     "no existing entry",
		Confidence: confidence.Informational(newConfidence),
	}
}

// lookupFailed prefers a possible duplicate over a silently dropped event.
func lookupFailed(err error) Decision {
	return Decision{
		Action:     ActionCreate,
		Reason:     fmt.Sprintf("index lookup failed: %v", err),
		Confidence: confidence.Informational(errorConfidence),
	}
}

func distance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
