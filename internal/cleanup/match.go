package cleanup

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/confidence"
)

// MatchType is the matcher that formed a duplicate group.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchFuzzy   MatchType = "fuzzy"
	MatchPattern MatchType = "pattern"
)

// Preserve selects which member of a group survives.
type Preserve string

const (
	PreserveOldest Preserve = "oldest"
	PreserveNewest Preserve = "newest"
)

const (
	exactConfidence   = 100
	patternConfidence = 70
)

// DuplicateGroup is a set of destination events judged to be one occurrence.
type DuplicateGroup struct {
	ID         string           `json:"id"`
	CalendarID string           `json:"calendar_id"`
	MatchType  MatchType        `json:"match_type"`
	Confidence confidence.Score `json:"confidence"`
	Reason     string           `json:"reason"`
	Primary    calstore.Event   `json:"primary"`
	Duplicates []calstore.Event `json:"duplicates"`
}

// Matcher groups the events of one calendar.
type Matcher struct {
	FuzzyThreshold float64
	FuzzyTolerance time.Duration
	Patterns       []PatternRule
	Preserve       Preserve
}

// Group runs the exact, fuzzy and pattern matchers in that order. An event
// joins at most one group.
func (m Matcher) Group(calendarID string, events []calstore.Event) []DuplicateGroup {
	sorted := make([]calstore.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.Before(sorted[j].Start)
		}
		return sorted[i].ExternalID < sorted[j].ExternalID
	})

	titles := make([]string, len(sorted))
	for i, ev := range sorted {
		titles[i] = NormalizeTitle(ev.Title)
	}
	used := make([]bool, len(sorted))
	var groups []DuplicateGroup

	// exact
	buckets := make(map[string][]int)
	var order []string
	for i, ev := range sorted {
		k := fmt.Sprintf("%s|%d", titles[i], ev.Start.UTC().UnixNano())
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], i)
	}
	for _, k := range order {
		members := buckets[k]
		if len(members) < 2 {
			continue
		}
		for _, i := range members {
			used[i] = true
		}
		groups = append(groups, m.newGroup(calendarID, MatchExact, exactConfidence,
			"identical title and start", pick(sorted, members)))
	}

	// fuzzy
	if m.FuzzyThreshold > 0 {
		for i := range sorted {
			if used[i] {
				continue
			}
			members := []int{i}
			lowest := 1.0
			for j := i + 1; j < len(sorted) && sorted[j].Start.Sub(sorted[i].Start) <= m.FuzzyTolerance; j++ {
				if used[j] {
					continue
				}
				sim := Similarity(titles[i], titles[j])
				if sim >= m.FuzzyThreshold {
					members = append(members, j)
					lowest = math.Min(lowest, sim)
				}
			}
			if len(members) < 2 {
				continue
			}
			for _, k := range members {
				used[k] = true
			}
			groups = append(groups, m.newGroup(calendarID, MatchFuzzy, int(math.Round(lowest*100)),
				fmt.Sprintf("title similarity %.2f within %s", lowest, m.FuzzyTolerance), pick(sorted, members)))
		}
	}

	// pattern
	for _, rule := range m.Patterns {
		byStart := make(map[int64][]int)
		var starts []int64
		for i, ev := range sorted {
			if used[i] || !rule.Match(ev) {
				continue
			}
			s := ev.Start.UTC().UnixNano()
			if _, ok := byStart[s]; !ok {
				starts = append(starts, s)
			}
			byStart[s] = append(byStart[s], i)
		}
		for _, s := range starts {
			members := byStart[s]
			if len(members) < 2 {
				continue
			}
			for _, i := range members {
				used[i] = true
			}
			groups = append(groups, m.newGroup(calendarID, MatchPattern, patternConfidence,
				fmt.Sprintf("pattern %q at the same start", rule.Name), pick(sorted, members)))
		}
	}

	return groups
}

func pick(events []calstore.Event, idx []int) []calstore.Event {
	out := make([]calstore.Event, len(idx))
	for i, k := range idx {
		out[i] = events[k]
	}
	return out
}

func (m Matcher) newGroup(calendarID string, mt MatchType, percent int, reason string, members []calstore.Event) DuplicateGroup {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.Created.Equal(b.Created) {
			if m.Preserve == PreserveNewest {
				return a.Created.After(b.Created)
			}
			return a.Created.Before(b.Created)
		}
		return a.ExternalID < b.ExternalID
	})

	return DuplicateGroup{
		ID:         calendarID + "#" + members[0].ExternalID,
		CalendarID: calendarID,
		MatchType:  mt,
		Confidence: confidence.DecisionWeight(percent),
		Reason:     reason,
		Primary:    members[0],
		Duplicates: members[1:],
	}
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// NormalizeTitle lower-cases, drops punctuation and collapses whitespace.
func NormalizeTitle(s string) string {
	s = strings.ToLower(strings.TrimFunc(s, unicode.IsSpace))
	s = nonWord.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
