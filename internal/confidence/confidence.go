// Package confidence models match confidence as a tagged value so that a score
// produced for diagnostics can never be mistaken for one that drives a decision.
package confidence

import "fmt"

// Kind tags where a Score was produced.
type Kind int

const (
	// KindInformational scores are reported by the sync path and never gate an action.
	KindInformational Kind = iota + 1
	// KindDecisionWeight scores are produced by duplicate analysis and may select deletions.
	KindDecisionWeight
)

func (k Kind) String() string {
	switch k {
	case KindInformational:
		return "informational"
	case KindDecisionWeight:
		return "decision_weight"
	default:
		return "unknown"
	}
}

// Score is a 0-100 confidence value tagged with its Kind.
type Score struct {
	kind    Kind
	percent int
}

// Informational returns a diagnostic-only score.
func Informational(percent int) Score {
	return Score{kind: KindInformational, percent: clamp(percent)}
}

// DecisionWeight returns a score that cleanup selection is allowed to act on.
func DecisionWeight(percent int) Score {
	return Score{kind: KindDecisionWeight, percent: clamp(percent)}
}

// Kind returns the tag.
func (s Score) Kind() Kind { return s.kind }

// Percent returns the score in the 0-100 range.
func (s Score) Percent() int { return s.percent }

// Fraction returns the score in the 0-1 range.
func (s Score) Fraction() float64 { return float64(s.percent) / 100 }

// Weight returns the score for decision making. ok is false for anything that
// is not a decision-weight score.
func (s Score) Weight() (percent int, ok bool) {
	if s.kind != KindDecisionWeight {
		return 0, false
	}
	return s.percent, true
}

func (s Score) String() string {
	return fmt.Sprintf("%d%% (%s)", s.percent, s.kind)
}

// MarshalJSON renders the bare percentage.
func (s Score) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", s.percent)), nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
