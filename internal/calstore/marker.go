package calstore

import (
	"regexp"
	"strings"
)

// markerPrefix precedes the source event id in a written event's description.
const markerPrefix = "Original UID: "

var markerPattern = regexp.MustCompile(`Original UID: ([^\r\n]+)`)

// FormatMarker returns the marker line for sourceID.
func FormatMarker(sourceID string) string {
	return markerPrefix + sourceID
}

// WithMarker appends the marker for sourceID to description.
func WithMarker(description, sourceID string) string {
	marker := FormatMarker(sourceID)
	if strings.TrimSpace(description) == "" {
		return marker
	}
	return strings.TrimRight(description, "\r\n") + "\n\n" + marker
}

// ExtractSourceID returns the source id recorded in description, taking the
// first marker and only the rest of its line.
func ExtractSourceID(description string) (string, bool) {
	m := markerPattern.FindStringSubmatch(description)
	if m == nil {
		return "", false
	}
	id := strings.TrimSpace(m[1])
	if id == "" {
		return "", false
	}
	return id, true
}

// StripMarker removes every marker line from description.
func StripMarker(description string) string {
	lines := strings.Split(description, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if markerPattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\r\n ")
}
