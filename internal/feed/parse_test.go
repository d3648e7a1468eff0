package feed

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

func buildFeed(header []string, events ...[]string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//feed//EN"}
	lines = append(lines, header...)
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, ev...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestParseUTCEvent(t *testing.T) {
	feedText := buildFeed(nil, []string{
		"UID:evt-1",
		"SUMMARY:Planning",
		"DESCRIPTION:Line one\\nLine two",
		"LOCATION:Room 4",
		"DTSTART:20240301T100000Z",
		"DTEND:20240301T110000Z",
	})

	events := Parse(feedText)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.ID != "evt-1" || ev.SeriesID != "evt-1" {
		t.Errorf("unexpected ids %q / %q", ev.ID, ev.SeriesID)
	}
	if ev.Title != "Planning" {
		t.Errorf("expected title Planning, got %q", ev.Title)
	}
	if ev.Description != "Line one\nLine two" {
		t.Errorf("expected unescaped description, got %q", ev.Description)
	}
	if !ev.Start.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", ev.Start)
	}
	if ev.Duration() != time.Hour {
		t.Errorf("expected 1h duration, got %v", ev.Duration())
	}
	if ev.Status != StatusConfirmed {
		t.Errorf("expected default status CONFIRMED, got %q", ev.Status)
	}
	if ev.Key() != "evt-1:2024-03-01T10:00:00.000Z" {
		t.Errorf("unexpected key %q", ev.Key())
	}
}

func TestParseTimezones(t *testing.T) {
	testCases := []struct {
		name     string
		header   []string
		dtstart  string
		expected time.Time
		zone     string
	}{
		{
			name:     "tzid parameter",
			dtstart:  "DTSTART;TZID=America/New_York:20240301T100000",
			expected: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
			zone:     "America/New_York",
		},
		{
			name:     "feed-level timezone wins over tzid",
			header:   []string{"X-WR-TIMEZONE:America/New_York"},
			dtstart:  "DTSTART;TZID=Europe/London:20240301T100000",
			expected: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
			zone:     "America/New_York",
		},
		{
			name:     "gmt offset tzid",
			dtstart:  "DTSTART;TZID=GMT-0500:20240301T100000",
			expected: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
			zone:     "GMT-0500",
		},
		{
			name:     "unknown tzid falls back to utc",
			dtstart:  "DTSTART;TZID=Custom/Nowhere:20240301T100000",
			expected: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			zone:     "UTC",
		},
		{
			name:     "utc suffix ignores feed timezone",
			header:   []string{"X-WR-TIMEZONE:America/New_York"},
			dtstart:  "DTSTART:20240301T100000Z",
			expected: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			zone:     "UTC",
		},
		{
			name:     "wall clock across dst change",
			dtstart:  "DTSTART;TZID=America/New_York:20240311T100000",
			expected: time.Date(2024, 3, 11, 14, 0, 0, 0, time.UTC),
			zone:     "America/New_York",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			events := Parse(buildFeed(tc.header, []string{"UID:tz-1", tc.dtstart}))
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if !events[0].Start.Equal(tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, events[0].Start.UTC())
			}
			if events[0].TimeZone != tc.zone {
				t.Errorf("expected zone %q, got %q", tc.zone, events[0].TimeZone)
			}
		})
	}
}

func TestParseAllDay(t *testing.T) {
	events := Parse(buildFeed(nil, []string{
		"UID:holiday",
		"DTSTART;VALUE=DATE:20240704",
	}))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if !ev.AllDay {
		t.Error("expected all-day event")
	}
	if ev.Duration() != 24*time.Hour {
		t.Errorf("expected one day default duration, got %v", ev.Duration())
	}
}

func TestParseDurationAndStatus(t *testing.T) {
	events := Parse(buildFeed(nil, []string{
		"UID:dur-1",
		"DTSTART:20240301T100000Z",
		"DURATION:PT90M",
		"STATUS:cancelled",
	}))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Duration() != 90*time.Minute {
		t.Errorf("expected 90m, got %v", events[0].Duration())
	}
	if !events[0].IsCancelled() {
		t.Errorf("expected cancelled status, got %q", events[0].Status)
	}
}

func TestParseRecurrenceProperties(t *testing.T) {
	events := Parse(buildFeed(nil,
		[]string{
			"UID:weekly",
			"DTSTART:20240304T090000Z",
			"DTEND:20240304T100000Z",
			"RRULE:FREQ=WEEKLY;COUNT=3",
			"EXDATE:20240311T090000Z,20240318T090000Z",
		},
		[]string{
			"UID:weekly",
			"RECURRENCE-ID:20240311T090000Z",
			"DTSTART:20240311T120000Z",
			"DTEND:20240311T130000Z",
		},
	))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].RRule != "FREQ=WEEKLY;COUNT=3" {
		t.Errorf("unexpected rrule %q", events[0].RRule)
	}
	if len(events[0].ExDates) != 2 {
		t.Errorf("expected 2 exdates, got %d", len(events[0].ExDates))
	}
	if !events[1].IsOverride() {
		t.Error("expected second event to be an override")
	}
}

func TestParseSkipsInvalid(t *testing.T) {
	testCases := []struct {
		name     string
		feedText []byte
		expected int
	}{
		{
			name:     "empty input",
			feedText: nil,
			expected: 0,
		},
		{
			name:     "not a calendar",
			feedText: []byte("this is not a calendar\r\n"),
			expected: 0,
		},
		{
			name: "event without uid is skipped",
			feedText: buildFeed(nil,
				[]string{"SUMMARY:No id", "DTSTART:20240301T100000Z"},
				[]string{"UID:ok", "DTSTART:20240301T100000Z"},
			),
			expected: 1,
		},
		{
			name: "event with bad start is skipped",
			feedText: buildFeed(nil,
				[]string{"UID:bad", "DTSTART:2024-03-01"},
				[]string{"UID:ok", "DTSTART:20240301T100000Z"},
			),
			expected: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			events := Parse(tc.feedText)
			if events == nil {
				t.Fatal("expected non-nil slice")
			}
			if len(events) != tc.expected {
				t.Errorf("expected %d events, got %d", tc.expected, len(events))
			}
		})
	}
}

func TestParseGMTOffset(t *testing.T) {
	testCases := []struct {
		tzid     string
		offset   int
		expectOK bool
	}{
		{"GMT-0400", -4 * 3600, true},
		{"GMT+0530", 5*3600 + 30*60, true},
		{"UTC+05:30", 5*3600 + 30*60, true},
		{"GMT+1", 3600, true},
		{"GMT", 0, true},
		{"America/New_York", 0, false},
		{"GMT+99", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.tzid, func(t *testing.T) {
			loc := parseGMTOffset(tc.tzid)
			if !tc.expectOK {
				if loc != nil {
					t.Errorf("expected nil location for %q", tc.tzid)
				}
				return
			}
			if loc == nil {
				t.Fatalf("expected location for %q", tc.tzid)
			}
			_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
			if offset != tc.offset {
				t.Errorf("expected offset %d, got %d", tc.offset, offset)
			}
		})
	}
}
