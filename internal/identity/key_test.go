package identity

import (
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		id       string
		start    time.Time
		expected string
	}{
		{
			name:     "utc instant",
			id:       "evt-1",
			start:    start,
			expected: "evt-1:2024-03-01T10:00:00.000Z",
		},
		{
			name:     "offset instant is normalized to utc",
			id:       "evt-1",
			start:    start.In(time.FixedZone("UTC+2", 2*3600)),
			expected: "evt-1:2024-03-01T10:00:00.000Z",
		},
		{
			name:     "milliseconds are kept",
			id:       "evt-2",
			start:    start.Add(1234 * time.Millisecond),
			expected: "evt-2:2024-03-01T10:00:01.234Z",
		},
		{
			name:     "sub-millisecond precision is truncated",
			id:       "evt-3",
			start:    start.Add(999 * time.Microsecond),
			expected: "evt-3:2024-03-01T10:00:00.000Z",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Key(tc.id, tc.start); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestKeyDeterminism(t *testing.T) {
	instants := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
	}

	first := make([]string, len(instants))
	for i, in := range instants {
		first[i] = Key("series", in)
	}

	// Reverse call order must not change results.
	for i := len(instants) - 1; i >= 0; i-- {
		if got := Key("series", instants[i]); got != first[i] {
			t.Errorf("key changed between calls: %q vs %q", first[i], got)
		}
	}
}

func TestOccurrenceIDRoundTrip(t *testing.T) {
	instant := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	id := OccurrenceID("series-1", instant)
	if id != "series-1_20240304T090000Z" {
		t.Fatalf("unexpected occurrence id %q", id)
	}

	series, got, ok := SplitOccurrenceID(id)
	if !ok {
		t.Fatal("expected occurrence id to split")
	}
	if series != "series-1" {
		t.Errorf("expected series-1, got %q", series)
	}
	if !got.Equal(instant) {
		t.Errorf("expected %v, got %v", instant, got)
	}
}

func TestSplitOccurrenceID(t *testing.T) {
	testCases := []struct {
		name   string
		id     string
		series string
		ok     bool
	}{
		{name: "plain id", id: "evt-1", ok: false},
		{name: "underscore without instant", id: "my_event", ok: false},
		{name: "trailing separator", id: "evt_", ok: false},
		{name: "series containing underscores", id: "a_b_c_20240101T000000Z", series: "a_b_c", ok: true},
		{name: "uid with domain", id: "abc@example.com_20240101T120000Z", series: "abc@example.com", ok: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			series, _, ok := SplitOccurrenceID(tc.id)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if series != tc.series {
				t.Errorf("expected series %q, got %q", tc.series, series)
			}
		})
	}
}

func TestSeriesOf(t *testing.T) {
	if got := SeriesOf("evt-1"); got != "evt-1" {
		t.Errorf("expected plain id to be its own series, got %q", got)
	}
	if got := SeriesOf("series-1_20240304T090000Z"); got != "series-1" {
		t.Errorf("expected series-1, got %q", got)
	}
}
