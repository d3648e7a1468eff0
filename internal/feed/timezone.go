package feed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

var errBadDateTime = errors.New("invalid date-time value")

// wallClock holds the date/time components exactly as written in the feed.
type wallClock struct {
	year, month, day     int
	hour, minute, second int
	hasTime              bool
	utc                  bool
}

// parseWallClock reads "YYYYMMDD", "YYYYMMDDTHHMMSS" or "YYYYMMDDTHHMMSSZ".
func parseWallClock(value string) (wallClock, error) {
	var wc wallClock
	v := strings.TrimSpace(value)

	if strings.HasSuffix(v, "Z") {
		wc.utc = true
		v = strings.TrimSuffix(v, "Z")
	}

	datePart, timePart, hasTime := strings.Cut(v, "T")
	if len(datePart) != 8 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}

	var err error
	if wc.year, err = strconv.Atoi(datePart[0:4]); err != nil {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}
	if wc.month, err = strconv.Atoi(datePart[4:6]); err != nil || wc.month < 1 || wc.month > 12 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}
	if wc.day, err = strconv.Atoi(datePart[6:8]); err != nil || wc.day < 1 || wc.day > 31 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}

	if !hasTime {
		return wc, nil
	}
	if len(timePart) != 6 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}
	wc.hasTime = true
	if wc.hour, err = strconv.Atoi(timePart[0:2]); err != nil || wc.hour > 23 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}
	if wc.minute, err = strconv.Atoi(timePart[2:4]); err != nil || wc.minute > 59 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}
	// 60 is allowed for leap seconds; time.Date normalizes it.
	if wc.second, err = strconv.Atoi(timePart[4:6]); err != nil || wc.second > 60 {
		return wc, fmt.Errorf("%w: %q", errBadDateTime, value)
	}

	return wc, nil
}

// in reconstructs the wall clock as an instant in loc.
func (wc wallClock) in(loc *time.Location) time.Time {
	if wc.utc {
		loc = time.UTC
	}
	return time.Date(wc.year, time.Month(wc.month), wc.day, wc.hour, wc.minute, wc.second, 0, loc)
}

// zoneResolver picks the location for local date-times. A feed-level
// declaration (X-WR-TIMEZONE) wins over per-property TZID parameters.
type zoneResolver struct {
	feedLoc   *time.Location
	feedLabel string
	cache     map[string]*time.Location
}

func newZoneResolver(feedTZ string) *zoneResolver {
	zr := &zoneResolver{cache: make(map[string]*time.Location)}
	if feedTZ = strings.TrimSpace(feedTZ); feedTZ != "" {
		if loc := zr.load(feedTZ); loc != nil {
			zr.feedLoc = loc
			zr.feedLabel = feedTZ
		}
	}
	return zr
}

// locationFor returns the location and its label for a property.
func (zr *zoneResolver) locationFor(prop *ical.Prop) (*time.Location, string) {
	if zr.feedLoc != nil {
		return zr.feedLoc, zr.feedLabel
	}
	if tzid := strings.TrimSpace(prop.Params.Get(ical.ParamTimezoneID)); tzid != "" {
		if loc := zr.load(tzid); loc != nil {
			return loc, tzid
		}
	}
	return time.UTC, "UTC"
}

func (zr *zoneResolver) load(name string) *time.Location {
	if loc, ok := zr.cache[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = parseGMTOffset(name)
	}
	zr.cache[name] = loc
	return loc
}

// resolve converts a DTSTART/DTEND/EXDATE/RECURRENCE-ID value to an instant.
func (zr *zoneResolver) resolve(prop *ical.Prop, value string) (t time.Time, allDay bool, label string, err error) {
	wc, err := parseWallClock(value)
	if err != nil {
		return time.Time{}, false, "", err
	}

	allDay = !wc.hasTime || strings.EqualFold(prop.Params.Get(ical.ParamValue), string(ical.ValueDate))
	if wc.utc {
		return wc.in(time.UTC), allDay, "UTC", nil
	}

	loc, label := zr.locationFor(prop)
	return wc.in(loc), allDay, label, nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location, or nil if tzid is not an offset.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	} else {
		return nil
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		hours, err = strconv.Atoi(offset)
	case 3:
		hours, err = strconv.Atoi(offset[:1])
		if err == nil {
			minutes, err = strconv.Atoi(offset[1:])
		}
	case 4:
		hours, err = strconv.Atoi(offset[:2])
		if err == nil {
			minutes, err = strconv.Atoi(offset[2:])
		}
	default:
		return nil
	}
	if err != nil || hours > 14 || minutes > 59 {
		return nil
	}

	totalSeconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(tzid, totalSeconds)
}
