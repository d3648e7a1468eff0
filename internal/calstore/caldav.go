package calstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	productID      = "-//calfeedsync//EN"
)

// Calendar is a calendar collection discovered on the server.
type Calendar struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CalDAVOptions tunes a CalDAVStore.
type CalDAVOptions struct {
	// Timeout bounds each individual call.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// RetryWindow bounds retries of transient failures. Zero disables retries.
	RetryWindow time.Duration
}

// CalDAVStore implements Store on top of a CalDAV server. Calendar ids are
// collection paths and event ids are object paths.
type CalDAVStore struct {
	client      *caldav.Client
	timeout     time.Duration
	limiter     *rate.Limiter
	retryWindow time.Duration
}

// NewHTTPClient returns the HTTP client used for CalDAV traffic.
func NewHTTPClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: &statusTransport{base: base},
	}
}

// NewCalDAVStore creates a store for the server at baseURL. httpClient carries
// authentication.
func NewCalDAVStore(baseURL string, httpClient webdav.HTTPClient, opts CalDAVOptions) (*CalDAVStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	client, err := caldav.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	s := &CalDAVStore{
		client:      client,
		timeout:     opts.Timeout,
		retryWindow: opts.RetryWindow,
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return s, nil
}

// TestConnection checks that the server answers and accepts the credentials.
func (s *CalDAVStore) TestConnection(ctx context.Context) error {
	return s.call(ctx, "find principal", func(ctx context.Context) error {
		_, err := s.client.FindCurrentUserPrincipal(ctx)
		return err
	})
}

// FindCalendars discovers all calendars for the current user.
func (s *CalDAVStore) FindCalendars(ctx context.Context) ([]Calendar, error) {
	var calendars []Calendar
	err := s.call(ctx, "find calendars", func(ctx context.Context) error {
		principal, err := s.client.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return err
		}
		homeSet, err := s.client.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return err
		}
		cals, err := s.client.FindCalendars(ctx, homeSet)
		if err != nil {
			return err
		}
		calendars = make([]Calendar, 0, len(cals))
		for _, cal := range cals {
			calendars = append(calendars, Calendar{
				Path:        cal.Path,
				Name:        cal.Name,
				Description: cal.Description,
			})
		}
		return nil
	})
	return calendars, err
}

// List returns the events of calendarID that intersect w.
func (s *CalDAVStore) List(ctx context.Context, calendarID string, w Window) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{
				{Name: ical.CompEvent, AllProps: true},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{
				{Name: ical.CompEvent, Start: w.Start, End: w.End},
			},
		},
	}

	var objects []caldav.CalendarObject
	err := s.call(ctx, "list events", func(ctx context.Context) error {
		var err error
		objects, err = s.client.QueryCalendar(ctx, calendarID, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(objects))
	skipped := 0
	for _, obj := range objects {
		ev, ok := decodeObject(obj)
		if !ok {
			skipped++
			continue
		}
		ev.CalendarID = calendarID
		// Servers may ignore the time-range filter.
		if ev.End.Before(w.Start) || ev.Start.After(w.End) {
			continue
		}
		events = append(events, ev)
	}
	if skipped > 0 {
		log.Printf("Skipped %d unreadable objects in %s", skipped, calendarID)
	}

	return events, nil
}

// Create writes a new event and returns its object path.
func (s *CalDAVStore) Create(ctx context.Context, calendarID string, body Body) (string, error) {
	if err := validateBody(body); err != nil {
		return "", err
	}

	uid := uuid.New().String()
	objectPath := strings.TrimSuffix(calendarID, "/") + "/" + uid + ".ics"
	cal := buildCalendar(uid, body, time.Now().UTC())

	err := s.call(ctx, "create event", func(ctx context.Context) error {
		_, err := s.client.PutCalendarObject(ctx, objectPath, cal)
		return err
	})
	if err != nil {
		return "", err
	}
	return objectPath, nil
}

// Update replaces the content of an existing event.
func (s *CalDAVStore) Update(ctx context.Context, calendarID, externalID string, body Body) error {
	if err := validateBody(body); err != nil {
		return err
	}

	created := time.Now().UTC()
	uid := strings.TrimSuffix(path.Base(externalID), ".ics")
	err := s.call(ctx, "get event", func(ctx context.Context) error {
		obj, err := s.client.GetCalendarObject(ctx, externalID)
		if err != nil {
			return err
		}
		if ev, ok := decodeObject(*obj); ok && !ev.Created.IsZero() {
			created = ev.Created
		}
		if obj.Data != nil {
			if vevents := obj.Data.Events(); len(vevents) > 0 {
				if existing, err := vevents[0].Props.Text(ical.PropUID); err == nil && existing != "" {
					uid = existing
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cal := buildCalendar(uid, body, created)
	return s.call(ctx, "update event", func(ctx context.Context) error {
		_, err := s.client.PutCalendarObject(ctx, externalID, cal)
		return err
	})
}

// Delete removes an event.
func (s *CalDAVStore) Delete(ctx context.Context, calendarID, externalID string) error {
	return s.call(ctx, "delete event", func(ctx context.Context) error {
		return s.client.RemoveAll(ctx, externalID)
	})
}

// call runs fn under the rate limiter, a per-call timeout and, when enabled,
// exponential retry of transient failures.
func (s *CalDAVStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := classify(op, fn(callCtx))
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if s.retryWindow <= 0 {
		err := attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.retryWindow
	return backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.Printf("%s failed, retrying in %v: %v", op, wait, err)
	})
}

func validateBody(body Body) error {
	if body.Start.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidEvent)
	}
	if body.End.Before(body.Start) {
		return fmt.Errorf("%w: end before start", ErrInvalidEvent)
	}
	return nil
}

func buildCalendar(uid string, body Body, created time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	vevent.Props.SetDateTime(ical.PropCreated, created.UTC())

	if body.AllDay {
		startDate, endDate := body.Start, body.End
		if loc, ok := allDayLocation(body.TimeZone); ok {
			startDate, endDate = startDate.In(loc), endDate.In(loc)
		}
		start := ical.NewProp(ical.PropDateTimeStart)
		start.SetDate(startDate)
		vevent.Props.Set(start)
		end := ical.NewProp(ical.PropDateTimeEnd)
		end.SetDate(endDate)
		vevent.Props.Set(end)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, body.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, body.End.UTC())
	}

	vevent.Props.SetText(ical.PropSummary, body.Title)
	if body.Description != "" {
		vevent.Props.SetText(ical.PropDescription, body.Description)
	}
	if body.Location != "" {
		vevent.Props.SetText(ical.PropLocation, body.Location)
	}
	if body.Status != "" {
		vevent.Props.SetText(ical.PropStatus, body.Status)
	}
	if body.TimeZone != "" && body.TimeZone != "UTC" {
		vevent.Props.SetText("X-CALFEEDSYNC-TIMEZONE", body.TimeZone)
	}

	cal.Children = append(cal.Children, vevent)
	return cal
}

// decodeObject reads the master VEVENT of a calendar object.
func decodeObject(obj caldav.CalendarObject) (Event, bool) {
	if obj.Data == nil {
		return Event{}, false
	}

	for _, vevent := range obj.Data.Events() {
		if vevent.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}

		ev := Event{ExternalID: obj.Path}
		dtstart := vevent.Props.Get(ical.PropDateTimeStart)
		if dtstart == nil {
			return Event{}, false
		}
		start, allDay, err := decodeDateTime(dtstart)
		if err != nil {
			log.Printf("Unreadable DTSTART in %s: %v", obj.Path, err)
			return Event{}, false
		}
		ev.TimeZone, _ = vevent.Props.Text("X-CALFEEDSYNC-TIMEZONE")
		if ev.TimeZone == "" {
			ev.TimeZone = dtstart.Params.Get(ical.ParamTimezoneID)
		}

		// Dates are decoded as UTC midnight. All-day events were written
		// with the wall date of their zone, so anchor them there again.
		loc, haveLoc := allDayLocation(ev.TimeZone)
		if allDay && haveLoc {
			start = atMidnight(start, loc)
		}
		ev.Start = start
		ev.AllDay = allDay
		ev.End = start
		if dtend := vevent.Props.Get(ical.PropDateTimeEnd); dtend != nil {
			if end, endAllDay, err := decodeDateTime(dtend); err == nil {
				if endAllDay && haveLoc {
					end = atMidnight(end, loc)
				}
				ev.End = end
			}
		}

		ev.Title, _ = vevent.Props.Text(ical.PropSummary)
		ev.Description, _ = vevent.Props.Text(ical.PropDescription)
		ev.Location, _ = vevent.Props.Text(ical.PropLocation)
		ev.Status, _ = vevent.Props.Text(ical.PropStatus)
		for _, attendee := range vevent.Props[ical.PropAttendee] {
			ev.Attendees = append(ev.Attendees, attendee.Value)
		}
		if created := vevent.Props.Get(ical.PropCreated); created != nil {
			if t, err := created.DateTime(time.UTC); err == nil {
				ev.Created = t
			}
		}
		return ev, true
	}

	return Event{}, false
}

func decodeDateTime(prop *ical.Prop) (time.Time, bool, error) {
	value := strings.TrimSpace(prop.Value)
	if len(value) == 8 || strings.EqualFold(prop.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		t, err := time.ParseInLocation("20060102", value, time.UTC)
		return t, true, err
	}
	t, err := prop.DateTime(time.UTC)
	return t, false, err
}

// allDayLocation loads the zone an all-day event's dates belong to.
func allDayLocation(name string) (*time.Location, bool) {
	if name == "" || name == "UTC" {
		return nil, false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

func atMidnight(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// statusTransport turns throttling and server errors into APIErrors so
// callers can classify them without parsing response bodies.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
		return resp, nil
	}
	resp.Body.Close()

	apiErr := &APIError{Op: req.Method, StatusCode: resp.StatusCode, Err: ErrConnectionFailed}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.Err = ErrRateLimited
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return nil, apiErr
}
