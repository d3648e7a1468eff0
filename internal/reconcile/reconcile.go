// Package reconcile runs one feed against one destination calendar.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/calfeedsync/internal/activity"
	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/confidence"
	"github.com/macjediwizard/calfeedsync/internal/db"
	"github.com/macjediwizard/calfeedsync/internal/feed"
	"github.com/macjediwizard/calfeedsync/internal/index"
	"github.com/macjediwizard/calfeedsync/internal/metrics"
	"github.com/macjediwizard/calfeedsync/internal/notify"
	"github.com/macjediwizard/calfeedsync/internal/resolver"
)

// State is the phase of a run.
type State string

const (
	StateIdle           State = "idle"
	StateFetchingSource State = "fetching_source"
	StateBuildingIndex  State = "building_index"
	StateReconciling    State = "reconciling"
	StateApplying       State = "applying"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// RunError is one failed event of a run.
type RunError = db.RunError

// Result is the outcome of one run.
type Result struct {
	ID                 string        `json:"id"`
	CalendarID         string        `json:"calendar_id"`
	State              State         `json:"state"`
	EventsProcessed    int           `json:"events_processed"`
	Created            int           `json:"created"`
	Updated            int           `json:"updated"`
	Skipped            int           `json:"skipped"`
	DuplicatesResolved int           `json:"duplicates_resolved"`
	Errors             []RunError    `json:"errors"`
	Success            bool          `json:"success"`
	Message            string        `json:"message"`
	Duration           time.Duration `json:"duration"`
	StartedAt          time.Time     `json:"started_at"`
}

// Step pairs a source event with the action decided for it.
type Step struct {
	Event    feed.Event        `json:"event"`
	Decision resolver.Decision `json:"decision"`
}

// Source returns raw feed text for a URL.
type Source interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// RunLog persists finished runs.
type RunLog interface {
	CreateSyncRun(run *db.SyncRun) error
}

// Config selects the feed, the destination calendar and the active window.
type Config struct {
	CalendarID   string
	FeedURL      string
	PastWindow   time.Duration
	FutureWindow time.Duration
	// ApplyWorkers bounds concurrent store writes. 1 or less applies sequentially.
	ApplyWorkers int
}

// Orchestrator reconciles a feed into a destination calendar.
type Orchestrator struct {
	cfg      Config
	source   Source
	stores   calstore.Provider
	runs     RunLog
	tracker  *activity.Tracker
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	now      func() time.Time

	mu    sync.RWMutex
	state State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunLog persists every run result.
func WithRunLog(runs RunLog) Option {
	return func(o *Orchestrator) { o.runs = runs }
}

// WithTracker reports live progress.
func WithTracker(t *activity.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier sends alerts for failed runs.
func WithNotifier(n *notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides the clock used for the active window.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(cfg Config, source Source, stores calstore.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		source: source,
		stores: stores,
		now:    time.Now,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CalendarID returns the destination calendar.
func (o *Orchestrator) CalendarID() string {
	return o.cfg.CalendarID
}

// State returns the phase of the current or last run.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(runID string, s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.tracker != nil {
		o.tracker.SetState(runID, string(s))
	}
}

// Window returns the active window relative to now.
func (o *Orchestrator) Window() (time.Time, time.Time) {
	now := o.now().UTC()
	return now.Add(-o.cfg.PastWindow), now.Add(o.cfg.FutureWindow)
}

// Run performs one reconciliation. Failures before the index is built abort
// the run without touching the destination; later failures are recorded per
// event.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	start := time.Now()
	result := &Result{
		ID:         uuid.New().String(),
		CalendarID: o.cfg.CalendarID,
		Errors:     make([]RunError, 0),
		StartedAt:  start.UTC(),
	}
	if o.tracker != nil {
		o.tracker.Start(result.ID, activity.KindSync, o.cfg.CalendarID)
	}

	store, steps, err := o.prepare(ctx, result.ID)
	if err != nil {
		var pe *phaseError
		if errors.As(err, &pe) {
			result.Errors = append(result.Errors, pe.runError())
		}
		result.Message = err.Error()
		o.finish(ctx, result, StateFailed, start)
		return result
	}

	o.setState(result.ID, StateApplying)
	o.apply(ctx, store, steps, result)

	result.Success = len(result.Errors) == 0
	if result.Success {
		result.Message = fmt.Sprintf("Synced %d events: %d created, %d updated, %d skipped",
			result.EventsProcessed, result.Created, result.Updated, result.Skipped)
	} else {
		result.Message = fmt.Sprintf("Sync completed with %d errors", len(result.Errors))
	}
	o.finish(ctx, result, StateCompleted, start)
	return result
}

// Preview fetches and resolves without applying anything.
func (o *Orchestrator) Preview(ctx context.Context) ([]Step, error) {
	_, steps, err := o.prepare(ctx, "")
	if err != nil {
		return nil, err
	}
	o.setState("", StateIdle)
	return steps, nil
}

type phaseError struct {
	action string
	err    error
}

func (e *phaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.action, e.err)
}

func (e *phaseError) Unwrap() error { return e.err }

func (e *phaseError) runError() RunError {
	return RunError{Action: e.action, Message: e.err.Error()}
}

func (o *Orchestrator) prepare(ctx context.Context, runID string) (calstore.Store, []Step, error) {
	o.setState(runID, StateFetchingSource)
	body, err := o.source.Fetch(ctx, o.cfg.FeedURL)
	if err != nil {
		return nil, nil, &phaseError{action: "fetch", err: err}
	}
	ws, we := o.Window()
	events := feed.ExpandAll(feed.Parse(body), ws, we)
	log.Printf("Calendar %s: %d source events in window %s - %s",
		o.cfg.CalendarID, len(events), ws.Format(time.RFC3339), we.Format(time.RFC3339))

	o.setState(runID, StateBuildingIndex)
	store, err := o.stores.Store(ctx)
	if err != nil {
		return nil, nil, &phaseError{action: "connect", err: err}
	}
	idx, err := index.Build(ctx, store, o.cfg.CalendarID, ws, we)
	if err != nil {
		return nil, nil, &phaseError{action: "index", err: err}
	}

	o.setState(runID, StateReconciling)
	return store, Plan(events, idx), nil
}

// Plan resolves every event against one index snapshot. A key repeated in
// the source is skipped after its first occurrence, and an existing entry
// is claimed by at most one drift match; exact matches always keep theirs.
func Plan(events []feed.Event, idx resolver.Lookup) []Step {
	steps := make([]Step, 0, len(events))
	seen := make(map[string]bool, len(events))
	exactClaims := make(map[string]bool)

	for _, ev := range events {
		key := ev.Key()
		if seen[key] {
			steps = append(steps, Step{Event: ev, Decision: resolver.Decision{
				Action:     resolver.ActionSkip,
				Reason:     "duplicate occurrence in source fetch",
				Confidence: confidence.Informational(100),
			}})
			continue
		}
		seen[key] = true

		d := resolver.Resolve(ev, idx)
		if d.Action == resolver.ActionUpdate && !d.Drift {
			exactClaims[d.ExistingID] = true
		}
		steps = append(steps, Step{Event: ev, Decision: d})
	}

	driftClaims := make(map[string]bool)
	for i := range steps {
		d := &steps[i].Decision
		if !d.Drift {
			continue
		}
		claimed := ""
		for _, c := range d.Candidates {
			if !exactClaims[c.ExternalID] && !driftClaims[c.ExternalID] {
				claimed = c.ExternalID
				break
			}
		}
		if claimed == "" {
			steps[i].Decision = resolver.Decision{
				Action:     resolver.ActionCreate,
				Reason:     "drift candidates already claimed in this run",
				Confidence: confidence.Informational(100),
			}
			continue
		}
		driftClaims[claimed] = true
		d.ExistingID = claimed
	}

	return steps
}

// IsDuplicate reports whether s was skipped as a repeat inside the fetch.
func (s Step) IsDuplicate() bool {
	return s.Decision.Action == resolver.ActionSkip && s.Decision.Reason == "duplicate occurrence in source fetch"
}

type outcome struct {
	action resolver.Action
	err    error
}

func (o *Orchestrator) apply(ctx context.Context, store calstore.Store, steps []Step, result *Result) {
	if o.tracker != nil {
		o.tracker.SetTotal(result.ID, len(steps))
	}
	outcomes := make([]outcome, len(steps))

	if o.cfg.ApplyWorkers <= 1 {
		for i, step := range steps {
			outcomes[i] = o.applyOne(ctx, store, step, result.ID)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(o.cfg.ApplyWorkers)
		for i, step := range steps {
			g.Go(func() error {
				outcomes[i] = o.applyOne(ctx, store, step, result.ID)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, out := range outcomes {
		result.EventsProcessed++
		if steps[i].IsDuplicate() {
			result.DuplicatesResolved++
		}
		if out.err != nil {
			result.Errors = append(result.Errors, RunError{
				EventID: steps[i].Event.ID,
				Action:  string(out.action),
				Message: out.err.Error(),
			})
			continue
		}
		switch out.action {
		case resolver.ActionCreate:
			result.Created++
		case resolver.ActionUpdate:
			result.Updated++
		case resolver.ActionSkip:
			result.Skipped++
		}
	}
}

func (o *Orchestrator) applyOne(ctx context.Context, store calstore.Store, step Step, runID string) outcome {
	ev, d := step.Event, step.Decision
	out := outcome{action: d.Action}

	switch d.Action {
	case resolver.ActionCreate:
		_, out.err = store.Create(ctx, o.cfg.CalendarID, bodyFor(ev))
	case resolver.ActionUpdate:
		out.err = store.Update(ctx, o.cfg.CalendarID, d.ExistingID, bodyFor(ev))
	}

	if out.err != nil {
		if calstore.IsRateLimited(out.err) {
			log.Printf("Calendar %s: rate limited on %s %s", o.cfg.CalendarID, d.Action, ev.ID)
		} else {
			log.Printf("Calendar %s: failed to %s %s: %v", o.cfg.CalendarID, d.Action, ev.ID, out.err)
		}
	} else if d.Drift {
		log.Printf("Calendar %s: %s (%s)", o.cfg.CalendarID, d.Reason, ev.ID)
	}

	if o.tracker != nil {
		var created, updated, skipped int
		if out.err == nil {
			switch d.Action {
			case resolver.ActionCreate:
				created = 1
			case resolver.ActionUpdate:
				updated = 1
			case resolver.ActionSkip:
				skipped = 1
			}
		}
		o.tracker.IncrementProgress(runID, created, updated, 0, skipped, 1)
	}
	return out
}

func bodyFor(ev feed.Event) calstore.Body {
	return calstore.Body{
		Title:       ev.Title,
		// A republished synced feed may already carry a marker; only ours may remain.
		Description: calstore.WithMarker(calstore.StripMarker(ev.Description), ev.ID),
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
		AllDay:      ev.AllDay,
		Status:      ev.Status,
		TimeZone:    ev.TimeZone,
	}
}

func (o *Orchestrator) finish(ctx context.Context, result *Result, state State, start time.Time) {
	result.State = state
	result.Duration = time.Since(start)
	o.setState(result.ID, state)

	log.Printf("Calendar %s: %s (%v)", o.cfg.CalendarID, result.Message, result.Duration.Round(time.Millisecond))

	if o.runs != nil {
		run := &db.SyncRun{
			ID:                 result.ID,
			CalendarID:         result.CalendarID,
			FeedURL:            o.cfg.FeedURL,
			State:              string(result.State),
			Success:            result.Success,
			EventsProcessed:    result.EventsProcessed,
			EventsCreated:      result.Created,
			EventsUpdated:      result.Updated,
			EventsSkipped:      result.Skipped,
			DuplicatesResolved: result.DuplicatesResolved,
			Errors:             result.Errors,
			Message:            result.Message,
			Duration:           result.Duration,
			StartedAt:          result.StartedAt,
		}
		if err := o.runs.CreateSyncRun(run); err != nil {
			log.Printf("Failed to record sync run: %v", err)
		}
	}

	if o.metrics != nil {
		o.metrics.ObserveRun(result.CalendarID, result.Success, result.Created, result.Updated, result.Skipped, len(result.Errors), result.Duration)
	}

	if o.notifier != nil {
		if result.Success {
			o.notifier.SendRecoveryAlert(ctx, result.CalendarID)
		} else {
			o.notifier.SendFailureAlert(ctx, notify.AlertTypeSyncFailed, result.CalendarID,
				fmt.Sprintf("Sync failed for calendar %s", result.CalendarID), result.Message)
		}
	}

	if o.tracker != nil {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, fmt.Sprintf("%s %s: %s", e.Action, e.EventID, e.Message))
		}
		o.tracker.Finish(result.ID, result.Success, result.Message, msgs)
	}
}
