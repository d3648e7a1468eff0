package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/calfeedsync/internal/reconcile"
	"github.com/robfig/cron/v3"
)

const (
	syncTimeout = 10 * time.Minute // Maximum time for a single sync run
	taskTimeout = 2 * time.Minute
)

var (
	ErrUnknownCalendar = errors.New("no sync job for calendar")
	ErrCalendarBusy    = errors.New("another run is already in progress for calendar")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Runner performs one reconciliation run for a calendar.
type Runner interface {
	CalendarID() string
	Run(ctx context.Context) *reconcile.Result
}

// TaskFunc is a periodic maintenance task.
type TaskFunc func(ctx context.Context) error

// Job represents a scheduled sync job.
type Job struct {
	calendarID string
	spec       string
	entryID    cron.EntryID
	runner     Runner
}

// Scheduler drives sync runs and maintenance tasks on cron schedules and
// ensures a single active run per calendar.
type Scheduler struct {
	cron        *cron.Cron
	syncTimeout time.Duration

	mu        sync.RWMutex
	jobs      map[string]*Job
	tasks     map[string]cron.EntryID
	syncLocks map[string]*sync.Mutex // Per-calendar locks shared by sync and cleanup
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSyncTimeout bounds a single scheduled run.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.syncTimeout = d
	}
}

// WithLocation evaluates schedules in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = cron.New(cron.WithLocation(loc))
	}
}

// New creates a new scheduler.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:        cron.New(),
		syncTimeout: syncTimeout,
		jobs:        make(map[string]*Job),
		tasks:       make(map[string]cron.EntryID),
		syncLocks:   make(map[string]*sync.Mutex),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins firing scheduled jobs and tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := len(s.jobs)
	tasks := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("Scheduler started with %d sync jobs and %d tasks", jobs, tasks)
}

// Stop halts the schedule, cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// AddJob adds or replaces the sync job for the runner's calendar.
func (s *Scheduler) AddJob(spec string, runner Runner) error {
	calendarID := runner.CalendarID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[calendarID]; ok {
		s.cron.Remove(existing.entryID)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.executeSync(runner)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}

	s.jobs[calendarID] = &Job{
		calendarID: calendarID,
		spec:       spec,
		entryID:    entryID,
		runner:     runner,
	}
	log.Printf("Added sync job for calendar %s with schedule %s", calendarID, spec)
	return nil
}

// RemoveJob removes a sync job.
func (s *Scheduler) RemoveJob(calendarID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[calendarID]; ok {
		s.cron.Remove(job.entryID)
		delete(s.jobs, calendarID)
		log.Printf("Removed sync job for calendar %s", calendarID)
	}
}

// AddTask schedules a named maintenance task, replacing one with the same name.
func (s *Scheduler) AddTask(name, spec string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[name]; ok {
		s.cron.Remove(existing)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.executeTask(name, fn)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}
	s.tasks[name] = entryID
	return nil
}

// TriggerSync starts a run for calendarID in the background. It fails fast
// when the calendar is already busy.
func (s *Scheduler) TriggerSync(calendarID string) error {
	s.mu.RLock()
	job, ok := s.jobs[calendarID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCalendar, calendarID)
	}

	release, ok := s.TryAcquire(calendarID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCalendarBusy, calendarID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		s.run(job.runner)
	}()
	return nil
}

// TryAcquire takes the per-calendar run lock without blocking. The returned
// release func must be called when the run ends.
func (s *Scheduler) TryAcquire(calendarID string) (func(), bool) {
	lock := s.getSyncLock(calendarID)
	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// IsBusy reports whether a run currently holds the calendar's lock.
func (s *Scheduler) IsBusy(calendarID string) bool {
	release, ok := s.TryAcquire(calendarID)
	if !ok {
		return true
	}
	release()
	return false
}

// NextRun returns when the calendar's sync job fires next.
func (s *Scheduler) NextRun(calendarID string) (time.Time, bool) {
	s.mu.RLock()
	job, ok := s.jobs[calendarID]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(job.entryID).Next, true
}

// GetJobCount returns the number of scheduled sync jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Calendars returns the calendar ids with a scheduled sync job.
func (s *Scheduler) Calendars() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// getSyncLock returns the mutex for a calendar, creating one if needed.
func (s *Scheduler) getSyncLock(calendarID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[calendarID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.syncLocks[calendarID] = lock
	return lock
}

// executeSync is the cron entry point for a sync job.
func (s *Scheduler) executeSync(runner Runner) {
	calendarID := runner.CalendarID()

	// Skip if another run is in progress
	release, ok := s.TryAcquire(calendarID)
	if !ok {
		log.Printf("Skipping sync for calendar %s - another run is already in progress", calendarID)
		return
	}
	defer release()

	s.wg.Add(1)
	defer s.wg.Done()
	s.run(runner)
}

func (s *Scheduler) run(runner Runner) {
	calendarID := runner.CalendarID()
	log.Printf("Starting sync for calendar %s", calendarID)

	ctx, cancel := context.WithTimeout(s.ctx, s.syncTimeout)
	defer cancel()

	result := runner.Run(ctx)

	if result.Success {
		log.Printf("Sync completed for calendar %s: %d created, %d updated, %d skipped in %v",
			calendarID, result.Created, result.Updated, result.Skipped, result.Duration)
	} else {
		log.Printf("Sync failed for calendar %s: %s", calendarID, result.Message)
	}
}

func (s *Scheduler) executeTask(name string, fn TaskFunc) {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Printf("Task %s failed: %v", name, err)
	}
}
