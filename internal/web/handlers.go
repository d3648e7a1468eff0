package web

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calfeedsync/internal/activity"
	"github.com/macjediwizard/calfeedsync/internal/cleanup"
	"github.com/macjediwizard/calfeedsync/internal/db"
	"github.com/macjediwizard/calfeedsync/internal/scheduler"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db         *db.DB
	scheduler  *scheduler.Scheduler
	cleanup    *cleanup.Service
	tracker    *activity.Tracker
	calendarID string
	startedAt  time.Time
}

// NewHandlers creates a new Handlers instance. calendarID is used when a
// request does not name a calendar.
func NewHandlers(
	database *db.DB,
	sched *scheduler.Scheduler,
	cleanupSvc *cleanup.Service,
	tracker *activity.Tracker,
	calendarID string,
) *Handlers {
	return &Handlers{
		db:         database,
		scheduler:  sched,
		cleanup:    cleanupSvc,
		tracker:    tracker,
		calendarID: calendarID,
		startedAt:  time.Now(),
	}
}

// HealthCheck reports database reachability and scheduler state.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := gin.H{
		"status":    "healthy",
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"sync_jobs": h.scheduler.GetJobCount(),
	}

	if err := h.db.Ping(); err != nil {
		log.Printf("Health check: database ping failed: %v", err)
		report["status"] = "unhealthy"
		report["database"] = "unreachable"
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	report["database"] = "ok"

	if next, ok := h.scheduler.NextRun(h.calendarID); ok && !next.IsZero() {
		report["next_sync"] = next.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// sanitizeError logs the internal error and returns the user-safe message.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// writeServiceError maps service and store errors onto HTTP statuses.
func writeServiceError(c *gin.Context, err error, userMessage string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Operation not found"})
		return
	case errors.Is(err, cleanup.ErrInvalidMode), errors.Is(err, cleanup.ErrNoCalendars):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, cleanup.ErrNoBackup):
		c.JSON(http.StatusNotFound, gin.H{"error": "Operation has no backup"})
		return
	case errors.Is(err, cleanup.ErrRestoreInProgress), errors.Is(err, db.ErrTerminal):
		status = http.StatusConflict
		userMessage = err.Error()
	}
	c.JSON(status, gin.H{"error": sanitizeError(err, userMessage)})
}

// calendars returns ids, or the default calendar when ids is empty.
func (h *Handlers) calendars(ids []string) []string {
	if len(ids) == 0 && h.calendarID != "" {
		return []string{h.calendarID}
	}
	return ids
}

// lockCalendars takes the run lock of every calendar. On contention it
// releases what it took and returns the busy calendar.
func (h *Handlers) lockCalendars(ids []string) (func(), string) {
	var releases []func()
	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		release, ok := h.scheduler.TryAcquire(id)
		if !ok {
			releaseAll()
			return nil, id
		}
		releases = append(releases, release)
	}
	return releaseAll, ""
}
