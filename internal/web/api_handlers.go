package web

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calfeedsync/internal/cleanup"
	"github.com/macjediwizard/calfeedsync/internal/db"
	"github.com/macjediwizard/calfeedsync/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// APISyncRun represents a sync run in JSON format for the API.
type APISyncRun struct {
	ID                 string        `json:"id"`
	CalendarID         string        `json:"calendar_id"`
	State              string        `json:"state"`
	Success            bool          `json:"success"`
	EventsProcessed    int           `json:"events_processed"`
	EventsCreated      int           `json:"events_created"`
	EventsUpdated      int           `json:"events_updated"`
	EventsSkipped      int           `json:"events_skipped"`
	DuplicatesResolved int           `json:"duplicates_resolved"`
	Errors             []db.RunError `json:"errors"`
	Message            string        `json:"message"`
	DurationSecs       float64       `json:"duration_secs"`
	StartedAt          string        `json:"started_at"`
}

// APISyncRequest names the calendar to sync.
type APISyncRequest struct {
	CalendarID string `json:"calendar_id"`
}

// APIAnalyzeRequest selects calendars and filters for duplicate analysis.
type APIAnalyzeRequest struct {
	CalendarIDs []string        `json:"calendar_ids"`
	Filters     cleanup.Filters `json:"filters"`
	From        *time.Time      `json:"from,omitempty"`
	To          *time.Time      `json:"to,omitempty"`
}

// APICleanupRequest selects calendars and cleanup options.
type APICleanupRequest struct {
	CalendarIDs []string `json:"calendar_ids"`
	cleanup.Options
}

func syncRunToAPI(r *db.SyncRun) *APISyncRun {
	errs := r.Errors
	if errs == nil {
		errs = []db.RunError{}
	}
	return &APISyncRun{
		ID:                 r.ID,
		CalendarID:         r.CalendarID,
		State:              r.State,
		Success:            r.Success,
		EventsProcessed:    r.EventsProcessed,
		EventsCreated:      r.EventsCreated,
		EventsUpdated:      r.EventsUpdated,
		EventsSkipped:      r.EventsSkipped,
		DuplicatesResolved: r.DuplicatesResolved,
		Errors:             errs,
		Message:            r.Message,
		DurationSecs:       r.Duration.Seconds(),
		StartedAt:          r.StartedAt.UTC().Format(time.RFC3339),
	}
}

// bindOptionalJSON binds the body when there is one.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryLimit(c *gin.Context) int {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// APIListRuns returns recent sync runs, newest first.
func (h *Handlers) APIListRuns(c *gin.Context) {
	runs, err := h.db.GetSyncRuns(c.Query("calendar"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load runs")})
		return
	}

	apiRuns := make([]*APISyncRun, len(runs))
	for i, r := range runs {
		apiRuns[i] = syncRunToAPI(r)
	}
	c.JSON(http.StatusOK, gin.H{"runs": apiRuns})
}

// APILatestRun returns the most recent run for a calendar.
func (h *Handlers) APILatestRun(c *gin.Context) {
	calendarID := c.Query("calendar")
	if calendarID == "" {
		calendarID = h.calendarID
	}

	run, err := h.db.GetLatestSyncRun(calendarID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No runs recorded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load run")})
		return
	}
	c.JSON(http.StatusOK, syncRunToAPI(run))
}

// APITriggerSync starts a sync run in the background.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	var req APISyncRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.CalendarID == "" {
		req.CalendarID = h.calendarID
	}

	if err := h.scheduler.TriggerSync(req.CalendarID); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownCalendar):
			c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not configured"})
		case errors.Is(err, scheduler.ErrCalendarBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "A run is already in progress for this calendar"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to trigger sync")})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered", "calendar_id": req.CalendarID})
}

// APIAnalyze returns duplicate groups without changing anything.
func (h *Handlers) APIAnalyze(c *gin.Context) {
	var req APIAnalyzeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.From != nil && req.To != nil {
		if !req.To.After(*req.From) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
			return
		}
		req.Filters.Window.Start = *req.From
		req.Filters.Window.End = *req.To
	}

	groups, err := h.cleanup.Analyze(c.Request.Context(), h.calendars(req.CalendarIDs), req.Filters)
	if err != nil {
		writeServiceError(c, err, "Failed to analyze calendars")
		return
	}
	if groups == nil {
		groups = []cleanup.DuplicateGroup{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

// APICleanup deletes duplicates, or previews the deletions.
func (h *Handlers) APICleanup(c *gin.Context) {
	var req APICleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Mode == "" {
		req.Mode = db.ModePreview
	}
	calendarIDs := h.calendars(req.CalendarIDs)

	if req.Mode == db.ModeApply {
		release, busy := h.lockCalendars(calendarIDs)
		if release == nil {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("A run is already in progress for calendar %s", busy)})
			return
		}
		defer release()
	}

	result, err := h.cleanup.Cleanup(c.Request.Context(), calendarIDs, req.Options)
	if err != nil {
		writeServiceError(c, err, "Cleanup failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// APIListOperations returns recent cleanup and restore operations.
func (h *Handlers) APIListOperations(c *gin.Context) {
	ops, err := h.cleanup.Operations(queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load operations")})
		return
	}
	if ops == nil {
		ops = []*db.CleanupOperation{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// APIGetOperation returns one operation.
func (h *Handlers) APIGetOperation(c *gin.Context) {
	op, err := h.cleanup.Operation(c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "Failed to load operation")
		return
	}
	c.JSON(http.StatusOK, op)
}

// APICancelOperation requests cancellation of a running operation.
func (h *Handlers) APICancelOperation(c *gin.Context) {
	if err := h.cleanup.Cancel(c.Param("id")); err != nil {
		writeServiceError(c, err, "Failed to cancel operation")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Cancellation requested"})
}

// APIRestoreOperation recreates the events backed up by an operation.
func (h *Handlers) APIRestoreOperation(c *gin.Context) {
	op, err := h.cleanup.Operation(c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "Failed to load operation")
		return
	}

	release, busy := h.lockCalendars(op.CalendarIDs)
	if release == nil {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("A run is already in progress for calendar %s", busy)})
		return
	}
	defer release()

	result, err := h.cleanup.Restore(c.Request.Context(), op.ID)
	if err != nil {
		writeServiceError(c, err, "Restore failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// APIExportBackup downloads an operation's backup as an iCalendar file.
func (h *Handlers) APIExportBackup(c *gin.Context) {
	id := c.Param("id")
	entries, err := h.cleanup.BackupEntries(id)
	if err != nil {
		writeServiceError(c, err, "Failed to load backup")
		return
	}

	var buf bytes.Buffer
	if err := cleanup.ExportBackup(&buf, entries); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to export backup")})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="backup-%s.ics"`, id))
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", buf.Bytes())
}

// APIActivity returns live and recently finished runs.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.GetAll())
}
