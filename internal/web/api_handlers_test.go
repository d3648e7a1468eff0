package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calfeedsync/internal/activity"
	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/cleanup"
	"github.com/macjediwizard/calfeedsync/internal/db"
	"github.com/macjediwizard/calfeedsync/internal/metrics"
	"github.com/macjediwizard/calfeedsync/internal/reconcile"
	"github.com/macjediwizard/calfeedsync/internal/scheduler"
)

const testCalendar = "/cal/work/"

var (
	testNow   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	meetingAt = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
)

type stubRunner struct {
	calendarID string
	ran        chan struct{}
}

func (r *stubRunner) CalendarID() string { return r.calendarID }

func (r *stubRunner) Run(ctx context.Context) *reconcile.Result {
	defer func() { r.ran <- struct{}{} }()
	return &reconcile.Result{CalendarID: r.calendarID, Success: true}
}

// testServer holds test dependencies.
type testServer struct {
	db        *db.DB
	store     *calstore.MemoryStore
	scheduler *scheduler.Scheduler
	runner    *stubRunner
	router    *gin.Engine
}

func setupTestServer(t *testing.T, apiToken string) *testServer {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calfeedsync-web-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(tempDir)
	})

	store := calstore.NewMemoryStore()
	tracker := activity.NewTracker()
	svc := cleanup.NewService(cleanup.Config{
		FuzzyThreshold: 0.85,
		FuzzyTolerance: 15 * time.Minute,
		MaxDeletions:   100,
		PastWindow:     7 * 24 * time.Hour,
		FutureWindow:   90 * 24 * time.Hour,
	}, calstore.NewStaticProvider(store), database, tracker,
		cleanup.WithClock(func() time.Time { return testNow }))

	sched := scheduler.New()
	runner := &stubRunner{calendarID: testCalendar, ran: make(chan struct{}, 1)}
	if err := sched.AddJob("@every 1h", runner); err != nil {
		t.Fatalf("failed to add job: %v", err)
	}

	router := gin.New()
	h := NewHandlers(database, sched, svc, tracker, testCalendar)
	SetupRoutes(router, h, RouteConfig{
		APIToken:   apiToken,
		RPS:        1000,
		Burst:      1000,
		CleanupRPS: 1000,
		Metrics:    metrics.New().Handler(),
	})

	return &testServer{db: database, store: store, scheduler: sched, runner: runner, router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
}

func (s *testServer) seedDuplicates() {
	for i, created := range []time.Time{testNow.Add(-48 * time.Hour), testNow.Add(-24 * time.Hour)} {
		s.store.Seed(testCalendar, calstore.Event{
			ExternalID: []string{"keep", "extra"}[i],
			Title:      "Quarterly Review",
			Start:      meetingAt,
			End:        meetingAt.Add(time.Hour),
			Created:    created,
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := setupTestServer(t, "")

	w := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report map[string]any
	decode(t, w, &report)
	if report["status"] != "healthy" || report["database"] != "ok" {
		t.Errorf("unexpected report %v", report)
	}
	if report["sync_jobs"] != float64(1) {
		t.Errorf("expected 1 sync job, got %v", report["sync_jobs"])
	}

	if w := s.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 from liveness, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "calfeedsync_") {
		t.Errorf("expected metrics exposition, got %d", w.Code)
	}

	if w := s.do(t, http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRunEndpoints(t *testing.T) {
	s := setupTestServer(t, "")

	t.Run("latest without runs", func(t *testing.T) {
		if w := s.do(t, http.MethodGet, "/api/runs/latest", nil); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	started := testNow.Add(-time.Hour)
	for i, ok := range []bool{true, false} {
		run := &db.SyncRun{
			CalendarID:      testCalendar,
			State:           "completed",
			Success:         ok,
			EventsProcessed: 5,
			EventsCreated:   4,
			Duration:        1500 * time.Millisecond,
			StartedAt:       started.Add(time.Duration(i) * time.Minute),
		}
		if !ok {
			run.Errors = []db.RunError{{EventID: "evt-3", Action: "create", Message: "rate limited"}}
		}
		if err := s.db.CreateSyncRun(run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	t.Run("list", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/runs?limit=10", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Runs []APISyncRun `json:"runs"`
		}
		decode(t, w, &resp)
		if len(resp.Runs) != 2 {
			t.Fatalf("expected 2 runs, got %d", len(resp.Runs))
		}
		if resp.Runs[0].Success {
			t.Error("expected newest run first")
		}
		if resp.Runs[1].DurationSecs != 1.5 {
			t.Errorf("expected 1.5s duration, got %v", resp.Runs[1].DurationSecs)
		}
	})

	t.Run("latest", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/runs/latest", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var run APISyncRun
		decode(t, w, &run)
		if run.Success || len(run.Errors) != 1 || run.Errors[0].EventID != "evt-3" {
			t.Errorf("unexpected latest run %+v", run)
		}
	})
}

func TestTriggerSync(t *testing.T) {
	s := setupTestServer(t, "")

	if w := s.do(t, http.MethodPost, "/api/sync", APISyncRequest{CalendarID: "/cal/unknown/"}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown calendar, got %d", w.Code)
	}

	release, ok := s.scheduler.TryAcquire(testCalendar)
	if !ok {
		t.Fatal("expected lock to be free")
	}
	if w := s.do(t, http.MethodPost, "/api/sync", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", w.Code)
	}
	release()

	if w := s.do(t, http.MethodPost, "/api/sync", nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	select {
	case <-s.runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered run never happened")
	}
}

func TestCleanupFlow(t *testing.T) {
	s := setupTestServer(t, "")
	s.seedDuplicates()

	w := s.do(t, http.MethodPost, "/api/cleanup/analyze", APIAnalyzeRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var analysis struct {
		Count  int `json:"count"`
		Groups []struct {
			MatchType  string         `json:"match_type"`
			Confidence int            `json:"confidence"`
			Primary    calstore.Event `json:"primary"`
		} `json:"groups"`
	}
	decode(t, w, &analysis)
	if analysis.Count != 1 || analysis.Groups[0].MatchType != "exact" || analysis.Groups[0].Confidence != 100 {
		t.Fatalf("unexpected analysis %+v", analysis)
	}
	if analysis.Groups[0].Primary.ExternalID != "keep" {
		t.Errorf("expected oldest event as primary, got %s", analysis.Groups[0].Primary.ExternalID)
	}

	w = s.do(t, http.MethodPost, "/api/cleanup", APICleanupRequest{
		Options: cleanup.Options{Mode: db.ModeApply, Backup: true},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result struct {
		OperationID string             `json:"operation_id"`
		Status      db.OperationStatus `json:"status"`
		BackupID    string             `json:"backup_id"`
		Deleted     int                `json:"deleted"`
	}
	decode(t, w, &result)
	if result.Deleted != 1 || result.BackupID == "" || result.Status != db.StatusCompleted {
		t.Fatalf("unexpected cleanup result %+v", result)
	}
	if _, ok := s.store.Get(testCalendar, "extra"); ok {
		t.Error("expected duplicate to be deleted")
	}

	w = s.do(t, http.MethodGet, "/api/operations", nil)
	var list struct {
		Operations []db.CleanupOperation `json:"operations"`
	}
	decode(t, w, &list)
	if len(list.Operations) != 1 || list.Operations[0].ID != result.OperationID {
		t.Errorf("unexpected operations %+v", list.Operations)
	}

	w = s.do(t, http.MethodGet, "/api/operations/"+result.OperationID+"/backup.ics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/calendar") {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "UID:extra") {
		t.Errorf("expected backed-up event in export, got %s", w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/api/operations/"+result.OperationID+"/restore", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var restored cleanup.RestoreResult
	decode(t, w, &restored)
	if restored.Restored != 1 {
		t.Errorf("expected 1 restored, got %+v", restored)
	}
	if got := len(s.store.All(testCalendar)); got != 2 {
		t.Errorf("expected 2 events after restore, got %d", got)
	}

	t.Run("cancel finished operation", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/operations/"+result.OperationID+"/cancel", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})
}

func TestCleanupErrors(t *testing.T) {
	s := setupTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"invalid mode", http.MethodPost, "/api/cleanup", map[string]any{"mode": "purge"}, http.StatusBadRequest},
		{"bad window", http.MethodPost, "/api/cleanup/analyze", map[string]any{"from": "2024-03-10T00:00:00Z", "to": "2024-03-01T00:00:00Z"}, http.StatusBadRequest},
		{"unknown operation", http.MethodGet, "/api/operations/missing", nil, http.StatusNotFound},
		{"restore unknown", http.MethodPost, "/api/operations/missing/restore", nil, http.StatusNotFound},
		{"export unknown", http.MethodGet, "/api/operations/missing/backup.ics", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/operations/missing/cancel", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	t.Run("apply while calendar busy", func(t *testing.T) {
		release, ok := s.scheduler.TryAcquire(testCalendar)
		if !ok {
			t.Fatal("expected lock to be free")
		}
		defer release()

		w := s.do(t, http.MethodPost, "/api/cleanup", map[string]any{"mode": "apply"})
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
		w = s.do(t, http.MethodPost, "/api/cleanup", map[string]any{"mode": "preview"})
		if w.Code != http.StatusOK {
			t.Errorf("expected preview to run while busy, got %d", w.Code)
		}
	})
}

func TestAPIRequiresToken(t *testing.T) {
	s := setupTestServer(t, "s3cret")

	if w := s.do(t, http.MethodGet, "/api/runs", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("expected health to stay open, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/activity", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
}
