package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRunAndCleanup(t *testing.T) {
	m := New()
	m.ObserveRun("/cal/work/", false, 4, 0, 0, 1, 2*time.Second)
	m.ObserveRun("/cal/work/", true, 0, 5, 0, 0, time.Second)
	m.ObserveCleanup("completed", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`calfeedsync_sync_runs_total{result="failure"} 1`,
		`calfeedsync_sync_runs_total{result="success"} 1`,
		`calfeedsync_sync_actions_total{action="create"} 4`,
		`calfeedsync_sync_actions_total{action="update"} 5`,
		`calfeedsync_sync_errors_total 1`,
		`calfeedsync_sync_duration_seconds_count 2`,
		`calfeedsync_cleanup_deleted_total 3`,
		`calfeedsync_cleanup_operations_total{status="completed"} 1`,
		`calfeedsync_last_success_timestamp_seconds{calendar="/cal/work/"}`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewUsesPrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	New()
	New()
}
