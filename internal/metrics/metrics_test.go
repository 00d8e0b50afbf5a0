package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorsRegisterAndServe(t *testing.T) {
	m := New()
	m.Requests.WithLabelValues("verify", "OK").Inc()
	m.ActiveRuns.Set(3)
	m.LiveWorkspaces.Inc()
	m.RunDuration.Observe(1.5)
	m.ArchivedFiles.Inc()
	m.ArchivedReports.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`verify_requests_total{status="OK",type="verify"} 1`,
		"verify_active_runs 3",
		"verify_live_workspaces 1",
		"verify_archived_files_total 1",
		"verify_archived_reports_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	// Private registries: constructing twice must not panic on duplicate
	// registration.
	_ = New()
	_ = New()
}
