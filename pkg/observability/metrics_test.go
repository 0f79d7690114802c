package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RunFinished("Done", 3*time.Second)
	m.RunFinished("Error", time.Second)
	m.UserApplied("created")
	m.UserApplied("created")
	m.CredentialsMaterialized(4, 1)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("Done")); got != 1 {
		t.Fatalf("expected 1 done run, got %v", got)
	}
	if got := testutil.ToFloat64(m.UsersTotal.WithLabelValues("created")); got != 2 {
		t.Fatalf("expected 2 created users, got %v", got)
	}
	if got := testutil.ToFloat64(m.CredentialsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed credential, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics(nil)
	m.RunFinished("Done", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `dirsync_runs_total{status="Done"} 1`) {
		t.Fatalf("expected run counter in output")
	}
}
