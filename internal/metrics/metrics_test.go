package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleMetrics(t *testing.T) {
	UnitsFailed.Add(2)
	defer UnitsFailed.Add(-2)

	rec := httptest.NewRecorder()
	HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "fleetcalc_units_failed_total ") {
		t.Fatalf("missing failed counter in %q", body)
	}
	if !strings.Contains(body, "fleetcalc_lock_contended_total") {
		t.Fatalf("missing lock counter")
	}
}
