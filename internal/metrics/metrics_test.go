package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLookup(t *testing.T) {
	before := testutil.ToFloat64(Lookups.WithLabelValues("Test-City", "hit"))
	RecordLookup("Test-City", "hit", 50*time.Microsecond)
	RecordLookup("Test-City", "hit", 70*time.Microsecond)
	if got := testutil.ToFloat64(Lookups.WithLabelValues("Test-City", "hit")); got != before+2 {
		t.Errorf("lookups = %v, want %v", got, before+2)
	}
}

func TestSetInstalled(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	SetInstalled("Test-ASN", ts, 4096)
	if got := testutil.ToFloat64(DatabaseTimestamp.WithLabelValues("Test-ASN")); got != float64(ts.Unix()) {
		t.Errorf("timestamp gauge = %v", got)
	}
	if got := testutil.ToFloat64(DatabaseSize.WithLabelValues("Test-ASN")); got != 4096 {
		t.Errorf("size gauge = %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordHTTP(http.MethodGet, "/api/status", http.StatusOK, time.Millisecond)
	RecordCheck("Test-City", "installed")
	RecordLookup("Test-City", "miss", time.Microsecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"geoipd_http_requests_total",
		"geoipd_update_checks_total",
		"geoipd_lookups_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}
