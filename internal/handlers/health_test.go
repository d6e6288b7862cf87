package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/services"
)

func TestHealthz(t *testing.T) {
	started := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "staging", StartedAt: started}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	expectStatus(t, rr, http.StatusOK)

	var body healthResponse
	decodeBody(t, rr, &body)
	if body.Status != "ok" || body.Version != "1.4.0" || body.Environment != "staging" {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Uptime != "1m30s" {
		t.Fatalf("expected uptime 1m30s, got %q", body.Uptime)
	}
}

func TestReadyz(t *testing.T) {
	checkedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		system *stubSystemService
		status int
		want   string
	}{
		{
			name: "ok",
			system: &stubSystemService{report: services.ReadinessReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.DependencyHealth{"mysql": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond, CheckedAt: checkedAt}},
			}},
			status: http.StatusOK,
			want:   "ok",
		},
		{
			name: "degraded stays in rotation",
			system: &stubSystemService{report: services.ReadinessReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.DependencyHealth{
					"mysql": {Status: domain.HealthStatusOK},
					"redis": {Status: domain.HealthStatusError, Error: "connection refused"},
				},
			}},
			status: http.StatusOK,
			want:   "degraded",
		},
		{
			name: "critical failure",
			system: &stubSystemService{report: services.ReadinessReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.DependencyHealth{"mysql": {Status: domain.HealthStatusError, Error: "timeout"}},
			}},
			status: http.StatusServiceUnavailable,
			want:   "error",
		},
		{
			name:   "probe failure",
			system: &stubSystemService{err: errors.New("probe panicked")},
			status: http.StatusServiceUnavailable,
			want:   "error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.system))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			expectStatus(t, rr, tc.status)

			var body readinessResponse
			decodeBody(t, rr, &body)
			if body.Status != tc.want {
				t.Fatalf("expected status %s, got %s", tc.want, body.Status)
			}
			if tc.name == "degraded stays in rotation" {
				if len(body.Details) != 1 || body.Details[0] != "redis: connection refused" {
					t.Fatalf("unexpected details %v", body.Details)
				}
			}
			if tc.name == "ok" && body.Checks["mysql"].LatencyMS != 3 {
				t.Fatalf("expected latency 3ms, got %+v", body.Checks["mysql"])
			}
		})
	}
}

func TestReadyzWithoutSystemService(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	expectStatus(t, rr, http.StatusOK)
}
