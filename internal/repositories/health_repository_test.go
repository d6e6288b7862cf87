package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/synclune/api/internal/domain"
)

func TestReadinessProbeSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name:     "mysql",
			Critical: true,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(5 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{
			Name:  "pubsub",
			Check: func(context.Context) error { return nil },
		},
	}

	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	probe, err := NewReadinessProbe(checks, WithProbeClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Status != domain.HealthStatusOK || !report.Ready() {
		t.Fatalf("expected ok report, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.CheckedAt != now {
			t.Fatalf("expected check %s checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
}

func TestReadinessProbeNonCriticalFailureDegrades(t *testing.T) {
	expected := errors.New("broker down")
	probe, err := NewReadinessProbe([]DependencyCheck{
		{Name: "mysql", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "amqp", Check: func(context.Context) error { return expected }},
	})
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if !report.Ready() {
		t.Fatalf("degraded report should still be ready")
	}
	if got := report.Checks["amqp"].Error; got != expected.Error() {
		t.Fatalf("expected error %q, got %q", expected.Error(), got)
	}
}

func TestReadinessProbeCriticalFailure(t *testing.T) {
	probe, err := NewReadinessProbe([]DependencyCheck{
		{Name: "mysql", Critical: true, Check: func(context.Context) error { return errors.New("refused") }},
	})
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Ready() {
		t.Fatalf("expected report not ready")
	}
}

func TestReadinessProbeTimeout(t *testing.T) {
	probe, err := NewReadinessProbe([]DependencyCheck{
		{
			Name:    "secrets",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(200 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewReadinessProbe: %v", err)
	}

	report, err := probe.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	check := report.Checks["secrets"]
	if check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("expected timeout error, got %s/%s", check.Status, check.Detail)
	}
}

func TestNewReadinessProbeRejectsInvalidChecks(t *testing.T) {
	if _, err := NewReadinessProbe(nil); err == nil {
		t.Fatalf("expected error for empty check set")
	}
	if _, err := NewReadinessProbe([]DependencyCheck{{Name: "mysql"}}); err == nil {
		t.Fatalf("expected error for missing check function")
	}
}
