package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.DependencyHealth{
				"firestore": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "1.2.3", Environment: "prod", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Errorf("expected ok status, got %s", report.Status)
	}
	if report.Version != "1.2.3" || report.Environment != "prod" {
		t.Errorf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 5*time.Minute {
		t.Errorf("expected uptime 5m, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Errorf("expected generated at %s, got %s", now, report.GeneratedAt)
	}
	if repo.calls != 1 {
		t.Errorf("expected one collect call, got %d", repo.calls)
	}
}

func TestSystemServiceDerivesWorstStatus(t *testing.T) {
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.DependencyHealth{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusDegraded},
			},
		},
	}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Errorf("expected degraded, got %s", report.Status)
	}

	repo.report.Checks["firestore"] = domain.DependencyHealth{Status: domain.HealthStatusError}
	repo.report.Status = ""
	report, _ = svc.HealthReport(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Errorf("expected error, got %s", report.Status)
	}
}

func TestSystemServicePropagatesCollectError(t *testing.T) {
	want := errors.New("boom")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: want}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected collect error, got %v", err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error without health repository")
	}
}
