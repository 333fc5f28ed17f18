package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/greenbasket/api/internal/domain"
)

func okDependency(name string, critical bool) Dependency {
	return Dependency{Name: name, Critical: critical, Check: func(context.Context) error { return nil }}
}

func failingDependency(name string, critical bool, err error) Dependency {
	return Dependency{Name: name, Critical: critical, Check: func(context.Context) error { return err }}
}

func TestHealthReportAllHealthy(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		Dependencies: []Dependency{okDependency("firestore", true), okDependency("redis", false)},
		Build:        BuildInfo{Version: "1.4.0", CommitSHA: "9f1c2e", Environment: "prod", StartedAt: start},
		Clock:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK || len(report.Checks) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "9f1c2e" || report.Environment != "prod" {
		t.Fatalf("expected build metadata, got %+v", report)
	}
	if report.Uptime != 5*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected uptime %s or timestamp %s", report.Uptime, report.GeneratedAt)
	}
}

func TestHealthReportOptionalFailureDegrades(t *testing.T) {
	svc, _ := NewSystemService(SystemServiceDeps{
		Dependencies: []Dependency{okDependency("firestore", true), failingDependency("redis", false, errors.New("connection refused"))},
	})
	report, _ := svc.HealthReport(context.Background())
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if check := report.Checks["redis"]; check.Status != domain.HealthStatusDegraded || check.Error != "connection refused" {
		t.Fatalf("unexpected redis check %+v", check)
	}
}

func TestHealthReportCriticalFailureErrors(t *testing.T) {
	svc, _ := NewSystemService(SystemServiceDeps{
		Dependencies: []Dependency{
			failingDependency("firestore", true, errors.New("unavailable")),
			failingDependency("pubsub", false, errors.New("topic missing")),
		},
	})
	report, _ := svc.HealthReport(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
}

func TestHealthReportCheckTimeout(t *testing.T) {
	svc, _ := NewSystemService(SystemServiceDeps{
		Dependencies: []Dependency{{
			Name:     "firestore",
			Critical: true,
			Timeout:  10 * time.Millisecond,
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}},
	})
	report, _ := svc.HealthReport(context.Background())
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("expected timeout error, got %+v", check)
	}
}

func TestNewSystemServiceValidatesDependencies(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{Dependencies: []Dependency{{Name: "firestore"}}}); err == nil {
		t.Fatalf("expected missing check to fail")
	}
	if _, err := NewSystemService(SystemServiceDeps{Dependencies: []Dependency{okDependency("redis", false), okDependency("redis", false)}}); err == nil {
		t.Fatalf("expected duplicate dependency to fail")
	}
	svc, err := NewSystemService(SystemServiceDeps{})
	if err != nil {
		t.Fatalf("expected empty dependency set to be allowed: %v", err)
	}
	report, _ := svc.HealthReport(context.Background())
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok without dependencies, got %s", report.Status)
	}
}
