package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/greenbasket/api/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// BuildInfo is the release metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// Dependency is one health check. A failing critical dependency (Firestore) makes the process
// unready; a failing optional one (the promotion cache, the event topic) only degrades it.
type Dependency struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(ctx context.Context) error
}

// SystemServiceDeps bundles what NewSystemService needs.
type SystemServiceDeps struct {
	Dependencies []Dependency
	Build        BuildInfo
	Clock        func() time.Time
}

type systemService struct {
	dependencies []Dependency
	build        BuildInfo
	now          func() time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService validates the dependency set.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	seen := make(map[string]bool, len(deps.Dependencies))
	for _, dep := range deps.Dependencies {
		if dep.Name == "" || dep.Check == nil {
			return nil, errors.New("system service: dependencies need a name and a check")
		}
		if seen[dep.Name] {
			return nil, errors.New("system service: duplicate dependency " + dep.Name)
		}
		seen[dep.Name] = true
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{dependencies: append([]Dependency(nil), deps.Dependencies...), build: build, now: now}, nil
}

// HealthReport checks every dependency concurrently. Failures are reported in the checks, never
// returned as an error.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	var (
		mu     sync.Mutex
		checks = make(map[string]domain.SystemHealthCheck, len(s.dependencies))
		status = domain.HealthStatusOK
	)
	var g errgroup.Group
	for _, dep := range s.dependencies {
		g.Go(func() error {
			check := s.run(ctx, dep)
			mu.Lock()
			defer mu.Unlock()
			checks[dep.Name] = check
			switch {
			case check.Status == domain.HealthStatusOK:
			case dep.Critical:
				status = domain.HealthStatusError
			case status == domain.HealthStatusOK:
				status = domain.HealthStatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()

	now := s.now().UTC()
	return SystemHealthReport{
		Status:      status,
		Version:     s.build.Version,
		CommitSHA:   s.build.CommitSHA,
		Environment: s.build.Environment,
		Uptime:      now.Sub(s.build.StartedAt),
		Checks:      checks,
		GeneratedAt: now,
	}, nil
}

func (s *systemService) run(ctx context.Context, dep Dependency) domain.SystemHealthCheck {
	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	err := dep.Check(ctx)
	end := s.now()
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end.UTC()}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		return check
	}
	check.Error = err.Error()
	check.Detail = err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		check.Detail = "timeout"
	}
	if dep.Critical {
		check.Status = domain.HealthStatusError
	} else {
		check.Status = domain.HealthStatusDegraded
	}
	return check
}
