package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

// BuildInfo is reported by /healthz and attached to readiness reports.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	probes    repositories.HealthRepository
	clock     func() time.Time
	build     BuildInfo
	startedAt time.Time
}

var _ SystemService = (*systemService)(nil)

// statusSeverity orders check outcomes; the report takes the worst one.
var statusSeverity = map[string]int{
	"":                          0,
	domain.HealthStatusOK:       0,
	domain.HealthStatusDegraded: 1,
	domain.HealthStatusError:    2,
}

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	started := deps.Build.StartedAt
	if started.IsZero() {
		started = clock()
	}
	return &systemService{
		probes:    deps.HealthRepository,
		clock:     clock,
		build:     deps.Build,
		startedAt: started.UTC(),
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, fmt.Errorf("system: collect health: %w", err)
	}

	now := s.clock().UTC()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}

	return SystemHealthReport{
		HealthReport: report,
		Version:      s.build.Version,
		Environment:  s.build.Environment,
		Uptime:       now.Sub(s.startedAt),
	}, nil
}

// worstStatus treats unrecognised statuses as degraded.
func worstStatus(checks map[string]domain.HealthCheck) string {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		rank, known := statusSeverity[check.Status]
		if !known {
			rank = statusSeverity[domain.HealthStatusDegraded]
		}
		if rank > statusSeverity[worst] {
			worst = check.Status
			if !known {
				worst = domain.HealthStatusDegraded
			}
		}
	}
	return worst
}
