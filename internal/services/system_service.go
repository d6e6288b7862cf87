package services

import (
	"context"
	"errors"
	"time"

	"github.com/synclune/api/internal/repositories"
)

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Probe repositories.ReadinessProbe
	Clock func() time.Time
	Build BuildInfo
}

type systemService struct {
	probe repositories.ReadinessProbe
	clock func() time.Time
	build BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing readiness reports and metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Probe == nil {
		return nil, errors.New("system service: readiness probe is required")
	}

	clock := utcClock(deps.Clock)
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		probe: deps.Probe,
		clock: clock,
		build: build,
	}, nil
}

func (s *systemService) Readiness(ctx context.Context) (ReadinessReport, error) {
	if ctx == nil {
		return ReadinessReport{}, errors.New("system service: context is required")
	}
	report, err := s.probe.Probe(ctx)
	if err != nil {
		return ReadinessReport{}, err
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.clock()
	}
	return report, nil
}

func (s *systemService) Build() BuildInfo {
	return s.build
}
