package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/synclune/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck describes one backing service probed by the readiness endpoint.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	// Critical failures mark the whole report as errored; others only degrade it.
	Critical bool
	Check    func(context.Context) error
}

// ReadinessProbe evaluates dependency checks concurrently.
type ReadinessProbe interface {
	Probe(ctx context.Context) (domain.ReadinessReport, error)
}

// ProbeOption customises the readiness probe.
type ProbeOption func(*readinessProbe)

// WithProbeTimeout overrides the timeout applied when a check omits its own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(p *readinessProbe) {
		if timeout > 0 {
			p.defaultTimeout = timeout
		}
	}
}

// WithProbeClock injects a clock, mostly for tests.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(p *readinessProbe) {
		if clock != nil {
			p.now = clock
		}
	}
}

type readinessProbe struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewReadinessProbe validates the check set and returns a probe.
func NewReadinessProbe(checks []DependencyCheck, opts ...ProbeOption) (ReadinessProbe, error) {
	if len(checks) == 0 {
		return nil, errors.New("readiness probe: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("readiness probe: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("readiness probe: dependency %s missing check function", check.Name)
		}
	}

	probe := &readinessProbe{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultProbeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(probe)
		}
	}
	return probe, nil
}

func (p *readinessProbe) Probe(ctx context.Context) (domain.ReadinessReport, error) {
	if ctx == nil {
		return domain.ReadinessReport{}, errors.New("readiness probe: context is required")
	}

	results := make(map[string]domain.DependencyHealth, len(p.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range p.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := p.run(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status != domain.HealthStatusOK {
			status = domain.HealthStatusDegraded
		}
	}

	return domain.ReadinessReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: p.now(),
	}, nil
}

func (p *readinessProbe) run(ctx context.Context, check DependencyCheck) domain.DependencyHealth {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(checkCtx)
	end := p.now()

	result := domain.DependencyHealth{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil && checkCtx.Err() != nil {
		err = checkCtx.Err()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
		result.Error = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
		result.Error = err.Error()
	case check.Critical:
		result.Status = domain.HealthStatusError
		result.Detail = "unavailable"
		result.Error = err.Error()
	default:
		result.Status = domain.HealthStatusDegraded
		result.Detail = "unavailable"
		result.Error = err.Error()
	}
	return result
}
