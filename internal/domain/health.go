package domain

import "time"

// Health status values reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// DependencyHealth captures the outcome of probing one backing service.
type DependencyHealth struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport aggregates dependency probes.
type ReadinessReport struct {
	Status      string
	Checks      map[string]DependencyHealth
	GeneratedAt time.Time
}

// Ready reports whether traffic may be routed to the instance.
func (r ReadinessReport) Ready() bool {
	return r.Status != HealthStatusError
}
