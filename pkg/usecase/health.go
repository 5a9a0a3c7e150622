package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"

	"github.com/mergegate/mergegate/pkg/domain/model"
)

// HealthCheck probes one dependency. A nil return means healthy.
type HealthCheck func(ctx context.Context) error

// HealthMonitor runs registered probes and keeps the latest result per
// dependency. Probe state is process-local.
type HealthMonitor struct {
	mu       sync.Mutex
	checks   map[string]HealthCheck
	results  map[string]model.HealthCheckResult
	failures map[string]int

	failureThreshold int
	probeTimeout     time.Duration
	now              func() time.Time
}

type HealthMonitorOption func(*HealthMonitor)

// WithFailureThreshold sets how many consecutive probe failures mark a
// dependency unhealthy. Fewer failures report degraded.
func WithFailureThreshold(n int) HealthMonitorOption {
	return func(m *HealthMonitor) { m.failureThreshold = n }
}

func WithProbeTimeout(d time.Duration) HealthMonitorOption {
	return func(m *HealthMonitor) { m.probeTimeout = d }
}

func WithHealthClock(now func() time.Time) HealthMonitorOption {
	return func(m *HealthMonitor) { m.now = now }
}

func NewHealthMonitor(opts ...HealthMonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		checks:           make(map[string]HealthCheck),
		results:          make(map[string]model.HealthCheckResult),
		failures:         make(map[string]int),
		failureThreshold: 3,
		probeTimeout:     5 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a named probe. Re-registering a name replaces it.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// RunChecks probes every registered dependency and records the results.
func (m *HealthMonitor) RunChecks(ctx context.Context) []model.HealthCheckResult {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	m.mu.Unlock()

	results := make([]model.HealthCheckResult, 0, len(names))
	for _, name := range names {
		result := m.probe(ctx, name)
		results = append(results, result)

		m.mu.Lock()
		m.results[name] = result
		m.mu.Unlock()

		if result.Status != model.HealthHealthy {
			ctxlog.From(ctx).Warn("health check not healthy",
				"name", name,
				"status", result.Status,
				"latency", result.Latency,
				"message", result.Message,
			)
		}
	}
	return results
}

func (m *HealthMonitor) probe(ctx context.Context, name string) model.HealthCheckResult {
	m.mu.Lock()
	check, ok := m.checks[name]
	m.mu.Unlock()
	if !ok {
		return model.HealthCheckResult{Name: name, Status: model.HealthUnknown, CheckedAt: m.now()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := m.now()
	err := check(probeCtx)
	latency := m.now().Sub(start)

	result := model.HealthCheckResult{
		Name:      name,
		Latency:   latency,
		CheckedAt: start,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures[name]++
		result.ConsecutiveFailures = m.failures[name]
		result.Message = err.Error()
		// A single blip reports degraded; only sustained failure
		// marks the dependency unhealthy.
		if m.failures[name] >= m.failureThreshold {
			result.Status = model.HealthUnhealthy
		} else {
			result.Status = model.HealthDegraded
		}
		return result
	}

	m.failures[name] = 0
	result.Status = model.HealthHealthy
	return result
}

// Overall returns the worst status among the latest results, or
// unknown before the first sweep.
func (m *HealthMonitor) Overall() model.ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]model.ServiceHealth, 0, len(m.results))
	for _, r := range m.results {
		statuses = append(statuses, r.Status)
	}
	return model.WorstHealth(statuses)
}

// Results returns a snapshot of the latest result per dependency,
// sorted by name.
func (m *HealthMonitor) Results() []model.HealthCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.HealthCheckResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
