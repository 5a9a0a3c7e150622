package usecase

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/utils/breaker"
)

// DegradationPolicy maps tenants to their failure handling mode.
type DegradationPolicy struct {
	DefaultMode model.DegradationMode
	Tenants     map[string]model.DegradationMode
}

type degradationPolicyFile struct {
	DefaultMode string            `toml:"default_mode"`
	Tenants     map[string]string `toml:"tenants"`
}

// LoadDegradationPolicy reads a TOML policy file. Unrecognized mode
// strings fall back to fail_neutral.
func LoadDegradationPolicy(path string) (*DegradationPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read degradation policy", goerr.V("path", path))
	}

	var file degradationPolicyFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, goerr.Wrap(err, "failed to parse degradation policy", goerr.V("path", path))
	}

	policy := &DegradationPolicy{
		DefaultMode: model.ParseDegradationMode(file.DefaultMode),
		Tenants:     make(map[string]model.DegradationMode, len(file.Tenants)),
	}
	for org, mode := range file.Tenants {
		policy.Tenants[org] = model.ParseDegradationMode(mode)
	}
	return policy, nil
}

// DegradationStrategy decides provider-visible outcomes when the gate
// cannot complete normally, and tracks whole-process degraded mode.
// Breaker state and degraded mode are process-local.
type DegradationStrategy struct {
	mu     sync.Mutex
	policy *DegradationPolicy
	alerts interfaces.AlertPublisher

	breakers    map[string]*breaker.Breaker
	breakerOpts []breaker.Option

	degraded      bool
	degradedSince time.Time
	degradedCause string

	now func() time.Time
}

type DegradationOption func(*DegradationStrategy)

func WithDegradationPolicy(policy *DegradationPolicy) DegradationOption {
	return func(s *DegradationStrategy) {
		if policy != nil {
			s.policy = policy
		}
	}
}

func WithBreakerOptions(opts ...breaker.Option) DegradationOption {
	return func(s *DegradationStrategy) { s.breakerOpts = opts }
}

func WithDegradationClock(now func() time.Time) DegradationOption {
	return func(s *DegradationStrategy) { s.now = now }
}

func NewDegradationStrategy(alerts interfaces.AlertPublisher, opts ...DegradationOption) *DegradationStrategy {
	s := &DegradationStrategy{
		policy: &DegradationPolicy{
			DefaultMode: model.FailNeutral,
			Tenants:     map[string]model.DegradationMode{},
		},
		alerts:   alerts,
		breakers: make(map[string]*breaker.Breaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModeFor returns the tenant's configured mode, or the default.
func (s *DegradationStrategy) ModeFor(orgID string) model.DegradationMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode, ok := s.policy.Tenants[orgID]; ok {
		return mode
	}
	return s.policy.DefaultMode
}

// Breaker returns the named circuit breaker, creating it on first use.
func (s *DegradationStrategy) Breaker(name string) *breaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := breaker.New(name, s.breakerOpts...)
	s.breakers[name] = b
	return b
}

// HandleGateTimeout decides the outcome for a run that exceeded its
// deadline. Exactly one alert is sent per decision.
func (s *DegradationStrategy) HandleGateTimeout(ctx context.Context, run *model.Run) *model.Decision {
	mode := s.ModeFor(run.OrgID)
	decision := s.decide(mode, fmt.Sprintf("gate run timed out after %ds", run.TimeoutSeconds))

	decision.AlertSent = s.alert(ctx, "warning", "gate run timed out", decision.Message, map[string]any{
		"run_id":  run.ID.String(),
		"repo":    run.RepoFullName,
		"org_id":  run.OrgID,
		"mode":    string(mode),
		"action":  string(decision.Action),
		"attempt": run.Attempt,
	})

	ctxlog.From(ctx).Warn("gate timeout handled",
		"run_id", run.ID,
		"mode", mode,
		"action", decision.Action,
	)
	return decision
}

// HandleDependencyFailure decides the outcome when a dependency the
// gate needs is unavailable, and puts the process in degraded mode.
func (s *DegradationStrategy) HandleDependencyFailure(ctx context.Context, service string, run *model.Run, cause error) *model.Decision {
	mode := s.ModeFor(run.OrgID)
	msg := fmt.Sprintf("dependency %s unavailable", service)
	if cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, cause.Error())
	}
	decision := s.decide(mode, msg)

	s.EnterDegraded(ctx, fmt.Sprintf("dependency:%s", service))

	decision.AlertSent = s.alert(ctx, "error", "gate dependency failure", decision.Message, map[string]any{
		"run_id":  run.ID.String(),
		"repo":    run.RepoFullName,
		"org_id":  run.OrgID,
		"service": service,
		"mode":    string(mode),
		"action":  string(decision.Action),
	})

	ctxlog.From(ctx).Error("gate dependency failure handled",
		"run_id", run.ID,
		"service", service,
		"mode", mode,
		"action", decision.Action,
	)
	return decision
}

// decide maps a mode onto the provider-visible outcome.
func (s *DegradationStrategy) decide(mode model.DegradationMode, cause string) *model.Decision {
	switch mode {
	case model.FailClosed:
		return &model.Decision{
			Mode:       mode,
			Action:     model.ActionBlock,
			Conclusion: model.ConclusionFailure,
			Message:    cause + "; merge blocked pending a successful rerun",
		}
	case model.FailOpen:
		return &model.Decision{
			Mode:       mode,
			Action:     model.ActionAllow,
			Conclusion: model.ConclusionNeutral,
			Message:    cause + "; merge allowed without gate verdict",
		}
	default:
		return &model.Decision{
			Mode:       model.FailNeutral,
			Action:     model.ActionNeutral,
			Conclusion: model.ConclusionNeutral,
			Message:    cause + "; manual review required",
		}
	}
}

// EnterDegraded puts the process in degraded mode. Idempotent; the
// alert fires only on the transition.
func (s *DegradationStrategy) EnterDegraded(ctx context.Context, cause string) {
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	s.degradedSince = s.now()
	s.degradedCause = cause
	s.mu.Unlock()

	ctxlog.From(ctx).Warn("entering degraded mode", "cause", cause)
	s.alert(ctx, "error", "entering degraded mode", cause, nil)
}

// ExitDegraded leaves degraded mode. Idempotent.
func (s *DegradationStrategy) ExitDegraded(ctx context.Context) {
	s.mu.Lock()
	if !s.degraded {
		s.mu.Unlock()
		return
	}
	since := s.degradedSince
	cause := s.degradedCause
	s.degraded = false
	s.degradedSince = time.Time{}
	s.degradedCause = ""
	duration := s.now().Sub(since)
	s.mu.Unlock()

	ctxlog.From(ctx).Info("exiting degraded mode", "cause", cause, "duration", duration)
	s.alert(ctx, "info", "exiting degraded mode", fmt.Sprintf("recovered after %s (cause: %s)", duration, cause), nil)
}

// Degraded reports whether the process is in degraded mode.
func (s *DegradationStrategy) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// ObserveHealth feeds the health monitor's overall status into
// degraded-mode tracking.
func (s *DegradationStrategy) ObserveHealth(ctx context.Context, overall model.ServiceHealth) {
	switch overall {
	case model.HealthUnhealthy:
		s.EnterDegraded(ctx, "health checks unhealthy")
	case model.HealthHealthy:
		s.ExitDegraded(ctx)
	}
}

// alert sends best-effort; a lost alert never changes the decision.
func (s *DegradationStrategy) alert(ctx context.Context, severity, title, message string, details map[string]any) bool {
	if s.alerts == nil {
		return false
	}
	if err := s.alerts.PublishAlert(ctx, severity, title, message, details); err != nil {
		ctxlog.From(ctx).Warn("failed to publish alert", "title", title, "error", err)
		return false
	}
	return true
}
