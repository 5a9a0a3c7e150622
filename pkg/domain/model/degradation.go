package model

import "time"

// DegradationMode governs what provider-visible outcome is produced
// when the gate cannot complete normally.
type DegradationMode string

const (
	// FailClosed blocks the merge on any failure (strictest).
	FailClosed DegradationMode = "fail_closed"
	// FailNeutral marks the check neutral and flags for manual review
	// (the default).
	FailNeutral DegradationMode = "fail_neutral"
	// FailOpen allows the merge but alerts (least strict).
	FailOpen DegradationMode = "fail_open"
)

// ParseDegradationMode returns the mode for s, or FailNeutral if s is
// not a recognized mode.
func ParseDegradationMode(s string) DegradationMode {
	switch DegradationMode(s) {
	case FailClosed, FailNeutral, FailOpen:
		return DegradationMode(s)
	default:
		return FailNeutral
	}
}

// DegradationAction is the gate-level action a decision prescribes.
type DegradationAction string

const (
	ActionBlock   DegradationAction = "block"
	ActionNeutral DegradationAction = "neutral"
	ActionAllow   DegradationAction = "allow"
)

// Decision is the computed outcome of a degradation event.
type Decision struct {
	Mode       DegradationMode
	Action     DegradationAction
	Conclusion CheckRunConclusion
	Message    string
	AlertSent  bool
}

// ServiceHealth is the status of a health-checked dependency.
type ServiceHealth string

const (
	HealthHealthy   ServiceHealth = "healthy"
	HealthDegraded  ServiceHealth = "degraded"
	HealthUnhealthy ServiceHealth = "unhealthy"
	HealthUnknown   ServiceHealth = "unknown"
)

// worse orders health states from best to worst.
func (h ServiceHealth) worse(other ServiceHealth) bool {
	rank := map[ServiceHealth]int{
		HealthHealthy:   0,
		HealthUnknown:   1,
		HealthDegraded:  2,
		HealthUnhealthy: 3,
	}
	return rank[h] > rank[other]
}

// WorstHealth returns the worst status among the given statuses, or
// HealthUnknown when none are given.
func WorstHealth(statuses []ServiceHealth) ServiceHealth {
	worst := HealthUnknown
	for i, s := range statuses {
		if i == 0 || s.worse(worst) {
			worst = s
		}
	}
	return worst
}

// HealthCheckResult is the outcome of one probe invocation.
type HealthCheckResult struct {
	Name                string
	Status              ServiceHealth
	Latency             time.Duration
	Message             string
	ConsecutiveFailures int
	CheckedAt           time.Time
}
