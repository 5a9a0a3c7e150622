package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of an analysis run.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStatePreparing RunState = "preparing"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
	RunStateTimedOut  RunState = "timed_out"
	RunStateSkipped   RunState = "skipped"
)

// validTransitions is the transition graph. Terminal states have no
// outgoing edges.
var validTransitions = map[RunState][]RunState{
	RunStateQueued:    {RunStatePreparing, RunStateRunning, RunStateCanceled, RunStateSkipped},
	RunStatePreparing: {RunStateRunning, RunStateFailed, RunStateCanceled, RunStateTimedOut},
	RunStateRunning:   {RunStateCompleted, RunStateFailed, RunStateCanceled, RunStateTimedOut},
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s RunState) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// CanTransitionTo reports whether a transition from s to next is in
// the transition graph.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TransitionType records what triggered a state transition.
type TransitionType string

const (
	TransitionAutomatic TransitionType = "automatic"
	TransitionManual    TransitionType = "manual"
	TransitionTimeout   TransitionType = "timeout"
	TransitionError     TransitionType = "error"
)

// RunTransition is an append-only audit record of a state change.
// Immutable once written; the set of transitions for a run is a
// replayable total order.
type RunTransition struct {
	ID        uuid.UUID      `firestore:"id" json:"id"`
	RunID     uuid.UUID      `firestore:"run_id" json:"run_id"`
	Seq       int            `firestore:"seq" json:"seq"`
	From      RunState       `firestore:"from_state" json:"from_state"`
	To        RunState       `firestore:"to_state" json:"to_state"`
	Type      TransitionType `firestore:"transition_type" json:"transition_type"`
	Reason    string         `firestore:"reason" json:"reason"`
	Error     string         `firestore:"error,omitempty" json:"error,omitempty"`
	Actor     string         `firestore:"actor" json:"actor"`
	WorkerID  string         `firestore:"worker_id,omitempty" json:"worker_id,omitempty"`
	Timestamp time.Time      `firestore:"timestamp" json:"timestamp"`
}

// Run is the unit of orchestrated work: one tracked execution of gate
// checks against a specific commit. Owned exclusively by the run state
// machine; mutated only through its transition operation; never
// deleted.
type Run struct {
	ID uuid.UUID `firestore:"id" json:"id"`

	// Tenant isolation
	OrgID string `firestore:"org_id" json:"org_id"`

	// Correlation
	EventID       uuid.UUID `firestore:"event_id" json:"event_id"`
	JobID         string    `firestore:"job_id,omitempty" json:"job_id,omitempty"`
	CorrelationID uuid.UUID `firestore:"correlation_id" json:"correlation_id"`

	// Repository / git coordinates
	RepoFullName string `firestore:"repo_full_name" json:"repo_full_name"`
	RepoID       string `firestore:"repo_id" json:"repo_id"`
	HeadSHA      string `firestore:"head_sha" json:"head_sha"`
	BaseSHA      string `firestore:"base_sha,omitempty" json:"base_sha,omitempty"`
	Ref          string `firestore:"ref,omitempty" json:"ref,omitempty"`
	PRNumber     int    `firestore:"pr_number,omitempty" json:"pr_number,omitempty"`

	InstallationID string `firestore:"installation_id,omitempty" json:"installation_id,omitempty"`

	// State
	State         RunState `firestore:"state" json:"state"`
	PreviousState RunState `firestore:"previous_state,omitempty" json:"previous_state,omitempty"`

	// Classification
	RunType  string   `firestore:"run_type" json:"run_type"`
	Policies []string `firestore:"policies,omitempty" json:"policies,omitempty"`
	Tools    []string `firestore:"tools,omitempty" json:"tools,omitempty"`

	// Results
	Result        map[string]any `firestore:"result,omitempty" json:"result,omitempty"`
	FindingsCount int            `firestore:"findings_count" json:"findings_count"`
	Error         string         `firestore:"error,omitempty" json:"error,omitempty"`

	// Provider write-back handles
	CheckRunID int64 `firestore:"check_run_id,omitempty" json:"check_run_id,omitempty"`
	StatusID   int64 `firestore:"status_id,omitempty" json:"status_id,omitempty"`
	CommentID  int64 `firestore:"comment_id,omitempty" json:"comment_id,omitempty"`

	// Timing
	CreatedAt   time.Time  `firestore:"created_at" json:"created_at"`
	QueuedAt    time.Time  `firestore:"queued_at" json:"queued_at"`
	StartedAt   *time.Time `firestore:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `firestore:"completed_at,omitempty" json:"completed_at,omitempty"`

	TimeoutSeconds int       `firestore:"timeout_seconds" json:"timeout_seconds"`
	Deadline       time.Time `firestore:"deadline" json:"deadline"`

	// Worker attribution
	WorkerID string `firestore:"worker_id,omitempty" json:"worker_id,omitempty"`

	// Replay
	Attempt int `firestore:"attempt" json:"attempt"`

	// TransitionSeq orders the audit trail; incremented under the
	// same atomic mutation that changes State.
	TransitionSeq int `firestore:"transition_seq" json:"-"`

	// Full ordered audit trail, populated on demand
	Transitions []RunTransition `firestore:"-" json:"transitions,omitempty"`
}

// IsTerminal reports whether the run has reached a terminal state.
func (r *Run) IsTerminal() bool {
	return r.State.IsTerminal()
}

// Duration returns elapsed execution time, or zero if the run never
// started.
func (r *Run) Duration(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}

// RunQuery filters run listings. Zero values mean "no filter";
// OrgID scoping is mandatory at the service layer.
type RunQuery struct {
	OrgID    string
	State    RunState
	RepoID   string
	HeadSHA  string
	PRNumber int
	Offset   int
	Limit    int
}
