package model

import "time"

// CheckRunStatus mirrors the provider check-run status vocabulary.
type CheckRunStatus string

const (
	CheckStatusQueued     CheckRunStatus = "queued"
	CheckStatusInProgress CheckRunStatus = "in_progress"
	CheckStatusCompleted  CheckRunStatus = "completed"
)

// CheckRunConclusion is the conclusion of a completed check run.
type CheckRunConclusion string

const (
	ConclusionSuccess        CheckRunConclusion = "success"
	ConclusionFailure        CheckRunConclusion = "failure"
	ConclusionNeutral        CheckRunConclusion = "neutral"
	ConclusionCancelled      CheckRunConclusion = "cancelled"
	ConclusionSkipped        CheckRunConclusion = "skipped"
	ConclusionTimedOut       CheckRunConclusion = "timed_out"
	ConclusionActionRequired CheckRunConclusion = "action_required"
)

// CommitStatusState is the commit-status vocabulary (older API, works
// on all providers).
type CommitStatusState string

const (
	StatusPending CommitStatusState = "pending"
	StatusSuccess CommitStatusState = "success"
	StatusFailure CommitStatusState = "failure"
	StatusError   CommitStatusState = "error"
)

// Annotation is a single line-level finding attached to a check run.
type Annotation struct {
	Path      string
	StartLine int
	EndLine   int
	Level     string // notice, warning, failure
	Message   string
	Title     string
}

// CheckRunOutput is the rendered body of a check run.
type CheckRunOutput struct {
	Title       string
	Summary     string
	Text        string
	Annotations []Annotation
}

// CheckRunResult is the value returned from a check-run API call.
type CheckRunResult struct {
	CheckRunID  int64
	URL         string
	Status      CheckRunStatus
	Conclusion  CheckRunConclusion
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StatusResult is the value returned from a commit-status API call.
type StatusResult struct {
	StatusID int64
	URL      string
	State    CommitStatusState
}

// CommentResult is the value returned from a PR comment API call.
type CommentResult struct {
	CommentID int64
	URL       string
}
