package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

// RunService owns the run lifecycle. Every state change goes through
// Transition, which validates against the transition graph and appends
// an audit record under the same mutation that changes the state.
type RunService struct {
	store     interfaces.RunStore
	publisher interfaces.EventPublisher

	defaultTimeout time.Duration
	now            func() time.Time
}

type RunServiceOption func(*RunService)

func WithDefaultRunTimeout(d time.Duration) RunServiceOption {
	return func(s *RunService) { s.defaultTimeout = d }
}

func WithRunClock(now func() time.Time) RunServiceOption {
	return func(s *RunService) { s.now = now }
}

func NewRunService(store interfaces.RunStore, publisher interfaces.EventPublisher, opts ...RunServiceOption) *RunService {
	s := &RunService{
		store:          store,
		publisher:      publisher,
		defaultTimeout: types.DefaultRunTimeoutSeconds * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRunInput carries the classification for a new run. Git
// coordinates come from the triggering event.
type CreateRunInput struct {
	RunType  string
	Policies []string
	Tools    []string

	// TimeoutSeconds overrides the service default when positive.
	TimeoutSeconds int
}

// CreateRun records a new queued run for the event's head commit. The
// run starts in the queued state with a creation audit record at
// sequence zero.
func (s *RunService) CreateRun(ctx context.Context, event *model.WebhookEvent, input CreateRunInput) (*model.Run, error) {
	now := s.now()

	timeout := s.defaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}

	run := &model.Run{
		ID:             uuid.New(),
		OrgID:          event.OrgID,
		EventID:        event.ID,
		CorrelationID:  uuid.New(),
		RepoFullName:   event.RepoFullName,
		RepoID:         event.RepoID,
		HeadSHA:        event.HeadSHA,
		BaseSHA:        event.BaseSHA,
		Ref:            event.HeadRef,
		PRNumber:       event.PRNumber,
		InstallationID: event.InstallationID,
		State:          model.RunStateQueued,
		RunType:        input.RunType,
		Policies:       input.Policies,
		Tools:          input.Tools,
		CreatedAt:      now,
		QueuedAt:       now,
		TimeoutSeconds: int(timeout / time.Second),
		Deadline:       now.Add(timeout),
		Attempt:        1,
	}

	if err := s.store.Save(ctx, run); err != nil {
		return nil, goerr.Wrap(err, "failed to save run", goerr.T(types.TagState), goerr.V("run_id", run.ID))
	}

	if err := s.store.SaveTransition(ctx, &model.RunTransition{
		ID:        uuid.New(),
		RunID:     run.ID,
		Seq:       0,
		From:      model.RunStateQueued,
		To:        model.RunStateQueued,
		Type:      model.TransitionAutomatic,
		Reason:    "run created",
		Actor:     "system",
		Timestamp: now,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to record creation", goerr.T(types.TagState), goerr.V("run_id", run.ID))
	}

	s.publish(ctx, "run.created", run)

	ctxlog.From(ctx).Info("run created",
		"run_id", run.ID,
		"repo", run.RepoFullName,
		"head_sha", run.HeadSHA,
		"run_type", run.RunType,
	)
	return run, nil
}

// TransitionInput describes a requested state change. Apply, when set,
// mutates the run inside the same atomic update that changes the state.
type TransitionInput struct {
	To       model.RunState
	Type     model.TransitionType
	Reason   string
	Actor    string
	Error    string
	WorkerID string
	Apply    func(run *model.Run)
}

// Transition moves the run to in.To if the transition graph allows it,
// updating timestamps and appending the audit record. An invalid
// transition leaves the run untouched and returns ErrInvalidTransition.
func (s *RunService) Transition(ctx context.Context, id uuid.UUID, in TransitionInput) (*model.Run, error) {
	now := s.now()

	var from model.RunState
	run, err := s.store.Mutate(ctx, id, func(run *model.Run) error {
		from = run.State
		if !run.State.CanTransitionTo(in.To) {
			return goerr.Wrap(types.ErrInvalidTransition, "transition not allowed",
				goerr.T(types.TagState),
				goerr.V("run_id", id),
				goerr.V("from", run.State),
				goerr.V("to", in.To),
			)
		}

		run.PreviousState = run.State
		run.State = in.To
		run.TransitionSeq++

		if in.To == model.RunStateRunning && run.StartedAt == nil {
			t := now
			run.StartedAt = &t
		}
		if in.To.IsTerminal() {
			t := now
			run.CompletedAt = &t
		}
		if in.Error != "" {
			run.Error = in.Error
		}
		if in.WorkerID != "" {
			run.WorkerID = in.WorkerID
		}
		if in.Apply != nil {
			in.Apply(run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	actor := in.Actor
	if actor == "" {
		actor = "system"
	}
	if err := s.store.SaveTransition(ctx, &model.RunTransition{
		ID:        uuid.New(),
		RunID:     run.ID,
		Seq:       run.TransitionSeq,
		From:      from,
		To:        in.To,
		Type:      in.Type,
		Reason:    in.Reason,
		Error:     in.Error,
		Actor:     actor,
		WorkerID:  in.WorkerID,
		Timestamp: now,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to record transition", goerr.T(types.TagState), goerr.V("run_id", run.ID))
	}

	// Subject carries the new state so subscribers can filter on it.
	s.publish(ctx, "run."+string(in.To), run)

	ctxlog.From(ctx).Info("run transition",
		"run_id", run.ID,
		"from", from,
		"to", in.To,
		"type", in.Type,
		"reason", in.Reason,
	)
	return run, nil
}

// Prepare marks the run as picked up by a worker.
func (s *RunService) Prepare(ctx context.Context, id uuid.UUID, workerID string) (*model.Run, error) {
	return s.Transition(ctx, id, TransitionInput{
		To:       model.RunStatePreparing,
		Type:     model.TransitionAutomatic,
		Reason:   "worker claimed run",
		WorkerID: workerID,
	})
}

// Start marks the run as executing.
func (s *RunService) Start(ctx context.Context, id uuid.UUID, workerID string) (*model.Run, error) {
	return s.Transition(ctx, id, TransitionInput{
		To:       model.RunStateRunning,
		Type:     model.TransitionAutomatic,
		Reason:   "execution started",
		WorkerID: workerID,
	})
}

// Complete records a successful execution with its result.
func (s *RunService) Complete(ctx context.Context, id uuid.UUID, result *model.GateResult) (*model.Run, error) {
	return s.Transition(ctx, id, TransitionInput{
		To:     model.RunStateCompleted,
		Type:   model.TransitionAutomatic,
		Reason: "execution completed",
		Apply: func(run *model.Run) {
			if result != nil {
				run.Result = result.Details
				run.FindingsCount = result.FindingsCount
			}
		},
	})
}

// Fail records an execution failure.
func (s *RunService) Fail(ctx context.Context, id uuid.UUID, cause error) (*model.Run, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.Transition(ctx, id, TransitionInput{
		To:     model.RunStateFailed,
		Type:   model.TransitionError,
		Reason: "execution failed",
		Error:  msg,
	})
}

// Cancel aborts the run on behalf of an operator or user.
func (s *RunService) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*model.Run, error) {
	if reason == "" {
		reason = "canceled"
	}
	return s.Transition(ctx, id, TransitionInput{
		To:     model.RunStateCanceled,
		Type:   model.TransitionManual,
		Actor:  actor,
		Reason: reason,
	})
}

// Skip marks a queued run as intentionally not executed.
func (s *RunService) Skip(ctx context.Context, id uuid.UUID, reason string) (*model.Run, error) {
	return s.Transition(ctx, id, TransitionInput{
		To:     model.RunStateSkipped,
		Type:   model.TransitionAutomatic,
		Reason: reason,
	})
}

// Timeout marks an in-flight run as exceeding its deadline.
func (s *RunService) Timeout(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	return s.Transition(ctx, id, TransitionInput{
		To:     model.RunStateTimedOut,
		Type:   model.TransitionTimeout,
		Reason: "deadline exceeded",
	})
}

// CheckTimeouts sweeps for runs past their deadline. In-flight runs
// (preparing, running) time out; runs still queued past their deadline
// expire as canceled since they never consumed worker time. Returns
// every run the sweep transitioned.
func (s *RunService) CheckTimeouts(ctx context.Context) ([]*model.Run, error) {
	now := s.now()
	logger := ctxlog.From(ctx)

	var expired []*model.Run

	for _, state := range []model.RunState{model.RunStatePreparing, model.RunStateRunning} {
		runs, err := s.store.Query(ctx, model.RunQuery{State: state})
		if err != nil {
			return expired, goerr.Wrap(err, "failed to query runs for timeout sweep", goerr.T(types.TagState))
		}
		for _, run := range runs {
			if now.Before(run.Deadline) {
				continue
			}
			timedOut, err := s.Timeout(ctx, run.ID)
			if err != nil {
				// Lost the race with a concurrent transition; skip.
				logger.Warn("timeout sweep skipped run", "run_id", run.ID, "error", err)
				continue
			}
			expired = append(expired, timedOut)
		}
	}

	queued, err := s.store.Query(ctx, model.RunQuery{State: model.RunStateQueued})
	if err != nil {
		return expired, goerr.Wrap(err, "failed to query queued runs", goerr.T(types.TagState))
	}
	for _, run := range queued {
		if now.Before(run.Deadline) {
			continue
		}
		canceled, err := s.Transition(ctx, run.ID, TransitionInput{
			To:     model.RunStateCanceled,
			Type:   model.TransitionTimeout,
			Reason: "expired in queue",
		})
		if err != nil {
			logger.Warn("timeout sweep skipped run", "run_id", run.ID, "error", err)
			continue
		}
		expired = append(expired, canceled)
	}

	if len(expired) > 0 {
		logger.Info("timeout sweep expired runs", "count", len(expired))
	}
	return expired, nil
}

// Replay creates a fresh attempt of a finished run with the same
// coordinates and classification. The original record is untouched.
func (s *RunService) Replay(ctx context.Context, id uuid.UUID, actor string) (*model.Run, error) {
	orig, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !orig.IsTerminal() {
		return nil, goerr.New("run is still in flight",
			goerr.T(types.TagState),
			goerr.V("run_id", id),
			goerr.V("state", orig.State),
		)
	}

	now := s.now()
	timeout := time.Duration(orig.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	replay := &model.Run{
		ID:             uuid.New(),
		OrgID:          orig.OrgID,
		EventID:        orig.EventID,
		CorrelationID:  orig.CorrelationID,
		RepoFullName:   orig.RepoFullName,
		RepoID:         orig.RepoID,
		HeadSHA:        orig.HeadSHA,
		BaseSHA:        orig.BaseSHA,
		Ref:            orig.Ref,
		PRNumber:       orig.PRNumber,
		InstallationID: orig.InstallationID,
		State:          model.RunStateQueued,
		RunType:        orig.RunType,
		Policies:       orig.Policies,
		Tools:          orig.Tools,
		CreatedAt:      now,
		QueuedAt:       now,
		TimeoutSeconds: int(timeout / time.Second),
		Deadline:       now.Add(timeout),
		Attempt:        orig.Attempt + 1,
	}

	if err := s.store.Save(ctx, replay); err != nil {
		return nil, goerr.Wrap(err, "failed to save replay run", goerr.T(types.TagState), goerr.V("run_id", replay.ID))
	}

	if actor == "" {
		actor = "system"
	}
	if err := s.store.SaveTransition(ctx, &model.RunTransition{
		ID:        uuid.New(),
		RunID:     replay.ID,
		Seq:       0,
		From:      model.RunStateQueued,
		To:        model.RunStateQueued,
		Type:      model.TransitionManual,
		Reason:    "replay of " + orig.ID.String(),
		Actor:     actor,
		Timestamp: now,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to record replay creation", goerr.T(types.TagState), goerr.V("run_id", replay.ID))
	}

	s.publish(ctx, "run.replayed", replay)

	ctxlog.From(ctx).Info("run replayed",
		"run_id", replay.ID,
		"original_run_id", orig.ID,
		"attempt", replay.Attempt,
	)
	return replay, nil
}

// AttachCheckRun records the provider check-run handle on the run.
// Not a state transition; no audit record is written.
func (s *RunService) AttachCheckRun(ctx context.Context, id uuid.UUID, checkRunID int64) error {
	_, err := s.store.Mutate(ctx, id, func(run *model.Run) error {
		run.CheckRunID = checkRunID
		return nil
	})
	return err
}

// Get loads a run without its audit trail.
func (s *RunService) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetWithTransitions loads a run and attaches its ordered audit trail.
func (s *RunService) GetWithTransitions(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	trs, err := s.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list transitions", goerr.T(types.TagState), goerr.V("run_id", id))
	}
	run.Transitions = make([]model.RunTransition, 0, len(trs))
	for _, tr := range trs {
		run.Transitions = append(run.Transitions, *tr)
	}
	return run, nil
}

// List returns runs matching q, newest first.
func (s *RunService) List(ctx context.Context, q model.RunQuery) ([]*model.Run, error) {
	return s.store.Query(ctx, q)
}

// Latest returns the most recent run for a commit, or ErrRunNotFound.
func (s *RunService) Latest(ctx context.Context, repoID, headSHA string) (*model.Run, error) {
	runs, err := s.store.Query(ctx, model.RunQuery{RepoID: repoID, HeadSHA: headSHA, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, goerr.Wrap(types.ErrRunNotFound, "no run for commit",
			goerr.T(types.TagState),
			goerr.V("repo_id", repoID),
			goerr.V("head_sha", headSHA),
		)
	}
	return runs[0], nil
}

// publish sends a lifecycle event best-effort. Losing a lifecycle event
// never fails the state change that caused it.
func (s *RunService) publish(ctx context.Context, subject string, run *model.Run) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, subject, run); err != nil {
		ctxlog.From(ctx).Warn("failed to publish run event", "subject", subject, "run_id", run.ID, "error", err)
	}
}
