package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/gt"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
	"github.com/mergegate/mergegate/pkg/infra/memory"
	"github.com/mergegate/mergegate/pkg/usecase"
)

func testEvent() *model.WebhookEvent {
	return &model.WebhookEvent{
		ID:             uuid.New(),
		Provider:       types.ProviderGitHub,
		Type:           model.EventTypePullRequestOpened,
		OrgID:          "acme",
		InstallationID: "555",
		RepoFullName:   "acme/widget",
		RepoID:         "1001",
		HeadSHA:        "abc123",
		BaseSHA:        "def456",
		HeadRef:        "feature/retry",
		BaseRef:        "main",
		PRNumber:       42,
		Verified:       true,
	}
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := usecase.NewRunService(store, nil,
		usecase.WithRunClock(func() time.Time { return now }),
		usecase.WithDefaultRunTimeout(10*time.Minute),
	)

	run, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{
		RunType:  "gate",
		Policies: []string{"secrets", "licenses"},
	})
	gt.NoError(t, err)
	gt.Value(t, run.State).Equal(model.RunStateQueued)
	gt.Value(t, run.OrgID).Equal("acme")
	gt.Value(t, run.HeadSHA).Equal("abc123")
	gt.Value(t, run.Attempt).Equal(1)
	gt.Value(t, run.Deadline).Equal(now.Add(10 * time.Minute))
	gt.Value(t, run.TimeoutSeconds).Equal(600)

	trs, err := store.ListTransitions(ctx, run.ID)
	gt.NoError(t, err)
	gt.Number(t, len(trs)).Equal(1)
	gt.Value(t, trs[0].Seq).Equal(0)
	gt.Value(t, trs[0].From).Equal(model.RunStateQueued)
	gt.Value(t, trs[0].To).Equal(model.RunStateQueued)
	gt.Value(t, trs[0].Reason).Equal("run created")
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	svc := usecase.NewRunService(store, nil)

	run, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	run, err = svc.Prepare(ctx, run.ID, "worker-1")
	gt.NoError(t, err)
	gt.Value(t, run.State).Equal(model.RunStatePreparing)
	gt.Value(t, run.WorkerID).Equal("worker-1")

	run, err = svc.Start(ctx, run.ID, "worker-1")
	gt.NoError(t, err)
	gt.Value(t, run.State).Equal(model.RunStateRunning)
	gt.NotNil(t, run.StartedAt)

	run, err = svc.Complete(ctx, run.ID, &model.GateResult{
		Passed:        true,
		FindingsCount: 3,
		Details:       map[string]any{"policy": "secrets"},
	})
	gt.NoError(t, err)
	gt.Value(t, run.State).Equal(model.RunStateCompleted)
	gt.Value(t, run.FindingsCount).Equal(3)
	gt.NotNil(t, run.CompletedAt)
	gt.True(t, run.IsTerminal())

	trs, err := store.ListTransitions(ctx, run.ID)
	gt.NoError(t, err)
	gt.Number(t, len(trs)).Equal(4)
	for i, tr := range trs {
		gt.Value(t, tr.Seq).Equal(i)
	}
	gt.Value(t, trs[3].From).Equal(model.RunStateRunning)
	gt.Value(t, trs[3].To).Equal(model.RunStateCompleted)
}

func TestRunEventSubjects(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	pub := &recordPublisher{}
	svc := usecase.NewRunService(store, pub)

	run, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	_, err = svc.Prepare(ctx, run.ID, "worker-1")
	gt.NoError(t, err)
	_, err = svc.Start(ctx, run.ID, "worker-1")
	gt.NoError(t, err)
	_, err = svc.Fail(ctx, run.ID, errors.New("scanner crashed"))
	gt.NoError(t, err)

	// Each transition publishes under the run's new state so
	// subscribers can filter by subject.
	gt.Value(t, pub.subjects).Equal([]string{
		"run.created",
		"run.preparing",
		"run.running",
		"run.failed",
	})
}

func TestInvalidTransition(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	svc := usecase.NewRunService(store, nil)

	run, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	// Completed is not reachable from queued.
	_, err = svc.Complete(ctx, run.ID, nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, types.ErrInvalidTransition))

	got, err := svc.Get(ctx, run.ID)
	gt.NoError(t, err)
	gt.Value(t, got.State).Equal(model.RunStateQueued)

	trs, err := store.ListTransitions(ctx, run.ID)
	gt.NoError(t, err)
	gt.Number(t, len(trs)).Equal(1)
}

func TestTerminalStateIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	svc := usecase.NewRunService(store, nil)

	run, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)
	_, err = svc.Cancel(ctx, run.ID, "operator", "superseded")
	gt.NoError(t, err)

	_, err = svc.Start(ctx, run.ID, "worker-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, types.ErrInvalidTransition))
}

func TestCheckTimeouts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := usecase.NewRunService(store, nil,
		usecase.WithRunClock(func() time.Time { return now }),
		usecase.WithDefaultRunTimeout(5*time.Minute),
	)

	running, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)
	_, err = svc.Start(ctx, running.ID, "worker-1")
	gt.NoError(t, err)

	stale, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	fresh, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{
		RunType:        "gate",
		TimeoutSeconds: 3600,
	})
	gt.NoError(t, err)

	now = now.Add(6 * time.Minute)

	expired, err := svc.CheckTimeouts(ctx)
	gt.NoError(t, err)
	gt.Number(t, len(expired)).Equal(2)

	got, err := svc.Get(ctx, running.ID)
	gt.NoError(t, err)
	gt.Value(t, got.State).Equal(model.RunStateTimedOut)

	got, err = svc.Get(ctx, stale.ID)
	gt.NoError(t, err)
	gt.Value(t, got.State).Equal(model.RunStateCanceled)

	trs, err := store.ListTransitions(ctx, stale.ID)
	gt.NoError(t, err)
	gt.Value(t, trs[len(trs)-1].Type).Equal(model.TransitionTimeout)
	gt.Value(t, trs[len(trs)-1].Reason).Equal("expired in queue")

	got, err = svc.Get(ctx, fresh.ID)
	gt.NoError(t, err)
	gt.Value(t, got.State).Equal(model.RunStateQueued)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	svc := usecase.NewRunService(store, nil)

	orig, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{
		RunType:  "gate",
		Policies: []string{"secrets"},
	})
	gt.NoError(t, err)
	_, err = svc.Start(ctx, orig.ID, "worker-1")
	gt.NoError(t, err)
	_, err = svc.Fail(ctx, orig.ID, errors.New("scanner crashed"))
	gt.NoError(t, err)

	replay, err := svc.Replay(ctx, orig.ID, "operator")
	gt.NoError(t, err)
	gt.Value(t, replay.Attempt).Equal(2)
	gt.Value(t, replay.State).Equal(model.RunStateQueued)
	gt.Value(t, replay.HeadSHA).Equal(orig.HeadSHA)
	gt.Value(t, replay.CorrelationID).Equal(orig.CorrelationID)
	gt.Value(t, replay.Policies).Equal(orig.Policies)

	// Original record is untouched.
	got, err := svc.Get(ctx, orig.ID)
	gt.NoError(t, err)
	gt.Value(t, got.State).Equal(model.RunStateFailed)
}

func TestReplayInFlightRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	svc := usecase.NewRunService(store, nil)

	run, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	_, err = svc.Replay(ctx, run.ID, "operator")
	gt.Error(t, err)
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := usecase.NewRunService(store, nil,
		usecase.WithRunClock(func() time.Time { return now }),
	)

	_, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	now = now.Add(time.Minute)
	second, err := svc.CreateRun(ctx, testEvent(), usecase.CreateRunInput{RunType: "gate"})
	gt.NoError(t, err)

	latest, err := svc.Latest(ctx, "1001", "abc123")
	gt.NoError(t, err)
	gt.Value(t, latest.ID).Equal(second.ID)

	_, err = svc.Latest(ctx, "1001", "no-such-sha")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, types.ErrRunNotFound))
}
