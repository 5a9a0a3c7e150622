package usecase

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/model"
)

// GateService orchestrates the pipeline end to end: accepted events
// become runs, runs execute under a circuit breaker, and outcomes are
// written back to the provider. Implements interfaces.GateHandler.
type GateService struct {
	runs      *RunService
	writeback *Writeback
	strategy  *DegradationStrategy
	runner    interfaces.Runner

	checkName string
	policies  []string
	workerID  string
}

type GateOption func(*GateService)

// WithCheckName sets the provider-visible check run name.
func WithCheckName(name string) GateOption {
	return func(g *GateService) { g.checkName = name }
}

func WithGatePolicies(policies []string) GateOption {
	return func(g *GateService) { g.policies = policies }
}

func WithRunner(runner interfaces.Runner) GateOption {
	return func(g *GateService) { g.runner = runner }
}

func WithWorkerID(id string) GateOption {
	return func(g *GateService) { g.workerID = id }
}

func NewGateService(runs *RunService, writeback *Writeback, strategy *DegradationStrategy, opts ...GateOption) *GateService {
	g := &GateService{
		runs:      runs,
		writeback: writeback,
		strategy:  strategy,
		checkName: "Mergegate Gate",
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.workerID == "" {
		host, _ := os.Hostname()
		g.workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return g
}

// HandleEvent drives one event through the pipeline. Events that do
// not trigger the gate are dropped silently.
func (g *GateService) HandleEvent(ctx context.Context, event *model.WebhookEvent) error {
	logger := ctxlog.From(ctx)

	if !event.TriggersGate() {
		logger.Debug("event does not trigger gate", "type", event.Type, "repo", event.RepoFullName)
		return nil
	}

	run, err := g.runs.CreateRun(ctx, event, CreateRunInput{
		RunType:  "gate",
		Policies: g.policies,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to create run for event", goerr.V("event_id", event.ID))
	}

	check, err := g.writeback.CreateCheckRun(ctx, CreateCheckRunInput{
		RepoFullName: run.RepoFullName,
		HeadSHA:      run.HeadSHA,
		Name:         g.checkName,
		ExternalID:   run.ID.String(),
		Status:       model.CheckStatusQueued,
	})
	if err != nil {
		// The run proceeds; the verdict still lands via commit status.
		logger.Warn("failed to create check run", "run_id", run.ID, "error", err)
	} else {
		if err := g.runs.AttachCheckRun(ctx, run.ID, check.CheckRunID); err != nil {
			logger.Warn("failed to attach check run", "run_id", run.ID, "error", err)
		}
		run.CheckRunID = check.CheckRunID
	}

	if g.runner == nil {
		if _, err := g.runs.Skip(ctx, run.ID, "no runner configured"); err != nil {
			return err
		}
		if run.CheckRunID != 0 {
			if err := g.writeback.CompleteCheckRun(ctx, run.RepoFullName, run.CheckRunID, model.ConclusionSkipped, &model.CheckRunOutput{
				Title:   g.checkName,
				Summary: "No analysis configured for this repository.",
			}); err != nil {
				logger.Warn("failed to complete check run", "run_id", run.ID, "error", err)
			}
		}
		return nil
	}

	return g.execute(ctx, run)
}

// execute runs the gate for a queued run and writes the verdict back.
func (g *GateService) execute(ctx context.Context, run *model.Run) error {
	logger := ctxlog.From(ctx)

	run, err := g.runs.Prepare(ctx, run.ID, g.workerID)
	if err != nil {
		return err
	}
	run, err = g.runs.Start(ctx, run.ID, g.workerID)
	if err != nil {
		return err
	}

	if run.CheckRunID != 0 {
		if err := g.writeback.UpdateCheckRun(ctx, run.RepoFullName, run.CheckRunID, model.CheckStatusInProgress, nil); err != nil {
			logger.Warn("failed to update check run", "run_id", run.ID, "error", err)
		}
	}

	res := g.strategy.Breaker("runner").Do(ctx, func(callCtx context.Context) (any, error) {
		return g.runner.Run(callCtx, run)
	}, nil)

	if !res.Success {
		decision := g.strategy.HandleDependencyFailure(ctx, "runner", run, res.Err)
		if _, err := g.runs.Fail(ctx, run.ID, res.Err); err != nil {
			logger.Warn("failed to mark run failed", "run_id", run.ID, "error", err)
		}
		g.writeDegraded(ctx, run, decision)
		return nil
	}

	result, ok := res.Value.(*model.GateResult)
	if !ok || result == nil {
		result = &model.GateResult{Passed: true, Summary: "no findings"}
	}

	if _, err := g.runs.Complete(ctx, run.ID, result); err != nil {
		return err
	}
	g.writeVerdict(ctx, run, result)
	return nil
}

// writeVerdict publishes a normal completion to the provider.
func (g *GateService) writeVerdict(ctx context.Context, run *model.Run, result *model.GateResult) {
	logger := ctxlog.From(ctx)

	conclusion := model.ConclusionSuccess
	statusState := model.StatusSuccess
	title := "Gate passed"
	if !result.Passed {
		conclusion = model.ConclusionFailure
		statusState = model.StatusFailure
		title = "Gate failed"
	}

	summary := result.Summary
	if summary == "" {
		summary = fmt.Sprintf("%d findings", result.FindingsCount)
	}

	if run.CheckRunID != 0 {
		if err := g.writeback.CompleteCheckRun(ctx, run.RepoFullName, run.CheckRunID, conclusion, &model.CheckRunOutput{
			Title:       title,
			Summary:     summary,
			Annotations: result.Annotations,
		}); err != nil {
			logger.Warn("failed to complete check run", "run_id", run.ID, "error", err)
		}
	}

	if _, err := g.writeback.CreateStatus(ctx, run.RepoFullName, run.HeadSHA, "mergegate/gate", statusState, summary, ""); err != nil {
		logger.Warn("failed to create commit status", "run_id", run.ID, "error", err)
	}

	if run.PRNumber > 0 {
		body := fmt.Sprintf("## %s\n\n%s\n\nRun `%s`, attempt %d.", title, summary, run.ID, run.Attempt)
		if _, err := g.writeback.UpsertComment(ctx, run.RepoFullName, run.PRNumber, "gate-summary", body); err != nil {
			logger.Warn("failed to upsert comment", "run_id", run.ID, "error", err)
		}
	}
}

// writeDegraded publishes a degradation decision to the provider. The
// commit status is skipped: the check run carries the verdict and a
// neutral outcome must not flip a required status.
func (g *GateService) writeDegraded(ctx context.Context, run *model.Run, decision *model.Decision) {
	logger := ctxlog.From(ctx)

	if run.CheckRunID != 0 {
		if err := g.writeback.CompleteCheckRun(ctx, run.RepoFullName, run.CheckRunID, decision.Conclusion, &model.CheckRunOutput{
			Title:   "Gate could not complete",
			Summary: decision.Message,
		}); err != nil {
			logger.Warn("failed to complete check run", "run_id", run.ID, "error", err)
		}
	}

	if run.PRNumber > 0 {
		body := fmt.Sprintf("## Gate could not complete\n\n%s\n\nRun `%s`, attempt %d.", decision.Message, run.ID, run.Attempt)
		if _, err := g.writeback.UpsertComment(ctx, run.RepoFullName, run.PRNumber, "gate-summary", body); err != nil {
			logger.Warn("failed to upsert comment", "run_id", run.ID, "error", err)
		}
	}
}

// SweepTimeouts expires overdue runs and writes one degradation
// decision per expired run. Exactly one alert fires per run, from the
// decision itself.
func (g *GateService) SweepTimeouts(ctx context.Context) error {
	expired, err := g.runs.CheckTimeouts(ctx)
	if err != nil {
		return err
	}

	for _, run := range expired {
		decision := g.strategy.HandleGateTimeout(ctx, run)

		conclusion := model.ConclusionTimedOut
		if decision.Action == model.ActionBlock {
			conclusion = model.ConclusionFailure
		}

		if run.CheckRunID != 0 {
			if err := g.writeback.CompleteCheckRun(ctx, run.RepoFullName, run.CheckRunID, conclusion, &model.CheckRunOutput{
				Title:   "Gate timed out",
				Summary: decision.Message,
			}); err != nil {
				ctxlog.From(ctx).Warn("failed to complete check run", "run_id", run.ID, "error", err)
			}
		}
	}
	return nil
}
