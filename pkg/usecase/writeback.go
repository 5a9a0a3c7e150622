package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

const (
	// maxAnnotationsPerCall is the provider's per-request annotation cap.
	maxAnnotationsPerCall = 50

	// maxStatusDescription is the provider's commit-status description
	// limit.
	maxStatusDescription = 140

	commentMarkerFormat = "<!-- mergegate:%s -->"
)

// Writeback pushes gate outcomes back to the provider: check runs,
// commit statuses, and PR comments. All writes are idempotent per
// (repo, sha, name, external ID) and retried with exponential backoff.
type Writeback struct {
	client interfaces.GitHubClient

	maxRetries uint64
	retryBase  time.Duration
	retryMax   time.Duration

	mu        sync.Mutex
	checkRuns map[string]*model.CheckRunResult
	comments  map[string]int64

	flight singleflight.Group
}

type WritebackOption func(*Writeback)

func WithMaxRetries(n uint64) WritebackOption {
	return func(w *Writeback) { w.maxRetries = n }
}

func WithRetryBackoff(base, max time.Duration) WritebackOption {
	return func(w *Writeback) {
		w.retryBase = base
		w.retryMax = max
	}
}

func NewWriteback(client interfaces.GitHubClient, opts ...WritebackOption) *Writeback {
	w := &Writeback{
		client:     client,
		maxRetries: 3,
		retryBase:  time.Second,
		retryMax:   30 * time.Second,
		checkRuns:  make(map[string]*model.CheckRunResult),
		comments:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// idempotencyKey identifies one logical check run across retried
// deliveries and replays.
func idempotencyKey(repo, sha, name, externalID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", repo, sha, name, externalID)
}

func splitRepo(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", goerr.New("malformed repository name",
			goerr.T(types.TagValidation),
			goerr.V("repo", fullName),
		)
	}
	return owner, repo, nil
}

// retry runs op with exponential backoff until it succeeds or the
// retry budget is exhausted. The last error is returned.
func (w *Writeback) retry(ctx context.Context, name string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryBase
	policy.MaxInterval = w.retryMax
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if err := op(); err != nil {
			ctxlog.From(ctx).Warn("provider write failed, retrying", "op", name, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, w.maxRetries), ctx))
	if err != nil {
		return goerr.Wrap(err, "provider write exhausted retries",
			goerr.T(types.TagTransport),
			goerr.V("op", name),
			goerr.V("max_retries", w.maxRetries),
		)
	}
	return nil
}

// CreateCheckRunInput describes a check run to create or reuse.
type CreateCheckRunInput struct {
	RepoFullName string
	HeadSHA      string
	Name         string
	ExternalID   string
	Status       model.CheckRunStatus
	Output       *model.CheckRunOutput
}

// CreateCheckRun creates a check run, or returns the previously created
// one for the same idempotency key without a provider call. Concurrent
// calls with the same key collapse into a single provider call.
func (w *Writeback) CreateCheckRun(ctx context.Context, in CreateCheckRunInput) (*model.CheckRunResult, error) {
	key := idempotencyKey(in.RepoFullName, in.HeadSHA, in.Name, in.ExternalID)

	v, err, _ := w.flight.Do(key, func() (any, error) {
		return w.createCheckRun(ctx, key, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CheckRunResult), nil
}

func (w *Writeback) createCheckRun(ctx context.Context, key string, in CreateCheckRunInput) (*model.CheckRunResult, error) {
	w.mu.Lock()
	if cached, ok := w.checkRuns[key]; ok {
		w.mu.Unlock()
		ctxlog.From(ctx).Debug("check run already created", "key", key, "check_run_id", cached.CheckRunID)
		return cached, nil
	}
	w.mu.Unlock()

	owner, repo, err := splitRepo(in.RepoFullName)
	if err != nil {
		return nil, err
	}

	status := in.Status
	if status == "" {
		status = model.CheckStatusQueued
	}

	opts := github.CreateCheckRunOptions{
		Name:       in.Name,
		HeadSHA:    in.HeadSHA,
		Status:     github.Ptr(string(status)),
		ExternalID: github.Ptr(in.ExternalID),
		StartedAt:  &github.Timestamp{Time: time.Now()},
	}
	if in.Output != nil {
		opts.Output = toCheckRunOutput(in.Output, nil)
	}

	var created *github.CheckRun
	err = w.retry(ctx, "create_check_run", func() error {
		var callErr error
		created, callErr = w.client.CreateCheckRun(ctx, owner, repo, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result := &model.CheckRunResult{
		CheckRunID: created.GetID(),
		URL:        created.GetHTMLURL(),
		Status:     status,
	}

	w.mu.Lock()
	w.checkRuns[key] = result
	w.mu.Unlock()

	ctxlog.From(ctx).Info("check run created",
		"repo", in.RepoFullName,
		"head_sha", in.HeadSHA,
		"name", in.Name,
		"check_run_id", result.CheckRunID,
	)
	return result, nil
}

// UpdateCheckRun moves a check run to in_progress or refreshes its
// output.
func (w *Writeback) UpdateCheckRun(ctx context.Context, repoFullName string, checkRunID int64, status model.CheckRunStatus, output *model.CheckRunOutput) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	opts := github.UpdateCheckRunOptions{
		Status: github.Ptr(string(status)),
	}
	if output != nil {
		opts.Output = toCheckRunOutput(output, nil)
	}

	return w.retry(ctx, "update_check_run", func() error {
		_, callErr := w.client.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
		return callErr
	})
}

// CompleteCheckRun finishes a check run with a conclusion. Annotations
// beyond the per-call cap are delivered through follow-up updates.
func (w *Writeback) CompleteCheckRun(ctx context.Context, repoFullName string, checkRunID int64, conclusion model.CheckRunConclusion, output *model.CheckRunOutput) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	var annotations []model.Annotation
	if output != nil {
		annotations = output.Annotations
	}

	first := annotations
	if len(first) > maxAnnotationsPerCall {
		first = annotations[:maxAnnotationsPerCall]
	}

	opts := github.UpdateCheckRunOptions{
		Status:      github.Ptr(string(model.CheckStatusCompleted)),
		Conclusion:  github.Ptr(string(conclusion)),
		CompletedAt: &github.Timestamp{Time: time.Now()},
	}
	if output != nil {
		opts.Output = toCheckRunOutput(output, first)
	}

	if err := w.retry(ctx, "complete_check_run", func() error {
		_, callErr := w.client.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
		return callErr
	}); err != nil {
		return err
	}

	for offset := maxAnnotationsPerCall; offset < len(annotations); offset += maxAnnotationsPerCall {
		end := offset + maxAnnotationsPerCall
		if end > len(annotations) {
			end = len(annotations)
		}
		chunk := annotations[offset:end]

		chunkOpts := github.UpdateCheckRunOptions{
			Output: toCheckRunOutput(output, chunk),
		}
		if err := w.retry(ctx, "append_annotations", func() error {
			_, callErr := w.client.UpdateCheckRun(ctx, owner, repo, checkRunID, chunkOpts)
			return callErr
		}); err != nil {
			return err
		}
	}

	ctxlog.From(ctx).Info("check run completed",
		"repo", repoFullName,
		"check_run_id", checkRunID,
		"conclusion", conclusion,
		"annotations", len(annotations),
	)
	return nil
}

func toCheckRunOutput(out *model.CheckRunOutput, annotations []model.Annotation) *github.CheckRunOutput {
	ghOut := &github.CheckRunOutput{
		Title:   github.Ptr(out.Title),
		Summary: github.Ptr(out.Summary),
	}
	if out.Text != "" {
		ghOut.Text = github.Ptr(out.Text)
	}
	for _, a := range annotations {
		ghOut.Annotations = append(ghOut.Annotations, &github.CheckRunAnnotation{
			Path:            github.Ptr(a.Path),
			StartLine:       github.Ptr(a.StartLine),
			EndLine:         github.Ptr(a.EndLine),
			AnnotationLevel: github.Ptr(a.Level),
			Message:         github.Ptr(a.Message),
			Title:           github.Ptr(a.Title),
		})
	}
	return ghOut
}

// CreateStatus sets a commit status. Descriptions over the provider
// limit are truncated with an ellipsis.
func (w *Writeback) CreateStatus(ctx context.Context, repoFullName, sha, statusContext string, state model.CommitStatusState, description, targetURL string) (*model.StatusResult, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	if len(description) > maxStatusDescription {
		// Back off to a rune boundary so a multi-byte character is
		// never split.
		cut := maxStatusDescription - 3
		for cut > 0 && !utf8.RuneStart(description[cut]) {
			cut--
		}
		description = description[:cut] + "..."
	}

	status := &github.RepoStatus{
		State:       github.Ptr(string(state)),
		Context:     github.Ptr(statusContext),
		Description: github.Ptr(description),
	}
	if targetURL != "" {
		status.TargetURL = github.Ptr(targetURL)
	}

	var created *github.RepoStatus
	err = w.retry(ctx, "create_status", func() error {
		var callErr error
		created, callErr = w.client.CreateStatus(ctx, owner, repo, sha, status)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	return &model.StatusResult{
		StatusID: created.GetID(),
		URL:      created.GetURL(),
		State:    state,
	}, nil
}

// UpsertComment creates or updates the PR comment identified by key.
// The key rides in a hidden HTML marker so the comment survives process
// restarts: a cache miss falls back to scanning existing comments.
func (w *Writeback) UpsertComment(ctx context.Context, repoFullName string, prNumber int, key, body string) (*model.CommentResult, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	marker := fmt.Sprintf(commentMarkerFormat, key)
	full := marker + "\n" + body
	cacheKey := fmt.Sprintf("%s#%d:%s", repoFullName, prNumber, key)

	w.mu.Lock()
	commentID, cached := w.comments[cacheKey]
	w.mu.Unlock()

	if !cached {
		if found, ok, err := w.findComment(ctx, owner, repo, prNumber, marker); err != nil {
			return nil, err
		} else if ok {
			commentID = found
			cached = true
		}
	}

	if cached {
		var edited *github.IssueComment
		err := w.retry(ctx, "edit_comment", func() error {
			var callErr error
			edited, callErr = w.client.EditComment(ctx, owner, repo, commentID, &github.IssueComment{Body: github.Ptr(full)})
			return callErr
		})
		if err != nil {
			return nil, err
		}
		w.rememberComment(cacheKey, commentID)
		return &model.CommentResult{CommentID: commentID, URL: edited.GetHTMLURL()}, nil
	}

	var created *github.IssueComment
	err = w.retry(ctx, "create_comment", func() error {
		var callErr error
		created, callErr = w.client.CreateComment(ctx, owner, repo, prNumber, &github.IssueComment{Body: github.Ptr(full)})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	w.rememberComment(cacheKey, created.GetID())
	return &model.CommentResult{CommentID: created.GetID(), URL: created.GetHTMLURL()}, nil
}

// DeleteComment removes the managed comment for key, if present.
func (w *Writeback) DeleteComment(ctx context.Context, repoFullName string, prNumber int, key string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	marker := fmt.Sprintf(commentMarkerFormat, key)
	cacheKey := fmt.Sprintf("%s#%d:%s", repoFullName, prNumber, key)

	w.mu.Lock()
	commentID, cached := w.comments[cacheKey]
	w.mu.Unlock()

	if !cached {
		found, ok, err := w.findComment(ctx, owner, repo, prNumber, marker)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		commentID = found
	}

	if err := w.retry(ctx, "delete_comment", func() error {
		return w.client.DeleteComment(ctx, owner, repo, commentID)
	}); err != nil {
		return err
	}

	w.mu.Lock()
	delete(w.comments, cacheKey)
	w.mu.Unlock()
	return nil
}

func (w *Writeback) findComment(ctx context.Context, owner, repo string, prNumber int, marker string) (int64, bool, error) {
	var comments []*github.IssueComment
	err := w.retry(ctx, "list_comments", func() error {
		var callErr error
		comments, callErr = w.client.ListComments(ctx, owner, repo, prNumber)
		return callErr
	})
	if err != nil {
		return 0, false, err
	}
	for _, c := range comments {
		if strings.Contains(c.GetBody(), marker) {
			return c.GetID(), true, nil
		}
	}
	return 0, false, nil
}

func (w *Writeback) rememberComment(cacheKey string, id int64) {
	w.mu.Lock()
	w.comments[cacheKey] = id
	w.mu.Unlock()
}
