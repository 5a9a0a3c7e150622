package usecase_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
	"github.com/mergegate/mergegate/pkg/usecase"
)

type fakeGitHub struct {
	mu sync.Mutex

	failuresLeft int

	createCheckRunHook  func()
	createCheckRunCalls int
	updateCheckRunOpts  []github.UpdateCheckRunOptions
	statuses            []*github.RepoStatus
	comments            []*github.IssueComment
	deletedComments     []int64
	listCalls           int

	nextID int64
}

func (f *fakeGitHub) fail() error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("502 bad gateway")
	}
	return nil
}

func (f *fakeGitHub) CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error) {
	if f.createCheckRunHook != nil {
		f.createCheckRunHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCheckRunCalls++
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.nextID++
	return &github.CheckRun{
		ID:      github.Ptr(f.nextID),
		HTMLURL: github.Ptr("https://github.com/acme/widget/runs/1"),
	}, nil
}

func (f *fakeGitHub) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.updateCheckRunOpts = append(f.updateCheckRunOpts, opts)
	return &github.CheckRun{ID: github.Ptr(checkRunID)}, nil
}

func (f *fakeGitHub) CreateStatus(ctx context.Context, owner, repo, sha string, status *github.RepoStatus) (*github.RepoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.nextID++
	created := *status
	created.ID = github.Ptr(f.nextID)
	f.statuses = append(f.statuses, &created)
	return &created, nil
}

func (f *fakeGitHub) CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.nextID++
	created := &github.IssueComment{
		ID:      github.Ptr(f.nextID),
		Body:    comment.Body,
		HTMLURL: github.Ptr("https://github.com/acme/widget/pull/42#issuecomment-1"),
	}
	f.comments = append(f.comments, created)
	return created, nil
}

func (f *fakeGitHub) EditComment(ctx context.Context, owner, repo string, commentID int64, comment *github.IssueComment) (*github.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	for _, c := range f.comments {
		if c.GetID() == commentID {
			c.Body = comment.Body
			return c, nil
		}
	}
	return nil, errors.New("404 not found")
}

func (f *fakeGitHub) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	for i, c := range f.comments {
		if c.GetID() == commentID {
			f.comments = append(f.comments[:i], f.comments[i+1:]...)
			f.deletedComments = append(f.deletedComments, commentID)
			return nil
		}
	}
	return errors.New("404 not found")
}

func (f *fakeGitHub) ListComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.fail(); err != nil {
		return nil, err
	}
	out := make([]*github.IssueComment, len(f.comments))
	copy(out, f.comments)
	return out, nil
}

func newWriteback(client *fakeGitHub) *usecase.Writeback {
	return usecase.NewWriteback(client,
		usecase.WithMaxRetries(2),
		usecase.WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	)
}

func TestCreateCheckRunIdempotent(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}
	wb := newWriteback(client)

	in := usecase.CreateCheckRunInput{
		RepoFullName: "acme/widget",
		HeadSHA:      "abc123",
		Name:         "Mergegate Gate",
		ExternalID:   "run-1",
	}

	first, err := wb.CreateCheckRun(ctx, in)
	gt.NoError(t, err)
	gt.Number(t, client.createCheckRunCalls).Equal(1)

	// Same key returns the cached result without a provider call.
	second, err := wb.CreateCheckRun(ctx, in)
	gt.NoError(t, err)
	gt.Value(t, second.CheckRunID).Equal(first.CheckRunID)
	gt.Number(t, client.createCheckRunCalls).Equal(1)

	// A different run ID is a new check run.
	in.ExternalID = "run-2"
	_, err = wb.CreateCheckRun(ctx, in)
	gt.NoError(t, err)
	gt.Number(t, client.createCheckRunCalls).Equal(2)
}

func TestWritebackRetry(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{failuresLeft: 2}
	wb := newWriteback(client)

	result, err := wb.CreateCheckRun(ctx, usecase.CreateCheckRunInput{
		RepoFullName: "acme/widget",
		HeadSHA:      "abc123",
		Name:         "Mergegate Gate",
		ExternalID:   "run-1",
	})
	gt.NoError(t, err)
	gt.Value(t, result.CheckRunID).Equal(int64(1))
	gt.Number(t, client.createCheckRunCalls).Equal(3)
}

func TestWritebackRetryExhausted(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{failuresLeft: 100}
	wb := newWriteback(client)

	_, err := wb.CreateCheckRun(ctx, usecase.CreateCheckRunInput{
		RepoFullName: "acme/widget",
		HeadSHA:      "abc123",
		Name:         "Mergegate Gate",
		ExternalID:   "run-1",
	})
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, types.TagTransport))
	// Initial attempt plus two retries.
	gt.Number(t, client.createCheckRunCalls).Equal(3)
}

func TestCompleteCheckRunChunksAnnotations(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}
	wb := newWriteback(client)

	annotations := make([]model.Annotation, 120)
	for i := range annotations {
		annotations[i] = model.Annotation{
			Path:      "main.go",
			StartLine: i + 1,
			EndLine:   i + 1,
			Level:     "warning",
			Message:   "finding",
		}
	}

	err := wb.CompleteCheckRun(ctx, "acme/widget", 7, model.ConclusionFailure, &model.CheckRunOutput{
		Title:       "Gate failed",
		Summary:     "120 findings",
		Annotations: annotations,
	})
	gt.NoError(t, err)

	gt.Number(t, len(client.updateCheckRunOpts)).Equal(3)
	gt.Number(t, len(client.updateCheckRunOpts[0].Output.Annotations)).Equal(50)
	gt.Number(t, len(client.updateCheckRunOpts[1].Output.Annotations)).Equal(50)
	gt.Number(t, len(client.updateCheckRunOpts[2].Output.Annotations)).Equal(20)

	gt.Value(t, client.updateCheckRunOpts[0].GetStatus()).Equal("completed")
	gt.Value(t, client.updateCheckRunOpts[0].GetConclusion()).Equal("failure")
}

func TestCreateStatusTruncatesDescription(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}
	wb := newWriteback(client)

	long := strings.Repeat("x", 200)
	result, err := wb.CreateStatus(ctx, "acme/widget", "abc123", "mergegate/gate", model.StatusFailure, long, "")
	gt.NoError(t, err)
	gt.Value(t, result.State).Equal(model.StatusFailure)

	desc := client.statuses[0].GetDescription()
	gt.Number(t, len(desc)).Equal(140)
	gt.True(t, strings.HasSuffix(desc, "..."))
}

func TestCreateStatusTruncatesOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}
	wb := newWriteback(client)

	// Three-byte runes guarantee the byte limit lands mid-rune.
	long := strings.Repeat("世", 100)
	_, err := wb.CreateStatus(ctx, "acme/widget", "abc123", "mergegate/gate", model.StatusFailure, long, "")
	gt.NoError(t, err)

	desc := client.statuses[0].GetDescription()
	gt.True(t, utf8.ValidString(desc))
	gt.True(t, strings.HasSuffix(desc, "..."))
	gt.True(t, len(desc) <= 140)
}

func TestCreateCheckRunConcurrent(t *testing.T) {
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client := &fakeGitHub{
		createCheckRunHook: func() {
			once.Do(func() { close(started) })
			<-release
		},
	}
	wb := newWriteback(client)

	in := usecase.CreateCheckRunInput{
		RepoFullName: "acme/widget",
		HeadSHA:      "abc123",
		Name:         "Mergegate Gate",
		ExternalID:   "run-1",
	}

	const callers = 8
	results := make([]*model.CheckRunResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = wb.CreateCheckRun(ctx, in)
		}(i)
	}

	// Let the callers pile up behind the in-flight provider call
	// before it answers.
	<-started
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		gt.NoError(t, errs[i])
		gt.Value(t, results[i].CheckRunID).Equal(results[0].CheckRunID)
	}
	gt.Number(t, client.createCheckRunCalls).Equal(1)
}

func TestUpsertComment(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}
	wb := newWriteback(client)

	first, err := wb.UpsertComment(ctx, "acme/widget", 42, "gate-summary", "All checks passed")
	gt.NoError(t, err)
	gt.Number(t, len(client.comments)).Equal(1)
	gt.String(t, client.comments[0].GetBody()).Contains("<!-- mergegate:gate-summary -->")
	gt.String(t, client.comments[0].GetBody()).Contains("All checks passed")

	// Second upsert edits in place.
	second, err := wb.UpsertComment(ctx, "acme/widget", 42, "gate-summary", "2 findings")
	gt.NoError(t, err)
	gt.Value(t, second.CommentID).Equal(first.CommentID)
	gt.Number(t, len(client.comments)).Equal(1)
	gt.String(t, client.comments[0].GetBody()).Contains("2 findings")
}

func TestUpsertCommentRediscoversAfterRestart(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}

	wb := newWriteback(client)
	first, err := wb.UpsertComment(ctx, "acme/widget", 42, "gate-summary", "initial")
	gt.NoError(t, err)

	// A fresh instance has an empty cache and must find the marker by
	// listing comments.
	fresh := newWriteback(client)
	second, err := fresh.UpsertComment(ctx, "acme/widget", 42, "gate-summary", "updated")
	gt.NoError(t, err)
	gt.Value(t, second.CommentID).Equal(first.CommentID)
	gt.Number(t, len(client.comments)).Equal(1)
	gt.Number(t, client.listCalls).Equal(1)
}

func TestDeleteComment(t *testing.T) {
	ctx := context.Background()
	client := &fakeGitHub{}
	wb := newWriteback(client)

	_, err := wb.UpsertComment(ctx, "acme/widget", 42, "gate-summary", "to be removed")
	gt.NoError(t, err)

	gt.NoError(t, wb.DeleteComment(ctx, "acme/widget", 42, "gate-summary"))
	gt.Number(t, len(client.comments)).Equal(0)

	// Deleting an absent comment is a no-op.
	gt.NoError(t, wb.DeleteComment(ctx, "acme/widget", 42, "gate-summary"))
}

func TestMalformedRepoRejected(t *testing.T) {
	ctx := context.Background()
	wb := newWriteback(&fakeGitHub{})

	_, err := wb.CreateCheckRun(ctx, usecase.CreateCheckRunInput{
		RepoFullName: "no-slash",
		HeadSHA:      "abc123",
		Name:         "Mergegate Gate",
		ExternalID:   "run-1",
	})
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, types.TagValidation))
}
