package interfaces

import (
	"context"

	"github.com/google/go-github/v75/github"
)

// GitHubClient defines the provider API operations used by the
// write-back channel. Implementations carry installation credentials
// via their transport.
type GitHubClient interface {
	CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error)

	CreateStatus(ctx context.Context, owner, repo, sha string, status *github.RepoStatus) (*github.RepoStatus, error)

	CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, error)
	EditComment(ctx context.Context, owner, repo string, commentID int64, comment *github.IssueComment) (*github.IssueComment, error)
	DeleteComment(ctx context.Context, owner, repo string, commentID int64) error
	ListComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error)
}
