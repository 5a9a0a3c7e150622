package github

import (
	"context"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

type client struct {
	githubClient *github.Client
}

// NewClient creates a GitHub client with App installation credentials.
func NewClient(appID, installationID int64, privateKey []byte) (interfaces.GitHubClient, error) {
	itr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKey)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create GitHub App transport",
			goerr.V("app_id", appID),
			goerr.V("installation_id", installationID),
		)
	}
	return &client{
		githubClient: github.NewClient(&http.Client{Transport: itr}),
	}, nil
}

// NewClientFromKeyFile is NewClient reading the private key from disk.
func NewClientFromKeyFile(appID, installationID int64, privateKeyPath string) (interfaces.GitHubClient, error) {
	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create GitHub App transport",
			goerr.V("app_id", appID),
			goerr.V("key_path", privateKeyPath),
		)
	}
	return &client{
		githubClient: github.NewClient(&http.Client{Transport: itr}),
	}, nil
}

// NewTokenClient creates a client from a personal access token. Used
// for local development and tests.
func NewTokenClient(token string) interfaces.GitHubClient {
	return &client{
		githubClient: github.NewClient(nil).WithAuthToken(token),
	}
}

// NewWithBaseURL creates an unauthenticated client against an
// alternative API endpoint, for tests.
func NewWithBaseURL(baseURL string) (interfaces.GitHubClient, error) {
	gh, err := github.NewClient(nil).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to set base URL", goerr.V("base_url", baseURL))
	}
	return &client{githubClient: gh}, nil
}

func (c *client) CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, error) {
	checkRun, _, err := c.githubClient.Checks.CreateCheckRun(ctx, owner, repo, opts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create check run",
			goerr.T(types.TagTransport),
			goerr.V("repo", owner+"/"+repo),
			goerr.V("head_sha", opts.HeadSHA),
		)
	}
	return checkRun, nil
}

func (c *client) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	checkRun, _, err := c.githubClient.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update check run",
			goerr.T(types.TagTransport),
			goerr.V("repo", owner+"/"+repo),
			goerr.V("check_run_id", checkRunID),
		)
	}
	return checkRun, nil
}

func (c *client) CreateStatus(ctx context.Context, owner, repo, sha string, status *github.RepoStatus) (*github.RepoStatus, error) {
	created, _, err := c.githubClient.Repositories.CreateStatus(ctx, owner, repo, sha, status)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create commit status",
			goerr.T(types.TagTransport),
			goerr.V("repo", owner+"/"+repo),
			goerr.V("sha", sha),
		)
	}
	return created, nil
}

func (c *client) CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, error) {
	created, _, err := c.githubClient.Issues.CreateComment(ctx, owner, repo, number, comment)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create comment",
			goerr.T(types.TagTransport),
			goerr.V("repo", owner+"/"+repo),
			goerr.V("number", number),
		)
	}
	return created, nil
}

func (c *client) EditComment(ctx context.Context, owner, repo string, commentID int64, comment *github.IssueComment) (*github.IssueComment, error) {
	edited, _, err := c.githubClient.Issues.EditComment(ctx, owner, repo, commentID, comment)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to edit comment",
			goerr.T(types.TagTransport),
			goerr.V("repo", owner+"/"+repo),
			goerr.V("comment_id", commentID),
		)
	}
	return edited, nil
}

func (c *client) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	if _, err := c.githubClient.Issues.DeleteComment(ctx, owner, repo, commentID); err != nil {
		return goerr.Wrap(err, "failed to delete comment",
			goerr.T(types.TagTransport),
			goerr.V("repo", owner+"/"+repo),
			goerr.V("comment_id", commentID),
		)
	}
	return nil
}

func (c *client) ListComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	var all []*github.IssueComment
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := c.githubClient.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list comments",
				goerr.T(types.TagTransport),
				goerr.V("repo", owner+"/"+repo),
				goerr.V("number", number),
			)
		}
		all = append(all, comments...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}
