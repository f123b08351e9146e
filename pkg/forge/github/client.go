// Package github adapts the gh-based pkg/github client to forge.Client.
package github

import (
	"context"
	"strconv"

	"autocoder/pkg/forge"
	"autocoder/pkg/github"
)

// Client adapts github.Client to implement forge.Client.
type Client struct {
	ghClient *github.Client
}

// NewClient creates a new GitHub forge client from a github.Client.
func NewClient(ghClient *github.Client) *Client {
	return &Client{ghClient: ghClient}
}

// NewFactory returns a forge.Factory producing gh-backed clients that share opts.
func NewFactory(opts github.Options) forge.Factory {
	return func(owner, repo string) (forge.Client, error) {
		return NewClient(github.NewClient(owner, repo, opts)), nil
	}
}

// Provider returns the forge provider type.
func (c *Client) Provider() forge.Provider {
	return forge.ProviderGitHub
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return c.ghClient.RepoPath()
}

// ListOpenIssues lists open issues and pull requests.
func (c *Client) ListOpenIssues(ctx context.Context) ([]forge.Issue, error) {
	return c.ghClient.ListOpenIssues(ctx)
}

// GetPR retrieves a pull request by number.
func (c *Client) GetPR(ctx context.Context, number int) (*forge.PullRequest, error) {
	pr, err := c.ghClient.GetPR(ctx, strconv.Itoa(number))
	if err != nil {
		return nil, err
	}
	return pr.ToForge(), nil
}

// GetOrCreatePR returns an existing PR for the branch or creates a new one.
func (c *Client) GetOrCreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	pr, err := c.ghClient.GetOrCreatePR(ctx, opts)
	if err != nil {
		return nil, err
	}
	return pr.ToForge(), nil
}

// ListCheckRuns lists CI checks on a commit.
func (c *Client) ListCheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	return c.ghClient.ListCheckRuns(ctx, sha)
}

// ListReviewThreads lists review threads of a pull request.
func (c *Client) ListReviewThreads(ctx context.Context, number int) ([]forge.ReviewThread, error) {
	return c.ghClient.ListReviewThreads(ctx, number)
}

// ListIssueComments lists top-level comments of an issue or pull request.
func (c *Client) ListIssueComments(ctx context.Context, number int) ([]forge.Comment, error) {
	return c.ghClient.ListIssueComments(ctx, number)
}

// ListReviews lists submitted reviews of a pull request.
func (c *Client) ListReviews(ctx context.Context, number int) ([]forge.Review, error) {
	return c.ghClient.ListReviews(ctx, number)
}

// RemoveLabel removes a label from an issue or pull request.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	return c.ghClient.RemoveLabel(ctx, number, label)
}

// CommentOnIssue posts a comment on an issue or pull request.
func (c *Client) CommentOnIssue(ctx context.Context, number int, body string) error {
	return c.ghClient.CommentOnIssue(ctx, number, body)
}

var _ forge.Client = (*Client)(nil)
