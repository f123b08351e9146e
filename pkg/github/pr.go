package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autocoder/pkg/forge"
)

const prFields = "number,url,title,state,headRefName,headRefOid,baseRefName,mergeable,labels,createdAt"

// Label is a label as returned by gh --json.
type Label struct {
	Name string `json:"name"`
}

// PullRequest represents a GitHub pull request.
// Field names match gh CLI --json output (GraphQL field names).
//
//nolint:govet // Logical grouping preferred over memory optimization
type PullRequest struct {
	Number      int       `json:"number"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	State       string    `json:"state"`       // OPEN, CLOSED, MERGED
	HeadRefName string    `json:"headRefName"` // Branch name
	HeadRefOid  string    `json:"headRefOid"`  // Commit SHA
	BaseRefName string    `json:"baseRefName"` // Target branch name
	Mergeable   string    `json:"mergeable"`   // MERGEABLE, CONFLICTING, or UNKNOWN
	Labels      []Label   `json:"labels"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToForge converts pr to the provider-neutral form.
func (pr *PullRequest) ToForge() *forge.PullRequest {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.Name)
	}
	return &forge.PullRequest{
		Number:     pr.Number,
		URL:        pr.URL,
		Title:      pr.Title,
		State:      pr.State,
		HeadBranch: pr.HeadRefName,
		HeadSHA:    pr.HeadRefOid,
		BaseBranch: pr.BaseRefName,
		Mergeable:  pr.Mergeable,
		Labels:     labels,
		CreatedAt:  pr.CreatedAt,
	}
}

// ListPRsForBranch lists open pull requests for a specific head branch.
func (c *Client) ListPRsForBranch(ctx context.Context, branch string) ([]PullRequest, error) {
	args := []string{
		"pr", "list",
		"--repo", c.RepoPath(),
		"--head", branch,
		"--state", "open",
		"--json", prFields,
	}

	var prs []PullRequest
	if err := c.runJSON(ctx, &prs, args...); err != nil {
		return nil, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}
	return prs, nil
}

// GetPR retrieves a pull request by number, URL or branch name.
func (c *Client) GetPR(ctx context.Context, ref string) (*PullRequest, error) {
	args := []string{
		"pr", "view", ref,
		"--repo", c.RepoPath(),
		"--json", prFields,
	}

	var pr PullRequest
	if err := c.runJSON(ctx, &pr, args...); err != nil {
		return nil, fmt.Errorf("failed to get PR %s: %w", ref, err)
	}
	return &pr, nil
}

// CreatePR creates a new pull request.
func (c *Client) CreatePR(ctx context.Context, opts forge.PRCreateOptions) (*PullRequest, error) {
	if opts.Head == "" {
		return nil, errors.New("head branch is required")
	}
	if opts.Title == "" {
		return nil, errors.New("title is required")
	}

	base := opts.Base
	if base == "" {
		base = DefaultBranch
	}

	args := []string{
		"pr", "create",
		"--repo", c.RepoPath(),
		"--title", opts.Title,
		"--head", opts.Head,
		"--base", base,
		"--body", opts.Body,
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	// Use longer timeout for PR creation
	client := c.WithTimeout(2 * time.Minute)
	output, err := client.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PR: %w", err)
	}

	// gh pr create returns the PR URL
	prURL := strings.TrimSpace(string(output))
	if prURL == "" {
		return nil, errors.New("PR created but no URL returned")
	}
	if i := strings.LastIndex(prURL, "\n"); i >= 0 {
		prURL = prURL[i+1:]
	}

	return c.GetPR(ctx, prURL)
}

// GetOrCreatePR returns an existing open PR for the branch or creates a new
// one. A retried create therefore never opens a second PR.
func (c *Client) GetOrCreatePR(ctx context.Context, opts forge.PRCreateOptions) (*PullRequest, error) {
	prs, err := c.ListPRsForBranch(ctx, opts.Head)
	if err != nil {
		return nil, err
	}
	if len(prs) > 0 {
		c.logger.Debug("Found existing PR #%d for branch %s", prs[0].Number, opts.Head)
		return &prs[0], nil
	}
	return c.CreatePR(ctx, opts)
}

// CommentOnIssue adds a comment to an issue or pull request.
func (c *Client) CommentOnIssue(ctx context.Context, number int, body string) error {
	args := []string{
		"issue", "comment", strconv.Itoa(number),
		"--repo", c.RepoPath(),
		"--body", body,
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return nil
}

// RemoveLabel removes label from an issue or pull request. Removing a label
// that is not present is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	endpoint := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", c.RepoPath(), number, url.PathEscape(label))
	if _, err := c.APIDelete(ctx, endpoint); err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove label %q from #%d: %w", label, number, err)
	}
	return nil
}
