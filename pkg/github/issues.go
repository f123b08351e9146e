package github

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autocoder/pkg/forge"
)

type restUser struct {
	Login string `json:"login"`
}

// Issue is an issue or pull request as returned by the REST issues API.
//
//nolint:govet // fieldalignment: API response struct, field order matches API
type Issue struct {
	ID          int64     `json:"id"`
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	Labels      []Label   `json:"labels"`
	User        restUser  `json:"user"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// restPull is the part of a REST pull request that the issues API omits.
type restPull struct {
	Number int `json:"number"`
	Head   struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// IssueComment is a top-level comment on an issue or pull request.
type IssueComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      restUser  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// slurp decodes the output of `gh api --paginate --slurp`, an array of pages.
func slurp[T any](raw []byte) ([]T, error) {
	var pages [][]T
	if err := json.Unmarshal(raw, &pages); err != nil {
		return nil, fmt.Errorf("failed to parse paginated response: %w", err)
	}
	var out []T
	for _, page := range pages {
		out = append(out, page...)
	}
	return out, nil
}

// ListOpenIssues lists open issues and pull requests of the repository.
// Pull requests carry their head branch and commit, which the issues API
// does not return; they are read from the open pulls listing.
func (c *Client) ListOpenIssues(ctx context.Context) ([]forge.Issue, error) {
	endpoint := fmt.Sprintf("/repos/%s/issues?state=open&per_page=100", c.RepoPath())
	output, err := c.WithTimeout(2*c.timeout).APIGetPaginated(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list open issues: %w", err)
	}

	issues, err := slurp[Issue](output)
	if err != nil {
		return nil, err
	}

	out := make([]forge.Issue, 0, len(issues))
	for i := range issues {
		is := &issues[i]
		labels := make([]string, 0, len(is.Labels))
		for _, l := range is.Labels {
			labels = append(labels, l.Name)
		}
		out = append(out, forge.Issue{
			ID:            is.ID,
			Number:        is.Number,
			Title:         is.Title,
			Body:          is.Body,
			State:         is.State,
			IsPullRequest: is.PullRequest != nil,
			Labels:        labels,
			Author:        is.User.Login,
			CreatedAt:     is.CreatedAt,
			UpdatedAt:     is.UpdatedAt,
		})
	}

	if err := c.fillHeads(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fillHeads sets HeadBranch and HeadSHA of the pull requests in issues.
func (c *Client) fillHeads(ctx context.Context, issues []forge.Issue) error {
	byNumber := make(map[int]*forge.Issue)
	for i := range issues {
		if issues[i].IsPullRequest {
			byNumber[issues[i].Number] = &issues[i]
		}
	}
	if len(byNumber) == 0 {
		return nil
	}

	endpoint := fmt.Sprintf("/repos/%s/pulls?state=open&per_page=100", c.RepoPath())
	output, err := c.WithTimeout(2*c.timeout).APIGetPaginated(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("failed to list open pull requests: %w", err)
	}
	pulls, err := slurp[restPull](output)
	if err != nil {
		return err
	}
	for _, pr := range pulls {
		if is, ok := byNumber[pr.Number]; ok {
			is.HeadBranch = pr.Head.Ref
			is.HeadSHA = pr.Head.SHA
		}
	}
	return nil
}

// ListIssueComments lists top-level comments on an issue or pull request.
func (c *Client) ListIssueComments(ctx context.Context, number int) ([]forge.Comment, error) {
	endpoint := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", c.RepoPath(), number)
	output, err := c.APIGetPaginated(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get comments of #%d: %w", number, err)
	}

	comments, err := slurp[IssueComment](output)
	if err != nil {
		return nil, err
	}
	out := make([]forge.Comment, 0, len(comments))
	for _, cm := range comments {
		out = append(out, forge.Comment{ID: cm.ID, Author: cm.User.Login, Body: cm.Body, CreatedAt: cm.CreatedAt})
	}
	return out, nil
}
