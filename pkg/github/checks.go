package github

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autocoder/pkg/forge"
)

// CheckRun represents a check run (individual job/check within a workflow).
//
//nolint:govet // Logical grouping preferred over memory optimization
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed, waiting, requested, pending
	Conclusion string `json:"conclusion"` // success, failure, neutral, cancelled, skipped, timed_out, action_required, startup_failure
	HeadSHA    string `json:"head_sha"`
}

// CheckRunsResponse represents the API response for listing check runs.
//
//nolint:govet // fieldalignment: API response struct, field order matches API
type CheckRunsResponse struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []CheckRun `json:"check_runs"`
}

// CommitStatus is a legacy commit status reported through the statuses API.
type CommitStatus struct {
	Context string `json:"context"`
	State   string `json:"state"` // error, failure, pending, success
}

type combinedStatus struct {
	Statuses []CommitStatus `json:"statuses"`
}

// GetCheckRunsForRef retrieves check runs for a commit SHA.
func (c *Client) GetCheckRunsForRef(ctx context.Context, ref string) ([]CheckRun, error) {
	endpoint := fmt.Sprintf("/repos/%s/commits/%s/check-runs?per_page=100", c.RepoPath(), ref)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get check runs for ref %s: %w", ref, err)
	}

	var response CheckRunsResponse
	if err := json.Unmarshal(output, &response); err != nil {
		return nil, fmt.Errorf("failed to parse check runs: %w", err)
	}
	return response.CheckRuns, nil
}

// GetCommitStatuses retrieves the legacy statuses for a commit SHA.
func (c *Client) GetCommitStatuses(ctx context.Context, ref string) ([]CommitStatus, error) {
	endpoint := fmt.Sprintf("/repos/%s/commits/%s/status", c.RepoPath(), ref)
	output, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get statuses for ref %s: %w", ref, err)
	}

	var response combinedStatus
	if err := json.Unmarshal(output, &response); err != nil {
		return nil, fmt.Errorf("failed to parse statuses: %w", err)
	}
	return response.Statuses, nil
}

// ListCheckRuns merges check runs and legacy statuses of a commit into one
// list. A status in state pending is reported as a pending check; any other
// state as a completed check with that state as conclusion.
func (c *Client) ListCheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	runs, err := c.GetCheckRunsForRef(ctx, sha)
	if err != nil {
		return nil, err
	}
	statuses, err := c.GetCommitStatuses(ctx, sha)
	if err != nil {
		return nil, err
	}

	out := make([]forge.CheckRun, 0, len(runs)+len(statuses))
	for _, r := range runs {
		out = append(out, forge.CheckRun{Name: r.Name, Status: r.Status, Conclusion: r.Conclusion})
	}
	for _, s := range statuses {
		if s.State == "pending" {
			out = append(out, forge.CheckRun{Name: s.Context, Status: "pending"})
			continue
		}
		out = append(out, forge.CheckRun{Name: s.Context, Status: "completed", Conclusion: s.State})
	}
	return out, nil
}

// Review is a submitted pull request review.
type Review struct {
	User        restUser  `json:"user"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ListReviews lists submitted reviews of a pull request.
func (c *Client) ListReviews(ctx context.Context, number int) ([]forge.Review, error) {
	endpoint := fmt.Sprintf("/repos/%s/pulls/%d/reviews?per_page=100", c.RepoPath(), number)
	output, err := c.APIGetPaginated(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviews of #%d: %w", number, err)
	}

	reviews, err := slurp[Review](output)
	if err != nil {
		return nil, err
	}
	out := make([]forge.Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, forge.Review{Author: r.User.Login, State: r.State, SubmittedAt: r.SubmittedAt})
	}
	return out, nil
}

const reviewThreadsQuery = `query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes {
          id
          isResolved
          comments(first: 1) { nodes { author { login } } }
        }
      }
    }
  }
}`

type reviewThreadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest *struct {
				ReviewThreads struct {
					Nodes []struct {
						ID         string `json:"id"`
						IsResolved bool   `json:"isResolved"`
						Comments   struct {
							Nodes []struct {
								Author *restUser `json:"author"`
							} `json:"nodes"`
						} `json:"comments"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
}

// ListReviewThreads lists the review threads of a pull request with the
// author of each thread's first comment.
func (c *Client) ListReviewThreads(ctx context.Context, number int) ([]forge.ReviewThread, error) {
	var resp reviewThreadsResponse
	err := c.GraphQL(ctx, &resp, reviewThreadsQuery, map[string]any{
		"owner":  c.owner,
		"repo":   c.repo,
		"number": number,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get review threads of #%d: %w", number, err)
	}
	pr := resp.Data.Repository.PullRequest
	if pr == nil {
		return nil, fmt.Errorf("pull request #%d: %w", number, forge.ErrNotFound)
	}

	out := make([]forge.ReviewThread, 0, len(pr.ReviewThreads.Nodes))
	for _, n := range pr.ReviewThreads.Nodes {
		t := forge.ReviewThread{ID: n.ID, Resolved: n.IsResolved}
		if len(n.Comments.Nodes) > 0 && n.Comments.Nodes[0].Author != nil {
			t.FirstAuthor = n.Comments.Nodes[0].Author.Login
		}
		out = append(out, t)
	}
	return out, nil
}
