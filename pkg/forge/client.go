// Package forge defines the repository-host operations the orchestrator
// consumes. Field names are normalized across providers.
package forge

import (
	"context"
	"errors"
	"time"
)

// Provider represents a git hosting provider type.
type Provider string

// Provider constants.
const (
	ProviderGitHub Provider = "github"
)

var (
	// ErrUpstreamUnavailable means the host could not be reached or answered
	// with a server-side failure. Callers treat it as transient.
	ErrUpstreamUnavailable = errors.New("upstream connection failed")

	// ErrNotFound means the host answered that the object does not exist.
	ErrNotFound = errors.New("not found on forge")
)

// Mergeable states.
const (
	MergeableClean       = "MERGEABLE"
	MergeableConflicting = "CONFLICTING"
	MergeableUnknown     = "UNKNOWN"
)

// Issue is an open issue or pull request as listed by the host.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Issue struct {
	ID            int64     `json:"id"`
	Number        int       `json:"number"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	State         string    `json:"state"`
	IsPullRequest bool      `json:"is_pull_request"`
	Labels        []string  `json:"labels"`
	Author        string    `json:"author"`
	HeadBranch    string    `json:"head_branch,omitempty"`
	HeadSHA       string    `json:"head_sha,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PullRequest represents a pull request from any forge provider.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type PullRequest struct {
	Number     int       `json:"number"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	State      string    `json:"state"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	BaseBranch string    `json:"base_branch"`
	Mergeable  string    `json:"mergeable"`
	Labels     []string  `json:"labels"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasConflicts reports whether the host marked the PR as conflicting.
func (pr *PullRequest) HasConflicts() bool {
	return pr.Mergeable == MergeableConflicting
}

// CheckRun is one CI check on a commit.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// ReviewThread is a line-level review conversation.
type ReviewThread struct {
	ID          string `json:"id"`
	Resolved    bool   `json:"resolved"`
	FirstAuthor string `json:"first_author"`
}

// Comment is a top-level conversation comment on an issue or PR.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is a submitted pull request review.
type Review struct {
	Author      string    `json:"author"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Review states.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	Title  string
	Body   string
	Head   string   // source branch (required)
	Base   string   // target branch, defaults to main
	Labels []string // applied on creation
	Draft  bool
}

// Client defines the host operations the orchestrator uses.
type Client interface {
	// Provider returns the forge provider type.
	Provider() Provider

	// RepoPath returns the owner/repo path.
	RepoPath() string

	// ListOpenIssues lists open issues and pull requests.
	ListOpenIssues(ctx context.Context) ([]Issue, error)

	// GetPR retrieves a pull request by number.
	GetPR(ctx context.Context, number int) (*PullRequest, error)

	// GetOrCreatePR returns an existing PR for the head branch or creates one.
	GetOrCreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error)

	// ListCheckRuns lists CI checks on a commit.
	ListCheckRuns(ctx context.Context, sha string) ([]CheckRun, error)

	// ListReviewThreads lists review threads of a pull request.
	ListReviewThreads(ctx context.Context, number int) ([]ReviewThread, error)

	// ListIssueComments lists top-level comments of an issue or pull request.
	ListIssueComments(ctx context.Context, number int) ([]Comment, error)

	// ListReviews lists submitted reviews of a pull request.
	ListReviews(ctx context.Context, number int) ([]Review, error)

	// RemoveLabel removes a label from an issue or pull request.
	RemoveLabel(ctx context.Context, number int, label string) error

	// CommentOnIssue posts a comment on an issue or pull request.
	CommentOnIssue(ctx context.Context, number int, body string) error
}

// Factory returns a client for owner/repo.
type Factory func(owner, repo string) (Client, error)
