package mocks

import (
	"context"
	"fmt"
	"sync"

	"autocoder/pkg/forge"
)

// MockForgeClient implements forge.Client for testing.
// Every method delegates to its Func field and records the call. Calls may
// arrive from workflow goroutines, so recording is guarded.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockForgeClient struct {
	ListOpenIssuesFunc    func(ctx context.Context) ([]forge.Issue, error)
	GetPRFunc             func(ctx context.Context, number int) (*forge.PullRequest, error)
	GetOrCreatePRFunc     func(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error)
	ListCheckRunsFunc     func(ctx context.Context, sha string) ([]forge.CheckRun, error)
	ListReviewThreadsFunc func(ctx context.Context, number int) ([]forge.ReviewThread, error)
	ListIssueCommentsFunc func(ctx context.Context, number int) ([]forge.Comment, error)
	ListReviewsFunc       func(ctx context.Context, number int) ([]forge.Review, error)
	RemoveLabelFunc       func(ctx context.Context, number int, label string) error
	CommentOnIssueFunc    func(ctx context.Context, number int, body string) error

	mu                  sync.Mutex
	ListOpenIssuesCalls int
	GetPRCalls          []int
	GetOrCreatePRCalls  []forge.PRCreateOptions
	RemoveLabelCalls    []LabelCall
	CommentCalls        []CommentCall

	repoPath string
}

// LabelCall records a RemoveLabel call.
type LabelCall struct {
	Number int
	Label  string
}

// CommentCall records a CommentOnIssue call.
type CommentCall struct {
	Number int
	Body   string
}

// NewMockForgeClient returns a client with benign defaults: no issues, a
// mergeable PR, no checks, threads, comments or reviews.
func NewMockForgeClient() *MockForgeClient {
	m := &MockForgeClient{repoPath: "acme/widgets"}

	m.ListOpenIssuesFunc = func(context.Context) ([]forge.Issue, error) {
		return []forge.Issue{}, nil
	}
	m.GetPRFunc = func(_ context.Context, number int) (*forge.PullRequest, error) {
		return &forge.PullRequest{
			Number:    number,
			URL:       fmt.Sprintf("https://github.com/acme/widgets/pull/%d", number),
			State:     "OPEN",
			HeadSHA:   "deadbeef",
			Mergeable: forge.MergeableClean,
		}, nil
	}
	m.GetOrCreatePRFunc = func(_ context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
		return &forge.PullRequest{
			Number:     100,
			URL:        "https://github.com/acme/widgets/pull/100",
			Title:      opts.Title,
			State:      "OPEN",
			HeadBranch: opts.Head,
			BaseBranch: opts.Base,
			Mergeable:  forge.MergeableClean,
			Labels:     opts.Labels,
		}, nil
	}
	m.ListCheckRunsFunc = func(context.Context, string) ([]forge.CheckRun, error) { return nil, nil }
	m.ListReviewThreadsFunc = func(context.Context, int) ([]forge.ReviewThread, error) { return nil, nil }
	m.ListIssueCommentsFunc = func(context.Context, int) ([]forge.Comment, error) { return nil, nil }
	m.ListReviewsFunc = func(context.Context, int) ([]forge.Review, error) { return nil, nil }
	m.RemoveLabelFunc = func(context.Context, int, string) error { return nil }
	m.CommentOnIssueFunc = func(context.Context, int, string) error { return nil }

	return m
}

// Factory returns a forge.Factory that always yields m.
func (m *MockForgeClient) Factory() forge.Factory {
	return func(owner, repo string) (forge.Client, error) {
		m.mu.Lock()
		m.repoPath = owner + "/" + repo
		m.mu.Unlock()
		return m, nil
	}
}

// Provider implements forge.Client.
func (m *MockForgeClient) Provider() forge.Provider { return forge.ProviderGitHub }

// RepoPath implements forge.Client.
func (m *MockForgeClient) RepoPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repoPath
}

// ListOpenIssues implements forge.Client.
func (m *MockForgeClient) ListOpenIssues(ctx context.Context) ([]forge.Issue, error) {
	m.mu.Lock()
	m.ListOpenIssuesCalls++
	m.mu.Unlock()
	return m.ListOpenIssuesFunc(ctx)
}

// GetPR implements forge.Client.
func (m *MockForgeClient) GetPR(ctx context.Context, number int) (*forge.PullRequest, error) {
	m.mu.Lock()
	m.GetPRCalls = append(m.GetPRCalls, number)
	m.mu.Unlock()
	return m.GetPRFunc(ctx, number)
}

// GetOrCreatePR implements forge.Client.
func (m *MockForgeClient) GetOrCreatePR(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
	m.mu.Lock()
	m.GetOrCreatePRCalls = append(m.GetOrCreatePRCalls, opts)
	m.mu.Unlock()
	return m.GetOrCreatePRFunc(ctx, opts)
}

// ListCheckRuns implements forge.Client.
func (m *MockForgeClient) ListCheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	return m.ListCheckRunsFunc(ctx, sha)
}

// ListReviewThreads implements forge.Client.
func (m *MockForgeClient) ListReviewThreads(ctx context.Context, number int) ([]forge.ReviewThread, error) {
	return m.ListReviewThreadsFunc(ctx, number)
}

// ListIssueComments implements forge.Client.
func (m *MockForgeClient) ListIssueComments(ctx context.Context, number int) ([]forge.Comment, error) {
	return m.ListIssueCommentsFunc(ctx, number)
}

// ListReviews implements forge.Client.
func (m *MockForgeClient) ListReviews(ctx context.Context, number int) ([]forge.Review, error) {
	return m.ListReviewsFunc(ctx, number)
}

// RemoveLabel implements forge.Client.
func (m *MockForgeClient) RemoveLabel(ctx context.Context, number int, label string) error {
	m.mu.Lock()
	m.RemoveLabelCalls = append(m.RemoveLabelCalls, LabelCall{Number: number, Label: label})
	m.mu.Unlock()
	return m.RemoveLabelFunc(ctx, number, label)
}

// CommentOnIssue implements forge.Client.
func (m *MockForgeClient) CommentOnIssue(ctx context.Context, number int, body string) error {
	m.mu.Lock()
	m.CommentCalls = append(m.CommentCalls, CommentCall{Number: number, Body: body})
	m.mu.Unlock()
	return m.CommentOnIssueFunc(ctx, number, body)
}

// Comments returns a copy of the recorded CommentOnIssue calls.
func (m *MockForgeClient) Comments() []CommentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommentCall(nil), m.CommentCalls...)
}

// RemovedLabels returns a copy of the recorded RemoveLabel calls.
func (m *MockForgeClient) RemovedLabels() []LabelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LabelCall(nil), m.RemoveLabelCalls...)
}

// PRRequests returns a copy of the recorded GetOrCreatePR calls.
func (m *MockForgeClient) PRRequests() []forge.PRCreateOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]forge.PRCreateOptions(nil), m.GetOrCreatePRCalls...)
}

var _ forge.Client = (*MockForgeClient)(nil)
