// Package testkit provides database fixtures shared by package tests.
package testkit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"autocoder/pkg/persistence"
)

// NewDB opens a fresh SQLite store in a temp dir, closed at test end.
func NewDB(t *testing.T) *persistence.DatabaseOperations {
	t.Helper()
	db, err := persistence.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return persistence.NewDatabaseOperations(db)
}

// ProjectOption tweaks a fixture project before it is inserted.
type ProjectOption func(*persistence.Project)

// WithTrusted sets the trusted-author allowlist.
func WithTrusted(logins ...string) ProjectOption {
	return func(p *persistence.Project) { p.TrustedAuthors = logins }
}

// WithActionLabels sets the actionable labels.
func WithActionLabels(labels ...string) ProjectOption {
	return func(p *persistence.Project) { p.ActionLabels = labels }
}

// WithMaxFollowUps sets the follow-up ceiling.
func WithMaxFollowUps(n int) ProjectOption {
	return func(p *persistence.Project) { p.MaxFollowUps = n }
}

// NewProject inserts an active, auto-scanning project for acme/widgets.
func NewProject(t *testing.T, ops *persistence.DatabaseOperations, opts ...ProjectOption) *persistence.Project {
	t.Helper()
	p := &persistence.Project{
		Name:                  "widgets",
		Owner:                 "acme",
		Repo:                  "widgets",
		Active:                true,
		AutoScan:              true,
		AutoFixMergeConflicts: true,
		TrustedAuthors:        []string{"alice"},
		PollIntervalSeconds:   1,
	}
	for _, opt := range opts {
		opt(p)
	}
	require.NoError(t, ops.CreateProject(context.Background(), p))
	return p
}

// NewIssue inserts an open issue in state new.
func NewIssue(t *testing.T, ops *persistence.DatabaseOperations, projectID int64, number int, labels ...string) *persistence.WorkItem {
	t.Helper()
	item := &persistence.WorkItem{
		ProjectID:  projectID,
		ExternalID: int64(100000 + number),
		Number:     number,
		Title:      "issue",
		Body:       "please do the thing",
		State:      persistence.ItemOpen,
		Labels:     labels,
		Author:     "alice",
	}
	require.NoError(t, ops.UpsertWorkItem(context.Background(), item))
	return item
}

// NewPR inserts an open pull request carrying labels.
func NewPR(t *testing.T, ops *persistence.DatabaseOperations, projectID int64, number int, labels ...string) *persistence.WorkItem {
	t.Helper()
	item := &persistence.WorkItem{
		ProjectID:  projectID,
		ExternalID: int64(200000 + number),
		Number:     number,
		Title:      "generated change",
		State:      persistence.ItemOpen,
		IsPR:       true,
		Labels:     labels,
		Author:     "autocoder-bot",
		HeadBranch: "autocoder/1-abcdef12",
		HeadSHA:    "deadbeef",
	}
	require.NoError(t, ops.UpsertWorkItem(context.Background(), item))
	return item
}
