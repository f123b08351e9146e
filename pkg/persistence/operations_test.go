package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDB opens a fresh database in a temp dir.
func createTestDB(t *testing.T) *DatabaseOperations {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDatabaseOperations(db)
}

func createTestProject(t *testing.T, ops *DatabaseOperations) *Project {
	t.Helper()
	p := &Project{
		Name:           "demo",
		Owner:          "acme",
		Repo:           "widgets",
		Active:         true,
		AutoScan:       true,
		TrustedAuthors: []string{"Alice", " bob ", "alice"},
	}
	require.NoError(t, ops.CreateProject(context.Background(), p))
	return p
}

func createTestItem(t *testing.T, ops *DatabaseOperations, projectID int64, number int, labels ...string) *WorkItem {
	t.Helper()
	item := &WorkItem{
		ProjectID:  projectID,
		ExternalID: int64(1000 + number),
		Number:     number,
		Title:      "item",
		State:      ItemOpen,
		Labels:     labels,
	}
	require.NoError(t, ops.UpsertWorkItem(context.Background(), item))
	return item
}

func TestSchemaVersion(t *testing.T) {
	ops := createTestDB(t)
	version, err := GetSchemaVersion(ops.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestOpenDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")
	db, err := OpenDatabase(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenDatabase(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestProjectDefaultsAndLookup(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)

	got, err := ops.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultBuildLabel, got.BuildLabel)
	assert.Equal(t, DefaultGeneratedLabel, got.GeneratedLabel)
	assert.Equal(t, DefaultMaxFollowUps, got.MaxFollowUps)
	assert.Equal(t, []string{"Alice", "bob"}, got.TrustedAuthors)
	assert.True(t, got.IsTrusted("ALICE"))
	assert.False(t, got.IsTrusted("mallory"))
	assert.Equal(t, "acme/widgets", got.FullName())

	byName, err := ops.GetProjectByName(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	_, err = ops.GetProject(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveProjects(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)

	active, err := ops.ListProjects(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, ops.SetProjectActive(ctx, p.ID, false))
	active, err = ops.ListProjects(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := ops.ListProjects(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteProjectCascades(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 1)
	_, err := ops.CreateRun(ctx, &Run{ID: "run-1", ProjectID: p.ID, WorkItemID: &item.ID, AgentType: "claude"})
	require.NoError(t, err)

	require.NoError(t, ops.DeleteProject(ctx, p.ID))

	_, err = ops.GetWorkItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ops.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertWorkItemPreservesOrchestrationState(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 7, "autocoder:build")
	assert.Equal(t, StateNew, item.OrchestrationState)

	ok, err := ops.TransitionWorkItemState(ctx, item.ID, StateInProgress, StateNew)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = ops.AdvanceFollowUp(ctx, item.ID, 0)
	require.NoError(t, err)

	refreshed := &WorkItem{ProjectID: p.ID, ExternalID: item.ExternalID, Number: 7, Title: "renamed", State: ItemOpen}
	require.NoError(t, ops.UpsertWorkItem(ctx, refreshed))

	assert.Equal(t, item.ID, refreshed.ID)
	assert.Equal(t, "renamed", refreshed.Title)
	assert.Equal(t, StateInProgress, refreshed.OrchestrationState)
	assert.Equal(t, 1, refreshed.FollowUpCount)
	assert.Empty(t, refreshed.Labels)
}

func TestUpsertWorkItemReopenResetsTerminalState(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 3)

	_, err := ops.TransitionWorkItemState(ctx, item.ID, StateInProgress, StateNew)
	require.NoError(t, err)
	_, err = ops.TransitionWorkItemState(ctx, item.ID, StateCompleted, StateInProgress)
	require.NoError(t, err)

	closed := &WorkItem{ProjectID: p.ID, ExternalID: item.ExternalID, Number: 3, State: ItemClosed}
	require.NoError(t, ops.UpsertWorkItem(ctx, closed))
	assert.Equal(t, StateCompleted, closed.OrchestrationState)

	reopened := &WorkItem{ProjectID: p.ID, ExternalID: item.ExternalID, Number: 3, State: ItemOpen}
	require.NoError(t, ops.UpsertWorkItem(ctx, reopened))
	assert.Equal(t, StateNew, reopened.OrchestrationState)
}

func TestTransitionWorkItemStateRejectsBackwardMoves(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 4)

	_, err := ops.TransitionWorkItemState(ctx, item.ID, StateInProgress, StateNew)
	require.NoError(t, err)
	_, err = ops.TransitionWorkItemState(ctx, item.ID, StateCompleted, StateInProgress)
	require.NoError(t, err)

	for _, to := range []OrchestrationState{StateNew, StatePlanning, StateInProgress, StateFailed} {
		ok, err := ops.TransitionWorkItemState(ctx, item.ID, to, StateCompleted)
		assert.ErrorIs(t, err, ErrInvalidTransition, "completed to %s", to)
		assert.False(t, ok)
	}
	_, err = ops.TransitionWorkItemState(ctx, item.ID, StateNew, StateFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := ops.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.OrchestrationState)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrchestrationState
		want     bool
	}{
		{StateNew, StateInProgress, true},
		{StateNew, StatePlanning, true},
		{StateNew, StateCompleted, false},
		{StatePlanning, StateNew, true},
		{StateInProgress, StateNew, true},
		{StateInProgress, StatePlanning, false},
		{StateFailed, StateInProgress, true},
		{StateFailed, StateNew, false},
		{StateCompleted, StateInProgress, false},
		{StateCompleted, StateNew, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s to %s", tt.from, tt.to)
	}
}

func TestAdvanceFollowUpCountsOnce(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 5)

	count, err := ops.AdvanceFollowUp(ctx, item.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A repeat of the same advance is absorbed.
	count, err = ops.AdvanceFollowUp(ctx, item.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = ops.AdvanceFollowUp(ctx, item.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = ops.AdvanceFollowUp(ctx, item.ID, 0)
	assert.ErrorIs(t, err, ErrStaleFollowUp)

	_, err = ops.AdvanceFollowUp(ctx, 9999, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := ops.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FollowUpCount)
}

func TestTransitionWorkItemStateIsConditional(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 1)

	ok, err := ops.TransitionWorkItemState(ctx, item.ID, StateInProgress, StateNew)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ops.TransitionWorkItemState(ctx, item.ID, StatePlanning, StateNew)
	require.NoError(t, err)
	assert.False(t, ok, "second transition from new must lose")

	got, err := ops.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, got.OrchestrationState)
}

func TestCloseMissingWorkItems(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	keep := createTestItem(t, ops, p.ID, 1)
	createTestItem(t, ops, p.ID, 2)

	n, err := ops.CloseMissingWorkItems(ctx, p.ID, []int64{keep.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	open, err := ops.ListOpenWorkItems(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].Number)
}

func TestCreateRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)

	run := &Run{ID: "r1", ProjectID: p.ID, AgentType: "claude", Signals: []SignalRecord{{Type: "ci_failure", Details: []string{"tests"}}}}
	created, err := ops.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ops.CreateRun(ctx, &Run{ID: "r1", ProjectID: p.ID, AgentType: "other"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := ops.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.AgentType)
	assert.Equal(t, RunPending, got.Status)
	assert.Equal(t, ModeBuild, got.Mode)
	require.Len(t, got.Signals, 1)
	assert.Equal(t, []string{"tests"}, got.Signals[0].Details)
}

func TestRunStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	_, err := ops.CreateRun(ctx, &Run{ID: "r1", ProjectID: p.ID, AgentType: "claude"})
	require.NoError(t, err)

	ok, err := ops.UpdateRunStatus(ctx, "r1", RunRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ops.FinishRun(ctx, "r1", RunCompleted, ReasonNoChanges, "")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, status := range []RunStatus{RunPending, RunPushing} {
		ok, err = ops.UpdateRunStatus(ctx, "r1", status)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ok, err = ops.FinishRun(ctx, "r1", RunFailed, "", "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := ops.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, ReasonNoChanges, got.Reason)
	assert.Empty(t, got.ErrorText)
	require.NotNil(t, got.CompletedAt)

	_, err = ops.UpdateRunStatus(ctx, "r1", RunFailed)
	assert.Error(t, err, "terminal statuses go through FinishRun")
}

func TestUpdateRunFields(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	_, err := ops.CreateRun(ctx, &Run{ID: "r1", ProjectID: p.ID, AgentType: "claude"})
	require.NoError(t, err)

	url, number, tokens := "https://example.test/pull/9", 9, int64(1200)
	require.NoError(t, ops.UpdateRun(ctx, "r1", &RunUpdate{PRURL: &url, PRNumber: &number, PromptTokens: &tokens}))

	got, err := ops.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, url, got.PRURL)
	assert.Equal(t, 9, got.PRNumber)
	assert.Equal(t, int64(1200), got.PromptTokens)

	assert.ErrorIs(t, ops.UpdateRun(ctx, "missing", &RunUpdate{PRURL: &url}), ErrNotFound)
	assert.NoError(t, ops.UpdateRun(ctx, "r1", &RunUpdate{}))
}

func TestClaimRunAuthTokenKeepsFirst(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	_, err := ops.CreateRun(ctx, &Run{ID: "r1", ProjectID: p.ID, AgentType: "claude"})
	require.NoError(t, err)

	empty, err := ops.GetRunAuthToken(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	first, err := ops.ClaimRunAuthToken(ctx, "r1", "sealed-a")
	require.NoError(t, err)
	second, err := ops.ClaimRunAuthToken(ctx, "r1", "sealed-b")
	require.NoError(t, err)
	assert.Equal(t, "sealed-a", first)
	assert.Equal(t, "sealed-a", second)
}

func TestActiveRunQueries(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	item := createTestItem(t, ops, p.ID, 5)
	pr := 42

	active, err := ops.HasActiveRunForPR(ctx, p.ID, pr)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = ops.CreateRun(ctx, &Run{ID: "f1", ProjectID: p.ID, WorkItemID: &item.ID, SourcePRNumber: &pr, AgentType: "claude"})
	require.NoError(t, err)

	active, err = ops.HasActiveRunForPR(ctx, p.ID, pr)
	require.NoError(t, err)
	assert.True(t, active)
	active, err = ops.HasActiveRunForWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = ops.FinishRun(ctx, "f1", RunCompleted, ReasonPublished, "")
	require.NoError(t, err)

	active, err = ops.HasActiveRunForPR(ctx, p.ID, pr)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestLastCompletedRunForPR(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)

	last, err := ops.LastCompletedRunForPR(ctx, p.ID, 42)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ops.now = func() time.Time { return base }
	_, err = ops.CreateRun(ctx, &Run{ID: "origin", ProjectID: p.ID, AgentType: "claude"})
	require.NoError(t, err)
	number := 42
	require.NoError(t, ops.UpdateRun(ctx, "origin", &RunUpdate{PRNumber: &number}))
	_, err = ops.FinishRun(ctx, "origin", RunCompleted, ReasonPublished, "")
	require.NoError(t, err)

	last, err = ops.LastCompletedRunForPR(ctx, p.ID, 42)
	require.NoError(t, err)
	assert.True(t, base.Equal(last))

	later := base.Add(time.Hour)
	ops.now = func() time.Time { return later }
	_, err = ops.CreateRun(ctx, &Run{ID: "follow", ProjectID: p.ID, SourcePRNumber: &number, AgentType: "claude"})
	require.NoError(t, err)
	_, err = ops.FinishRun(ctx, "follow", RunCompleted, ReasonNoChanges, "")
	require.NoError(t, err)

	last, err = ops.LastCompletedRunForPR(ctx, p.ID, 42)
	require.NoError(t, err)
	assert.True(t, later.Equal(last))
}

func TestWorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	ops := createTestDB(t)
	p := createTestProject(t, ops)
	_, err := ops.CreateRun(ctx, &Run{ID: "r1", ProjectID: p.ID, AgentType: "claude"})
	require.NoError(t, err)
	_, err = ops.CreateRun(ctx, &Run{ID: "r2", ProjectID: p.ID, AgentType: "claude"})
	require.NoError(t, err)

	wt := &Worktree{ProjectID: p.ID, RunID: "r1", Path: "/tmp/wt/r1", Branch: "autocoder/1-r1"}
	require.NoError(t, ops.RecordWorktree(ctx, wt))
	require.NoError(t, ops.RecordWorktree(ctx, wt), "recording twice is a no-op")

	// Another run cannot claim the same active branch.
	err = ops.RecordWorktree(ctx, &Worktree{ProjectID: p.ID, RunID: "r2", Path: "/tmp/wt/r2", Branch: "autocoder/1-r1"})
	assert.Error(t, err)

	require.NoError(t, ops.MarkWorktreePushed(ctx, "r1"))
	got, err := ops.GetWorktreeByRun(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Pushed)
	assert.Equal(t, WorktreeActive, got.Status)

	orphans, err := ops.ListOrphanedWorktrees(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans, "run still active")

	_, err = ops.FinishRun(ctx, "r1", RunFailed, "", "boom")
	require.NoError(t, err)
	orphans, err = ops.ListOrphanedWorktrees(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	ok, err := ops.SetWorktreeStatus(ctx, "r1", WorktreeCleaned)
	require.NoError(t, err)
	assert.True(t, ok)

	// Branch is free again once cleaned.
	require.NoError(t, ops.RecordWorktree(ctx, &Worktree{ProjectID: p.ID, RunID: "r2", Path: "/tmp/wt/r2", Branch: "autocoder/1-r1"}))
}

func TestParseList(t *testing.T) {
	assert.Nil(t, ParseList("  "))
	assert.Equal(t, []string{"a", "B"}, ParseList("a, B,,b"))
}
