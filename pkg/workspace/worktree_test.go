package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/coordinator"
	"autocoder/pkg/mirror"
	"autocoder/pkg/persistence"
	"autocoder/pkg/testkit"
)

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

type fixture struct {
	upstream string
	manager  *Manager
	project  *persistence.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	upstream := filepath.Join(dir, "upstream.git")
	git(t, dir, "init", "--bare", "--initial-branch=main", upstream)
	seed := filepath.Join(dir, "seed")
	git(t, dir, "clone", upstream, seed)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("hi\n"), 0644))
	git(t, seed, "add", ".")
	git(t, seed, "commit", "-m", "initial")
	git(t, seed, "push", "origin", "HEAD:main")

	mirrors := mirror.NewManager(filepath.Join(dir, "repos"), "", "")
	mirrors.URLFunc = func(_, _ string) string { return upstream }

	return &fixture{
		upstream: upstream,
		manager:  NewManager(mirrors, filepath.Join(dir, "worktrees")),
		project:  &persistence.Project{ID: 1, Name: "widgets", Owner: "acme", Repo: "widgets", BaseBranch: "main"},
	}
}

func (f *fixture) checkout(t *testing.T, runID, branch, from string) coordinator.Checkout {
	t.Helper()
	co, err := f.manager.CloneAndBranch(context.Background(), coordinator.CloneRequest{
		Project: f.project, RunID: runID, Branch: branch, FromBranch: from,
	})
	require.NoError(t, err)
	return co
}

func commitFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	git(t, dir, "add", name)
	git(t, dir, "commit", "-m", "add "+name)
}

func TestCloneAndBranch(t *testing.T) {
	f := newFixture(t)

	co := f.checkout(t, "run-1", "autocoder/7-run1", "main")
	assert.Equal(t, f.manager.Path(f.project, "run-1"), co.Path)
	assert.Equal(t, "autocoder/7-run1", co.Branch)
	assert.Equal(t, git(t, f.upstream, "rev-parse", "main"), co.BaseCommit)
	assert.Equal(t, "autocoder/7-run1", git(t, co.Path, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.FileExists(t, filepath.Join(co.Path, "README.md"))
}

func TestCloneAndBranchDefaultsToDefaultBranch(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t, "run-1", "autocoder/run-1", "")
	assert.Equal(t, git(t, f.upstream, "rev-parse", "main"), co.BaseCommit)
}

func TestCloneAndBranchReplacesLeftover(t *testing.T) {
	f := newFixture(t)
	first := f.checkout(t, "run-1", "autocoder/7-run1", "main")
	require.NoError(t, os.WriteFile(filepath.Join(first.Path, "scratch"), []byte("x"), 0644))

	second := f.checkout(t, "run-1", "autocoder/7-run1", "main")
	assert.Equal(t, first.Path, second.Path)
	assert.NoFileExists(t, filepath.Join(second.Path, "scratch"))
}

func TestPushPublishesBranch(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t, "run-1", "autocoder/7-run1", "main")
	commitFile(t, co.Path, "feature.txt")

	require.NoError(t, f.manager.Push(context.Background(), co.Path, co.Branch))
	assert.Equal(t, git(t, co.Path, "rev-parse", "HEAD"), git(t, f.upstream, "rev-parse", "refs/heads/autocoder/7-run1"))

	// A second push of the same head is a no-op.
	require.NoError(t, f.manager.Push(context.Background(), co.Path, co.Branch))
}

func TestFollowUpChecksOutExistingBranch(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t, "run-1", "autocoder/7-run1", "main")
	commitFile(t, co.Path, "feature.txt")
	require.NoError(t, f.manager.Push(context.Background(), co.Path, co.Branch))
	pushed := git(t, co.Path, "rev-parse", "HEAD")
	require.NoError(t, f.manager.Remove(context.Background(), f.project, co.Path, co.Branch))

	follow := f.checkout(t, "run-2", "autocoder/7-run1", "autocoder/7-run1")
	assert.Equal(t, pushed, follow.BaseCommit)
	commitFile(t, follow.Path, "fix.txt")
	require.NoError(t, f.manager.Push(context.Background(), follow.Path, follow.Branch))
	assert.Equal(t, git(t, follow.Path, "rev-parse", "HEAD"), git(t, f.upstream, "rev-parse", "refs/heads/autocoder/7-run1"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t, "run-1", "autocoder/7-run1", "main")
	ctx := context.Background()

	require.NoError(t, f.manager.Remove(ctx, f.project, co.Path, co.Branch))
	assert.NoDirExists(t, co.Path)
	bare := f.manager.mirrors.Path(f.project.Owner, f.project.Repo)
	assert.Empty(t, git(t, bare, "branch", "--list", co.Branch))

	require.NoError(t, f.manager.Remove(ctx, f.project, co.Path, co.Branch))
}

func TestRemoveWithoutClone(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(t.TempDir(), "stray")
	require.NoError(t, os.MkdirAll(dir, 0755))

	require.NoError(t, f.manager.Remove(context.Background(), f.project, dir, "autocoder/x"))
	assert.NoDirExists(t, dir)
}

func TestSweepRemovesOrphans(t *testing.T) {
	f := newFixture(t)
	ops := testkit.NewDB(t)
	ctx := context.Background()
	f.project = testkit.NewProject(t, ops, func(p *persistence.Project) { p.BaseBranch = "main" })

	for _, id := range []string{"done", "live"} {
		_, err := ops.CreateRun(ctx, &persistence.Run{ID: id, ProjectID: f.project.ID, WorkflowID: "w-" + id})
		require.NoError(t, err)
		co := f.checkout(t, id, "autocoder/"+id, "main")
		require.NoError(t, ops.RecordWorktree(ctx, &persistence.Worktree{
			ProjectID: f.project.ID, RunID: id, Path: co.Path, Branch: co.Branch, BaseCommit: co.BaseCommit,
		}))
	}
	_, err := ops.FinishRun(ctx, "done", persistence.RunFailed, "", "boom")
	require.NoError(t, err)

	res, err := f.manager.Sweep(ctx, ops, f.project)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Cleaned: 1}, res)

	wt, err := ops.GetWorktreeByRun(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, persistence.WorktreeCleaned, wt.Status)
	assert.NoDirExists(t, wt.Path)

	live, err := ops.GetWorktreeByRun(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, persistence.WorktreeActive, live.Status)
	assert.DirExists(t, live.Path)
}
