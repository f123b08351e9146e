// Package workspace manages the git worktree each run works in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autocoder/pkg/coordinator"
	"autocoder/pkg/logx"
	"autocoder/pkg/mirror"
	"autocoder/pkg/persistence"
	"autocoder/pkg/utils"
)

// Manager adds worktrees off the shared bare clones kept by a
// mirror.Manager. It implements coordinator.Workspace.
type Manager struct {
	mirrors *mirror.Manager
	root    string
	logger  *logx.Logger
}

// NewManager creates a Manager placing worktrees under root.
func NewManager(mirrors *mirror.Manager, root string) *Manager {
	return &Manager{
		mirrors: mirrors,
		root:    root,
		logger:  logx.NewLogger("workspace"),
	}
}

// Path returns the worktree location of a run.
func (m *Manager) Path(project *persistence.Project, runID string) string {
	return filepath.Join(m.root, utils.SanitizeIdentifier(project.Owner+"-"+project.Repo), utils.SanitizeIdentifier(runID))
}

// CloneAndBranch refreshes the project's clone and checks out req.Branch in
// a fresh worktree, created from req.FromBranch. A worktree left by an
// earlier attempt of the same run is replaced.
func (m *Manager) CloneAndBranch(ctx context.Context, req coordinator.CloneRequest) (coordinator.Checkout, error) {
	p := req.Project
	unlock := m.mirrors.Lock(p.Owner, p.Repo)
	defer unlock()

	bare, err := m.mirrors.Ensure(ctx, p.Owner, p.Repo)
	if err != nil {
		return coordinator.Checkout{}, err
	}

	from := req.FromBranch
	if from == "" {
		if from, err = m.mirrors.DefaultBranch(ctx, bare); err != nil {
			return coordinator.Checkout{}, err
		}
	}

	path := m.Path(p, req.RunID)
	if _, err := os.Stat(path); err == nil {
		m.logger.Info("Replacing leftover worktree %s", path)
		m.removeWorktree(ctx, bare, path)
		if err := removeDir(path); err != nil {
			return coordinator.Checkout{}, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return coordinator.Checkout{}, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	if _, err := m.mirrors.Git(ctx, bare, "worktree", "add", "-B", req.Branch, path, mirror.RemoteRef(from)); err != nil {
		return coordinator.Checkout{}, fmt.Errorf("failed to create worktree for %s: %w", req.Branch, err)
	}

	base, err := m.mirrors.Git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return coordinator.Checkout{}, err
	}

	m.logger.WithFields(map[string]any{"run": req.RunID, "branch": req.Branch}).Info("Worktree ready at %s (base %s)", path, base)
	return coordinator.Checkout{Path: path, Branch: req.Branch, BaseCommit: base}, nil
}

// Push publishes the worktree's HEAD as branch. Pushing an unchanged branch
// again is a no-op.
func (m *Manager) Push(ctx context.Context, path, branch string) error {
	if _, err := m.mirrors.Git(ctx, path, "push", "origin", "HEAD:refs/heads/"+branch); err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// Remove deletes the worktree and its local branch. Removing an already
// removed worktree succeeds.
func (m *Manager) Remove(ctx context.Context, project *persistence.Project, path, branch string) error {
	unlock := m.mirrors.Lock(project.Owner, project.Repo)
	defer unlock()

	bare := m.mirrors.Path(project.Owner, project.Repo)
	if _, err := os.Stat(bare); err != nil {
		return removeDir(path)
	}

	m.removeWorktree(ctx, bare, path)
	if err := removeDir(path); err != nil {
		return err
	}
	if branch != "" {
		if _, err := m.mirrors.Git(ctx, bare, "branch", "-D", branch); err != nil && !isMissingBranch(err) {
			return fmt.Errorf("failed to delete branch %s: %w", branch, err)
		}
	}
	return nil
}

func (m *Manager) removeWorktree(ctx context.Context, bare, path string) {
	if _, err := m.mirrors.Git(ctx, bare, "worktree", "remove", "--force", path); err != nil {
		m.logger.Debug("git worktree remove %s: %v", path, err)
	}
	if _, err := m.mirrors.Git(ctx, bare, "worktree", "prune"); err != nil {
		m.logger.Debug("git worktree prune: %v", err)
	}
}

func removeDir(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove worktree %s: %w", path, err)
	}
	return nil
}

func isMissingBranch(err error) bool {
	return strings.Contains(err.Error(), "not found")
}

// OrphanStore is the persistence the sweep needs.
type OrphanStore interface {
	ListOrphanedWorktrees(ctx context.Context, projectID int64) ([]*persistence.Worktree, error)
	SetWorktreeStatus(ctx context.Context, runID, status string) (bool, error)
}

// SweepResult counts the outcome of a sweep.
type SweepResult struct {
	Cleaned int
	Failed  int
}

// Sweep removes worktrees whose run finished without cleaning up, for
// example after a crash between the agent and cleanup steps.
func (m *Manager) Sweep(ctx context.Context, store OrphanStore, project *persistence.Project) (SweepResult, error) {
	orphans, err := store.ListOrphanedWorktrees(ctx, project.ID)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, wt := range orphans {
		status := persistence.WorktreeCleaned
		if err := m.Remove(ctx, project, wt.Path, wt.Branch); err != nil {
			m.logger.Warn("Failed to remove orphaned worktree %s of run %s: %v", wt.Path, wt.RunID, err)
			status = persistence.WorktreeCleanupFailed
			res.Failed++
		} else {
			res.Cleaned++
		}
		if _, err := store.SetWorktreeStatus(ctx, wt.RunID, status); err != nil {
			return res, err
		}
	}
	if res.Cleaned+res.Failed > 0 {
		m.logger.Info("Swept %d orphaned worktree(s) of %s (%d failed)", res.Cleaned+res.Failed, project.Name, res.Failed)
	}
	return res, nil
}
