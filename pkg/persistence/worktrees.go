package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const worktreeColumns = `id, project_id, run_id, path, branch, base_commit, status, pushed, created_at, updated_at`

// RecordWorktree stores the worktree claimed by a run. Re-recording the same
// run is a no-op, so a retried clone step does not fail on its own earlier write.
func (ops *DatabaseOperations) RecordWorktree(ctx context.Context, wt *Worktree) error {
	now := ops.timestamp()
	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO worktrees (project_id, run_id, path, branch, base_commit, status, pushed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', 0, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		wt.ProjectID, wt.RunID, wt.Path, wt.Branch, wt.BaseCommit, now, now)
	if err != nil {
		return fmt.Errorf("failed to record worktree for run %s: %w", wt.RunID, err)
	}
	return nil
}

// GetWorktreeByRun returns the run's worktree or an error wrapping ErrNotFound.
func (ops *DatabaseOperations) GetWorktreeByRun(ctx context.Context, runID string) (*Worktree, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE run_id = ?`, runID)
	wt, err := scanWorktree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worktree for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree for run %s: %w", runID, err)
	}
	return wt, nil
}

// MarkWorktreePushed records that the run's branch reached the remote.
func (ops *DatabaseOperations) MarkWorktreePushed(ctx context.Context, runID string) error {
	if _, err := ops.db.ExecContext(ctx,
		`UPDATE worktrees SET pushed = 1, updated_at = ? WHERE run_id = ?`,
		ops.timestamp(), runID); err != nil {
		return fmt.Errorf("failed to mark worktree pushed for run %s: %w", runID, err)
	}
	return nil
}

// SetWorktreeStatus moves an active worktree to cleaned or cleanup_failed.
func (ops *DatabaseOperations) SetWorktreeStatus(ctx context.Context, runID, status string) (bool, error) {
	result, err := ops.db.ExecContext(ctx,
		`UPDATE worktrees SET status = ?, updated_at = ? WHERE run_id = ? AND status != 'cleaned'`,
		status, ops.timestamp(), runID)
	if err != nil {
		return false, fmt.Errorf("failed to set worktree status for run %s: %w", runID, err)
	}
	return rowsAffected(result)
}

// ListOrphanedWorktrees returns worktrees still active (or failed cleanup)
// whose run already reached a terminal status.
func (ops *DatabaseOperations) ListOrphanedWorktrees(ctx context.Context, projectID int64) ([]*Worktree, error) {
	args := append([]any{projectID}, activeStatusArgs()...)
	rows, err := ops.db.QueryContext(ctx, `
		SELECT w.id, w.project_id, w.run_id, w.path, w.branch, w.base_commit, w.status, w.pushed,
			w.created_at, w.updated_at
		FROM worktrees w JOIN runs r ON r.id = w.run_id
		WHERE w.project_id = ? AND w.status IN ('active', 'cleanup_failed')
		AND r.status NOT IN (`+placeholders(len(ActiveRunStatuses))+`)
		ORDER BY w.id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worktree: %w", err)
		}
		out = append(out, wt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worktrees: %w", err)
	}
	return out, nil
}

func scanWorktree(row rowScanner) (*Worktree, error) {
	var (
		wt                   Worktree
		pushed               int
		createdAt, updatedAt sqlTime
	)
	if err := row.Scan(&wt.ID, &wt.ProjectID, &wt.RunID, &wt.Path, &wt.Branch, &wt.BaseCommit,
		&wt.Status, &pushed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wt.Pushed = pushed == 1
	wt.CreatedAt = createdAt.Time
	wt.UpdatedAt = updatedAt.Time
	return &wt, nil
}
