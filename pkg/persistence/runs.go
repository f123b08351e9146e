package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runColumns = `id, project_id, work_item_id, source_pr_number, workflow_id, agent_type, mode,
	prompt, signals, status, reason, environment_ref, branch_name, base_commit, result_commit,
	pr_url, pr_number, error_text, iterations, duration_ms, prompt_tokens, completion_tokens,
	cost_usd, started_at, completed_at`

// CreateRun inserts run in status pending. It is idempotent on run.ID:
// re-inserting an existing id is a no-op and reports created=false.
func (ops *DatabaseOperations) CreateRun(ctx context.Context, run *Run) (bool, error) {
	if run.ID == "" {
		return false, fmt.Errorf("run id is required")
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	if run.Mode == "" {
		run.Mode = ModeBuild
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = ops.now()
	}

	signals, err := json.Marshal(run.Signals)
	if err != nil {
		return false, fmt.Errorf("failed to encode run signals: %w", err)
	}
	if run.Signals == nil {
		signals = []byte("[]")
	}

	var workItem, sourcePR any
	if run.WorkItemID != nil {
		workItem = *run.WorkItemID
	}
	if run.SourcePRNumber != nil {
		sourcePR = *run.SourcePRNumber
	}

	result, err := ops.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (
			id, project_id, work_item_id, source_pr_number, workflow_id, agent_type, mode,
			prompt, signals, status, branch_name, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, workItem, sourcePR, run.WorkflowID, run.AgentType, string(run.Mode),
		run.Prompt, string(signals), string(run.Status), run.BranchName, formatTime(run.StartedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return rowsAffected(result)
}

// GetRun returns the run or an error wrapping ErrNotFound.
func (ops *DatabaseOperations) GetRun(ctx context.Context, id string) (*Run, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// UpdateRunStatus advances an active run to status. Terminal runs are never
// touched; the return value reports whether the row changed.
func (ops *DatabaseOperations) UpdateRunStatus(ctx context.Context, id string, status RunStatus) (bool, error) {
	if !status.IsActive() {
		return false, fmt.Errorf("status %s is terminal, use FinishRun", status)
	}
	args := append([]any{string(status), id}, activeStatusArgs()...)
	result, err := ops.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status IN (`+placeholders(len(ActiveRunStatuses))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to update run %s status to %s: %w", id, status, err)
	}
	return rowsAffected(result)
}

// RunUpdate carries optional field updates; nil fields are left alone.
type RunUpdate struct {
	EnvironmentRef   *string
	BranchName       *string
	BaseCommit       *string
	ResultCommit     *string
	PRURL            *string
	PRNumber         *int
	Iterations       *int
	DurationMS       *int64
	PromptTokens     *int64
	CompletionTokens *int64
	CostUSD          *float64
}

// UpdateRun applies the non-nil fields of upd to an active run.
func (ops *DatabaseOperations) UpdateRun(ctx context.Context, id string, upd *RunUpdate) error {
	var setParts []string
	var args []any
	add := func(column string, value any) {
		setParts = append(setParts, column+" = ?")
		args = append(args, value)
	}

	if upd.EnvironmentRef != nil {
		add("environment_ref", *upd.EnvironmentRef)
	}
	if upd.BranchName != nil {
		add("branch_name", *upd.BranchName)
	}
	if upd.BaseCommit != nil {
		add("base_commit", *upd.BaseCommit)
	}
	if upd.ResultCommit != nil {
		add("result_commit", *upd.ResultCommit)
	}
	if upd.PRURL != nil {
		add("pr_url", *upd.PRURL)
	}
	if upd.PRNumber != nil {
		add("pr_number", *upd.PRNumber)
	}
	if upd.Iterations != nil {
		add("iterations", *upd.Iterations)
	}
	if upd.DurationMS != nil {
		add("duration_ms", *upd.DurationMS)
	}
	if upd.PromptTokens != nil {
		add("prompt_tokens", *upd.PromptTokens)
	}
	if upd.CompletionTokens != nil {
		add("completion_tokens", *upd.CompletionTokens)
	}
	if upd.CostUSD != nil {
		add("cost_usd", *upd.CostUSD)
	}
	if len(setParts) == 0 {
		return nil
	}

	args = append(args, id)
	//nolint:gosec // column names are fixed above
	query := `UPDATE runs SET ` + strings.Join(setParts, ", ") + ` WHERE id = ?`
	result, err := ops.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	ok, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishRun sets a terminal status exactly once. A run already terminal is left
// unchanged and the call reports false.
func (ops *DatabaseOperations) FinishRun(ctx context.Context, id string, status RunStatus, reason, errText string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	args := append([]any{string(status), reason, errText, ops.timestamp(), id}, activeStatusArgs()...)
	result, err := ops.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, reason = ?, error_text = ?, completed_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(ActiveRunStatuses))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to finish run %s as %s: %w", id, status, err)
	}
	return rowsAffected(result)
}

// ClaimRunAuthToken stores sealed as the run's token if none is set yet and
// returns whichever sealed value is stored afterwards.
func (ops *DatabaseOperations) ClaimRunAuthToken(ctx context.Context, id, sealed string) (string, error) {
	if _, err := ops.db.ExecContext(ctx,
		`UPDATE runs SET auth_token = ? WHERE id = ? AND auth_token IS NULL`, sealed, id); err != nil {
		return "", fmt.Errorf("failed to store auth token for run %s: %w", id, err)
	}
	return ops.GetRunAuthToken(ctx, id)
}

// GetRunAuthToken returns the sealed token, or "" if none has been minted.
func (ops *DatabaseOperations) GetRunAuthToken(ctx context.Context, id string) (string, error) {
	var token sql.NullString
	err := ops.db.QueryRowContext(ctx, `SELECT auth_token FROM runs WHERE id = ?`, id).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read auth token for run %s: %w", id, err)
	}
	return token.String, nil
}

// HasActiveRunForPR reports whether a follow-up run against pr is in flight.
func (ops *DatabaseOperations) HasActiveRunForPR(ctx context.Context, projectID int64, pr int) (bool, error) {
	args := append([]any{projectID, pr}, activeStatusArgs()...)
	return ops.exists(ctx,
		`SELECT 1 FROM runs WHERE project_id = ? AND source_pr_number = ?
		 AND status IN (`+placeholders(len(ActiveRunStatuses))+`) LIMIT 1`,
		args...)
}

// HasActiveRunForWorkItem reports whether any run for the item is in flight.
func (ops *DatabaseOperations) HasActiveRunForWorkItem(ctx context.Context, workItemID int64) (bool, error) {
	args := append([]any{workItemID}, activeStatusArgs()...)
	return ops.exists(ctx,
		`SELECT 1 FROM runs WHERE work_item_id = ?
		 AND status IN (`+placeholders(len(ActiveRunStatuses))+`) LIMIT 1`,
		args...)
}

// LastCompletedRunForPR returns when the most recent completed run touching pr
// finished: either a follow-up against it or the run that opened it.
// The zero time means no such run exists.
func (ops *DatabaseOperations) LastCompletedRunForPR(ctx context.Context, projectID int64, pr int) (time.Time, error) {
	var completed sqlTime
	err := ops.db.QueryRowContext(ctx, `
		SELECT MAX(completed_at) FROM runs
		WHERE project_id = ? AND status = 'completed'
		AND (source_pr_number = ? OR pr_number = ?)`,
		projectID, pr, pr).Scan(&completed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("failed to get last completed run for PR #%d: %w", pr, err)
	}
	return completed.Time, nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ProjectID  int64
	WorkItemID int64
	Statuses   []RunStatus
	Limit      int
}

// ListRuns returns runs newest first.
func (ops *DatabaseOperations) ListRuns(ctx context.Context, filter *RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.ProjectID != 0 {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.WorkItemID != 0 {
		where = append(where, "work_item_id = ?")
		args = append(args, filter.WorkItemID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := ops.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (ops *DatabaseOperations) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := ops.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query: %w", err)
	}
	return true, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                    Run
		workItem, sourcePR     sql.NullInt64
		mode, status, signals  string
		startedAt, completedAt sqlTime
	)
	err := row.Scan(&run.ID, &run.ProjectID, &workItem, &sourcePR, &run.WorkflowID, &run.AgentType,
		&mode, &run.Prompt, &signals, &status, &run.Reason, &run.EnvironmentRef, &run.BranchName,
		&run.BaseCommit, &run.ResultCommit, &run.PRURL, &run.PRNumber, &run.ErrorText,
		&run.Iterations, &run.DurationMS, &run.PromptTokens, &run.CompletionTokens, &run.CostUSD,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if workItem.Valid {
		id := workItem.Int64
		run.WorkItemID = &id
	}
	if sourcePR.Valid {
		pr := int(sourcePR.Int64)
		run.SourcePRNumber = &pr
	}
	run.Mode = RunMode(mode)
	run.Status = RunStatus(status)
	if signals != "" && signals != "[]" {
		if err := json.Unmarshal([]byte(signals), &run.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode signals for run %s: %w", run.ID, err)
		}
	}
	run.StartedAt = startedAt.Time
	run.CompletedAt = completedAt.ptr()
	return &run, nil
}
