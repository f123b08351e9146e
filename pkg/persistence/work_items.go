package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const workItemColumns = `id, project_id, external_id, number, title, body, state, is_pr, labels,
	orchestration_state, author, follow_up_count, parent_id, head_branch, head_sha, created_at, updated_at`

// UpsertWorkItem inserts or refreshes an item from the repository host.
//
// Host-owned fields are overwritten; orchestration_state and follow_up_count
// are preserved, and so is a known head ref when the host reports none. A closed item that is re-opened after reaching a terminal
// orchestration state is reset to new.
func (ops *DatabaseOperations) UpsertWorkItem(ctx context.Context, item *WorkItem) error {
	if item.State == "" {
		item.State = ItemOpen
	}
	created := item.CreatedAt
	if created.IsZero() {
		created = ops.now()
	}
	updated := item.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	var parent any
	if item.ParentID != nil {
		parent = *item.ParentID
	}

	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO work_items (
			project_id, external_id, number, title, body, state, is_pr, labels,
			orchestration_state, author, parent_id, head_branch, head_sha, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'new', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, external_id) DO UPDATE SET
			number = excluded.number,
			title = excluded.title,
			body = excluded.body,
			orchestration_state = CASE
				WHEN work_items.state = 'closed' AND excluded.state = 'open'
					AND work_items.orchestration_state IN ('completed', 'failed')
				THEN 'new'
				ELSE work_items.orchestration_state
			END,
			state = excluded.state,
			is_pr = excluded.is_pr,
			labels = excluded.labels,
			author = excluded.author,
			parent_id = COALESCE(excluded.parent_id, work_items.parent_id),
			head_branch = COALESCE(NULLIF(excluded.head_branch, ''), work_items.head_branch),
			head_sha = COALESCE(NULLIF(excluded.head_sha, ''), work_items.head_sha),
			updated_at = excluded.updated_at`,
		item.ProjectID, item.ExternalID, item.Number, item.Title, item.Body, item.State,
		boolToInt(item.IsPR), jsonList(item.Labels), item.Author, parent, item.HeadBranch,
		item.HeadSHA, formatTime(created), formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert work item %d/#%d: %w", item.ProjectID, item.Number, err)
	}

	stored, err := ops.getWorkItemByExternalID(ctx, item.ProjectID, item.ExternalID)
	if err != nil {
		return err
	}
	*item = *stored
	return nil
}

// CloseMissingWorkItems marks open items not present in openExternalIDs as closed.
func (ops *DatabaseOperations) CloseMissingWorkItems(ctx context.Context, projectID int64, openExternalIDs []int64) (int64, error) {
	query := `UPDATE work_items SET state = 'closed', updated_at = ? WHERE project_id = ? AND state = 'open'`
	args := []any{ops.timestamp(), projectID}
	if len(openExternalIDs) > 0 {
		query += ` AND external_id NOT IN (` + placeholders(len(openExternalIDs)) + `)`
		for _, id := range openExternalIDs {
			args = append(args, id)
		}
	}
	result, err := ops.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to close missing work items for project %d: %w", projectID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ListOpenWorkItems returns the project's open issues and pull requests, by number.
func (ops *DatabaseOperations) ListOpenWorkItems(ctx context.Context, projectID int64) ([]*WorkItem, error) {
	return ops.queryWorkItems(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND state = 'open' ORDER BY number`,
		projectID)
}

// GetWorkItem returns the item or an error wrapping ErrNotFound.
func (ops *DatabaseOperations) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %d: %w", id, err)
	}
	return item, nil
}

// GetWorkItemByNumber looks up an item by its host sequence number.
func (ops *DatabaseOperations) GetWorkItemByNumber(ctx context.Context, projectID int64, number int) (*WorkItem, error) {
	row := ops.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND number = ? ORDER BY id DESC LIMIT 1`,
		projectID, number)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %d/#%d: %w", projectID, number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %d/#%d: %w", projectID, number, err)
	}
	return item, nil
}

func (ops *DatabaseOperations) getWorkItemByExternalID(ctx context.Context, projectID, externalID int64) (*WorkItem, error) {
	row := ops.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE project_id = ? AND external_id = ?`,
		projectID, externalID)
	item, err := scanWorkItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload work item %d/%d: %w", projectID, externalID, err)
	}
	return item, nil
}

// TransitionWorkItemState moves the item to `to` only if its current state is one
// of `from`. It reports whether the transition happened; a false return means
// another writer got there first. Every source state must be allowed to move
// to `to`, otherwise ErrInvalidTransition is returned and nothing changes.
func (ops *DatabaseOperations) TransitionWorkItemState(ctx context.Context, id int64, to OrchestrationState, from ...OrchestrationState) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of work item %d needs at least one source state", id)
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return false, fmt.Errorf("%w: work item %d from %s to %s", ErrInvalidTransition, id, f, to)
		}
	}
	args := []any{string(to), ops.timestamp(), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	result, err := ops.db.ExecContext(ctx,
		`UPDATE work_items SET orchestration_state = ?, updated_at = ?
		 WHERE id = ? AND orchestration_state IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition work item %d to %s: %w", id, to, err)
	}
	return rowsAffected(result)
}

// AdvanceFollowUp moves the follow-up counter from `from` to from+1 and
// returns the new value. A counter already at from+1 is returned as is, so a
// repeated call does not count twice; any other value is ErrStaleFollowUp.
func (ops *DatabaseOperations) AdvanceFollowUp(ctx context.Context, id int64, from int) (int, error) {
	result, err := ops.db.ExecContext(ctx,
		`UPDATE work_items SET follow_up_count = ? WHERE id = ? AND follow_up_count = ?`,
		from+1, id, from)
	if err != nil {
		return 0, fmt.Errorf("failed to advance follow-up count for work item %d: %w", id, err)
	}
	moved, err := rowsAffected(result)
	if err != nil {
		return 0, err
	}
	if moved {
		return from + 1, nil
	}

	item, err := ops.GetWorkItem(ctx, id)
	if err != nil {
		return 0, err
	}
	if item.FollowUpCount == from+1 {
		return item.FollowUpCount, nil
	}
	return 0, fmt.Errorf("%w: work item %d is at %d, expected %d", ErrStaleFollowUp, id, item.FollowUpCount, from)
}

// SetWorkItemLabels replaces the cached label set, e.g. after a label was removed upstream.
func (ops *DatabaseOperations) SetWorkItemLabels(ctx context.Context, id int64, labels []string) error {
	if _, err := ops.db.ExecContext(ctx,
		`UPDATE work_items SET labels = ? WHERE id = ?`, jsonList(labels), id); err != nil {
		return fmt.Errorf("failed to set labels for work item %d: %w", id, err)
	}
	return nil
}

func (ops *DatabaseOperations) queryWorkItems(ctx context.Context, query string, args ...any) ([]*WorkItem, error) {
	rows, err := ops.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work items: %w", err)
	}
	return items, nil
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var (
		item                 WorkItem
		isPR                 int
		labels               jsonList
		state                string
		parent               sql.NullInt64
		createdAt, updatedAt sqlTime
	)
	err := row.Scan(&item.ID, &item.ProjectID, &item.ExternalID, &item.Number, &item.Title, &item.Body,
		&item.State, &isPR, &labels, &state, &item.Author, &item.FollowUpCount, &parent,
		&item.HeadBranch, &item.HeadSHA, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.IsPR = isPR == 1
	item.Labels = labels
	item.OrchestrationState = OrchestrationState(state)
	if parent.Valid {
		p := parent.Int64
		item.ParentID = &p
	}
	item.CreatedAt = createdAt.Time
	item.UpdatedAt = updatedAt.Time
	return &item, nil
}
