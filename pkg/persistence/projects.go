package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const projectColumns = `id, name, owner, repo, base_branch, active, build_label, plan_label,
	generated_label, action_labels, trusted_authors, auto_scan, auto_fix_merge_conflicts,
	max_follow_ups, poll_interval_seconds, agent_type, created_at, updated_at`

// CreateProject inserts p, filling defaults for empty labels, and sets p.ID.
func (ops *DatabaseOperations) CreateProject(ctx context.Context, p *Project) error {
	if p.Name == "" || p.Owner == "" || p.Repo == "" {
		return fmt.Errorf("project name, owner and repo are required")
	}
	applyProjectDefaults(p)

	now := ops.timestamp()
	result, err := ops.db.ExecContext(ctx, `
		INSERT INTO projects (
			name, owner, repo, base_branch, active, build_label, plan_label, generated_label,
			action_labels, trusted_authors, auto_scan, auto_fix_merge_conflicts, max_follow_ups,
			poll_interval_seconds, agent_type, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Owner, p.Repo, p.BaseBranch, boolToInt(p.Active), p.BuildLabel, p.PlanLabel,
		p.GeneratedLabel, jsonList(p.ActionLabels), jsonList(p.TrustedAuthors), boolToInt(p.AutoScan),
		boolToInt(p.AutoFixMergeConflicts), p.MaxFollowUps, p.PollIntervalSeconds, p.AgentType, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read project id: %w", err)
	}
	p.ID = id
	return nil
}

func applyProjectDefaults(p *Project) {
	if p.BaseBranch == "" {
		p.BaseBranch = DefaultBaseBranch
	}
	if p.BuildLabel == "" {
		p.BuildLabel = DefaultBuildLabel
	}
	if p.PlanLabel == "" {
		p.PlanLabel = DefaultPlanLabel
	}
	if p.GeneratedLabel == "" {
		p.GeneratedLabel = DefaultGeneratedLabel
	}
	if p.MaxFollowUps == 0 {
		p.MaxFollowUps = DefaultMaxFollowUps
	}
	p.ActionLabels = normalizeList(p.ActionLabels)
	p.TrustedAuthors = normalizeList(p.TrustedAuthors)
}

// UpdateProject rewrites the policy fields of an existing project.
func (ops *DatabaseOperations) UpdateProject(ctx context.Context, p *Project) error {
	applyProjectDefaults(p)
	result, err := ops.db.ExecContext(ctx, `
		UPDATE projects SET
			owner = ?, repo = ?, base_branch = ?, active = ?, build_label = ?, plan_label = ?,
			generated_label = ?, action_labels = ?, trusted_authors = ?, auto_scan = ?,
			auto_fix_merge_conflicts = ?, max_follow_ups = ?, poll_interval_seconds = ?,
			agent_type = ?, updated_at = ?
		WHERE id = ?`,
		p.Owner, p.Repo, p.BaseBranch, boolToInt(p.Active), p.BuildLabel, p.PlanLabel,
		p.GeneratedLabel, jsonList(p.ActionLabels), jsonList(p.TrustedAuthors), boolToInt(p.AutoScan),
		boolToInt(p.AutoFixMergeConflicts), p.MaxFollowUps, p.PollIntervalSeconds, p.AgentType,
		ops.timestamp(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project %d: %w", p.ID, err)
	}
	ok, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

// SetProjectActive toggles whether the project's poll loop should run.
func (ops *DatabaseOperations) SetProjectActive(ctx context.Context, id int64, active bool) error {
	result, err := ops.db.ExecContext(ctx,
		`UPDATE projects SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), ops.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to set project %d active=%t: %w", id, active, err)
	}
	ok, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteProject removes the project; work items, runs and worktrees cascade.
func (ops *DatabaseOperations) DeleteProject(ctx context.Context, id int64) error {
	if _, err := ops.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project %d: %w", id, err)
	}
	return nil
}

// GetProject returns the project or an error wrapping ErrNotFound.
func (ops *DatabaseOperations) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", id, err)
	}
	return p, nil
}

// GetProjectByName looks a project up by its unique name.
func (ops *DatabaseOperations) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	row := ops.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %q: %w", name, err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by id, optionally only active ones.
func (ops *DatabaseOperations) ListProjects(ctx context.Context, activeOnly bool) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := ops.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return projects, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                       Project
		active, autoScan, fixMC int
		actionLabels, trusted   jsonList
		createdAt, updatedAt    sqlTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.Owner, &p.Repo, &p.BaseBranch, &active, &p.BuildLabel,
		&p.PlanLabel, &p.GeneratedLabel, &actionLabels, &trusted, &autoScan, &fixMC,
		&p.MaxFollowUps, &p.PollIntervalSeconds, &p.AgentType, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Active = active == 1
	p.AutoScan = autoScan == 1
	p.AutoFixMergeConflicts = fixMC == 1
	p.ActionLabels = actionLabels
	p.TrustedAuthors = trusted
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	return &p, nil
}

// ParseList splits a comma-separated flag value into a normalized list.
func ParseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}
