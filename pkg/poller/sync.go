package poller

import (
	"context"
	"fmt"

	"autocoder/pkg/forge"
	"autocoder/pkg/persistence"
)

// Sync mirrors the host's open issues and pull requests into the store and
// closes cached items the host no longer lists as open.
func Sync(ctx context.Context, store *persistence.DatabaseOperations, project *persistence.Project, client forge.Client) error {
	issues, err := client.ListOpenIssues(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open items of %s: %w", project.FullName(), err)
	}

	open := make([]int64, 0, len(issues))
	for i := range issues {
		issue := &issues[i]
		item := &persistence.WorkItem{
			ProjectID:  project.ID,
			ExternalID: issue.ID,
			Number:     issue.Number,
			Title:      issue.Title,
			Body:       issue.Body,
			State:      persistence.ItemOpen,
			IsPR:       issue.IsPullRequest,
			Labels:     issue.Labels,
			Author:     issue.Author,
			HeadBranch: issue.HeadBranch,
			HeadSHA:    issue.HeadSHA,
			CreatedAt:  issue.CreatedAt,
			UpdatedAt:  issue.UpdatedAt,
		}
		if err := store.UpsertWorkItem(ctx, item); err != nil {
			return err
		}
		open = append(open, issue.ID)
	}

	if _, err := store.CloseMissingWorkItems(ctx, project.ID, open); err != nil {
		return err
	}
	return nil
}
