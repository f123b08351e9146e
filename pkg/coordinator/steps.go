package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autocoder/pkg/durable"
	"autocoder/pkg/events"
	"autocoder/pkg/forge"
	"autocoder/pkg/persistence"
	"autocoder/pkg/utils"
)

// runMarker tags every comment a run posts so a retried step does not post twice.
func runMarker(runID string) string {
	return fmt.Sprintf("<!-- autocoder-run:%s -->", runID)
}

func (c *Coordinator) createRunStep(workflowID string, in *RunInput) func(context.Context) (runPlan, error) {
	return func(ctx context.Context) (runPlan, error) {
		project, err := c.store.GetProject(ctx, in.ProjectID)
		if err != nil {
			return runPlan{}, terminalIfMissing(err)
		}
		item, err := c.loadItem(ctx, in)
		if err != nil {
			return runPlan{}, terminalIfMissing(err)
		}

		head := ""
		if item != nil {
			head = item.HeadBranch
		}
		if in.IsFollowUp() && head == "" {
			if head, err = c.headBranch(ctx, project, *in.SourcePRNumber); err != nil {
				return runPlan{}, err
			}
		}

		plan := planFor(project, item, in, head)
		created, err := c.store.CreateRun(ctx, &persistence.Run{
			ID:             in.RunID,
			ProjectID:      in.ProjectID,
			WorkItemID:     in.WorkItemID,
			SourcePRNumber: in.SourcePRNumber,
			WorkflowID:     workflowID,
			AgentType:      in.AgentType,
			Mode:           in.Mode,
			Prompt:         in.Prompt,
			Signals:        in.Signals,
			BranchName:     plan.Branch,
		})
		if err != nil {
			return runPlan{}, err
		}
		if created {
			c.publish(ctx, in, persistence.RunPending, "", "")
		}
		return plan, nil
	}
}

// planFor picks the branch of a run. Follow-ups push onto the pull
// request's head branch and never fall back to a new branch: without a head
// the plan is marked unresolved and the run fails. Everything else gets a
// fresh per-run branch off the project's base branch.
func planFor(project *persistence.Project, item *persistence.WorkItem, in *RunInput, head string) runPlan {
	plan := runPlan{BaseBranch: project.BaseBranch}
	if item != nil {
		plan.ItemNumber = item.Number
	}
	if in.IsFollowUp() {
		if head == "" {
			plan.Unresolved = fmt.Sprintf("head branch of pull request #%d is unknown", *in.SourcePRNumber)
			return plan
		}
		plan.Branch = head
		plan.FromBranch = head
		return plan
	}
	plan.Branch = utils.BranchName(plan.ItemNumber, in.RunID)
	plan.FromBranch = project.BaseBranch
	return plan
}

// headBranch asks the host for the head branch of a pull request whose
// cached record has none. A pull request the host does not know yields "".
func (c *Coordinator) headBranch(ctx context.Context, project *persistence.Project, number int) (string, error) {
	client, err := c.forge(project.Owner, project.Repo)
	if err != nil {
		return "", durable.NonRetryable(err)
	}
	pr, err := client.GetPR(ctx, number)
	if errors.Is(err, forge.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve head of #%d: %w", number, err)
	}
	return pr.HeadBranch, nil
}

func (c *Coordinator) provisionStep(in *RunInput) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		token, err := c.tokens.Ensure(ctx, in.RunID)
		if err != nil {
			return "", fmt.Errorf("failed to mint run token: %w", err)
		}
		c.setStatus(ctx, in, persistence.RunProvisioning)

		run, err := c.store.GetRun(ctx, in.RunID)
		if err != nil {
			return "", err
		}
		envRef, err := c.provisioner.Provision(ctx, run, token)
		if err != nil {
			if errors.Is(err, ErrProvisionTimeout) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			return "", durable.NonRetryable(fmt.Errorf("provisioning failed: %w", err))
		}

		if err := c.store.UpdateRun(ctx, in.RunID, &persistence.RunUpdate{EnvironmentRef: &envRef}); err != nil {
			return "", err
		}
		return envRef, nil
	}
}

func (c *Coordinator) cloneStep(in *RunInput, plan runPlan) func(context.Context) (Checkout, error) {
	return func(ctx context.Context) (Checkout, error) {
		project, err := c.store.GetProject(ctx, in.ProjectID)
		if err != nil {
			return Checkout{}, terminalIfMissing(err)
		}

		checkout, err := c.workspace.CloneAndBranch(ctx, CloneRequest{
			Project:    project,
			RunID:      in.RunID,
			Branch:     plan.Branch,
			FromBranch: plan.FromBranch,
		})
		if err != nil {
			return Checkout{}, err
		}

		if err := c.store.RecordWorktree(ctx, &persistence.Worktree{
			ProjectID:  in.ProjectID,
			RunID:      in.RunID,
			Path:       checkout.Path,
			Branch:     checkout.Branch,
			BaseCommit: checkout.BaseCommit,
		}); err != nil {
			return Checkout{}, err
		}
		if err := c.store.UpdateRun(ctx, in.RunID, &persistence.RunUpdate{
			BranchName: &checkout.Branch,
			BaseCommit: &checkout.BaseCommit,
		}); err != nil {
			return Checkout{}, err
		}
		return checkout, nil
	}
}

func (c *Coordinator) runAgentStep(in *RunInput, checkout Checkout) func(context.Context) (AgentResult, error) {
	return func(ctx context.Context) (AgentResult, error) {
		c.setStatus(ctx, in, persistence.RunRunning)

		token, err := c.tokens.Ensure(ctx, in.RunID)
		if err != nil {
			return AgentResult{}, fmt.Errorf("failed to load run token: %w", err)
		}
		run, err := c.store.GetRun(ctx, in.RunID)
		if err != nil {
			return AgentResult{}, err
		}
		prompt, err := c.buildPrompt(ctx, in)
		if err != nil {
			return AgentResult{}, err
		}

		started := time.Now()
		result, runErr := c.agent.Run(ctx, AgentRequest{
			RunID:          in.RunID,
			AgentType:      in.AgentType,
			Mode:           in.Mode,
			Prompt:         prompt,
			WorkDir:        checkout.Path,
			Branch:         checkout.Branch,
			EnvironmentRef: run.EnvironmentRef,
			Token:          token,
		})
		if result.PromptTokens == 0 {
			result.PromptTokens = int64(c.counter.CountTokens(prompt))
		}
		elapsed := time.Since(started)
		c.recordMetrics(context.WithoutCancel(ctx), in.RunID, result, elapsed)
		if c.metrics != nil {
			c.metrics.ObserveAgentRun(c.projectName(ctx, in.ProjectID), in.AgentType, runErr == nil && result.Success,
				result.PromptTokens, result.CompletionTokens, result.CostUSD, elapsed)
		}

		if runErr != nil {
			return AgentResult{}, durable.NonRetryable(fmt.Errorf("agent run failed: %w", runErr))
		}
		if !result.Success {
			msg := strings.TrimSpace(result.Error)
			if msg == "" {
				msg = "no error reported"
			}
			return AgentResult{}, durable.NonRetryable(fmt.Errorf("agent reported failure: %s", msg))
		}
		return result, nil
	}
}

func (c *Coordinator) recordMetrics(ctx context.Context, runID string, result AgentResult, elapsed time.Duration) {
	durationMS := elapsed.Milliseconds()
	upd := &persistence.RunUpdate{
		Iterations:       &result.Iterations,
		DurationMS:       &durationMS,
		PromptTokens:     &result.PromptTokens,
		CompletionTokens: &result.CompletionTokens,
		CostUSD:          &result.CostUSD,
	}
	if result.ResultCommit != "" {
		upd.ResultCommit = &result.ResultCommit
	}
	if err := c.store.UpdateRun(ctx, runID, upd); err != nil {
		c.logger.WithFields(map[string]any{"run": runID}).Warn("failed to record agent metrics: %v", err)
	}
}

func (c *Coordinator) projectName(ctx context.Context, id int64) string {
	project, err := c.store.GetProject(context.WithoutCancel(ctx), id)
	if err != nil {
		return strconv.FormatInt(id, 10)
	}
	return project.Name
}

func (c *Coordinator) postPlanStep(in *RunInput, result AgentResult) func(context.Context) error {
	return func(ctx context.Context) error {
		project, item, err := c.loadProjectAndItem(ctx, in)
		if err != nil {
			return err
		}
		if item != nil {
			client, err := c.forge(project.Owner, project.Repo)
			if err != nil {
				return err
			}
			summary := strings.TrimSpace(result.Summary)
			if summary == "" {
				summary = "_The agent finished without a written plan._"
			}
			body := fmt.Sprintf("### Proposed plan\n\n%s\n\nAdd the `%s` label to implement it.\n\n%s",
				summary, project.BuildLabel, runMarker(in.RunID))
			if err := c.commentOnce(ctx, client, item.Number, in.RunID, body); err != nil {
				return err
			}
			if err := c.dropLabel(ctx, client, item, project.PlanLabel); err != nil {
				return err
			}
			// The item waits in new for the build label; this is the plan
			// hand-back re-open that CanTransition permits.
			if _, err := c.store.TransitionWorkItemState(ctx, item.ID, persistence.StateNew, persistence.StatePlanning); err != nil {
				return err
			}
		}
		return c.finish(ctx, in, persistence.RunCompleted, persistence.ReasonPlanned, "")
	}
}

func (c *Coordinator) completeNoChangesStep(in *RunInput) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := c.finish(ctx, in, persistence.RunCompleted, persistence.ReasonNoChanges, ""); err != nil {
			return err
		}
		if in.WorkItemID != nil && !in.IsFollowUp() {
			if _, err := c.store.TransitionWorkItemState(ctx, *in.WorkItemID,
				persistence.StateCompleted, persistence.StateInProgress); err != nil {
				return err
			}
		}
		return nil
	}
}

func (c *Coordinator) pushStep(in *RunInput, checkout Checkout) func(context.Context) error {
	return func(ctx context.Context) error {
		c.setStatus(ctx, in, persistence.RunPushing)
		if err := c.workspace.Push(ctx, checkout.Path, checkout.Branch); err != nil {
			return err
		}
		return c.store.MarkWorktreePushed(ctx, in.RunID)
	}
}

func (c *Coordinator) createPRStep(in *RunInput, plan runPlan, result AgentResult) func(context.Context) (prRef, error) {
	return func(ctx context.Context) (prRef, error) {
		c.setStatus(ctx, in, persistence.RunCreatingPR)

		project, item, err := c.loadProjectAndItem(ctx, in)
		if err != nil {
			return prRef{}, err
		}
		client, err := c.forge(project.Owner, project.Repo)
		if err != nil {
			return prRef{}, err
		}

		title, body := prText(in, item, result)
		pr, err := client.GetOrCreatePR(ctx, forge.PRCreateOptions{
			Title:  title,
			Body:   body,
			Head:   plan.Branch,
			Base:   plan.BaseBranch,
			Labels: []string{project.GeneratedLabel},
		})
		if err != nil {
			return prRef{}, err
		}

		if err := c.store.UpdateRun(ctx, in.RunID, &persistence.RunUpdate{PRURL: &pr.URL, PRNumber: &pr.Number}); err != nil {
			return prRef{}, err
		}
		return prRef{Number: pr.Number, URL: pr.URL}, nil
	}
}

func (c *Coordinator) updateWorkItemStep(in *RunInput, pr prRef) func(context.Context) error {
	return func(ctx context.Context) error {
		project, item, err := c.loadProjectAndItem(ctx, in)
		if err != nil {
			return err
		}
		if item != nil {
			client, err := c.forge(project.Owner, project.Repo)
			if err != nil {
				return err
			}
			var body string
			if in.IsFollowUp() {
				body = fmt.Sprintf("Pushed a follow-up addressing: %s.\n\n%s", signalSummary(in.Signals), runMarker(in.RunID))
			} else {
				body = fmt.Sprintf("Opened #%d with a proposed change: %s\n\n%s", pr.Number, pr.URL, runMarker(in.RunID))
			}
			if err := c.commentOnce(ctx, client, item.Number, in.RunID, body); err != nil {
				return err
			}
			if !in.IsFollowUp() {
				if _, err := c.store.TransitionWorkItemState(ctx, item.ID,
					persistence.StateCompleted, persistence.StateInProgress); err != nil {
					return err
				}
			}
		}
		return c.finish(ctx, in, persistence.RunCompleted, persistence.ReasonPublished, "")
	}
}

// markFinishedStep records a failed or cancelled run and moves the work item
// it was dispatched for to failed. Follow-up runs leave their pull request
// item alone.
func (c *Coordinator) markFinishedStep(in *RunInput, status persistence.RunStatus, errText string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := c.finish(ctx, in, status, "", errText); err != nil {
			return err
		}
		if in.WorkItemID != nil && !in.IsFollowUp() {
			if _, err := c.store.TransitionWorkItemState(ctx, *in.WorkItemID, persistence.StateFailed,
				persistence.StateInProgress, persistence.StatePlanning); err != nil {
				return err
			}
		}
		return nil
	}
}

func (c *Coordinator) releaseStep(in *RunInput) func(context.Context) error {
	return func(ctx context.Context) error {
		return c.provisioner.Release(ctx, in.RunID)
	}
}

// reconcileStep removes the run's worktree. A removal failure marks the
// record cleanup_failed for the sweep and is retried by the step policy.
func (c *Coordinator) reconcileStep(in *RunInput) func(context.Context) error {
	return func(ctx context.Context) error {
		wt, err := c.store.GetWorktreeByRun(ctx, in.RunID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if wt.Status == persistence.WorktreeCleaned {
			return nil
		}

		project, err := c.store.GetProject(ctx, in.ProjectID)
		if err != nil {
			return err
		}
		if err := c.workspace.Remove(ctx, project, wt.Path, wt.Branch); err != nil {
			if _, serr := c.store.SetWorktreeStatus(ctx, in.RunID, persistence.WorktreeCleanupFailed); serr != nil {
				c.logger.WithFields(map[string]any{"run": in.RunID}).Warn("failed to flag worktree: %v", serr)
			}
			return fmt.Errorf("failed to remove worktree %s: %w", wt.Path, err)
		}
		_, err = c.store.SetWorktreeStatus(ctx, in.RunID, persistence.WorktreeCleaned)
		return err
	}
}

// setStatus advances an active run. A run that already reached a terminal
// status is left alone.
func (c *Coordinator) setStatus(ctx context.Context, in *RunInput, status persistence.RunStatus) {
	ok, err := c.store.UpdateRunStatus(ctx, in.RunID, status)
	if err != nil {
		c.logger.WithFields(map[string]any{"run": in.RunID}).Warn("failed to set status %s: %v", status, err)
		return
	}
	if ok {
		c.publish(ctx, in, status, "", "")
	}
}

// finish sets the terminal status once.
func (c *Coordinator) finish(ctx context.Context, in *RunInput, status persistence.RunStatus, reason, errText string) error {
	ok, err := c.store.FinishRun(ctx, in.RunID, status, reason, errText)
	if err != nil {
		return err
	}
	if ok {
		c.publish(ctx, in, status, reason, errText)
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, in *RunInput, status persistence.RunStatus, reason, errText string) {
	ev := events.Event{
		ProjectID: in.ProjectID,
		RunID:     in.RunID,
		Status:    string(status),
		Reason:    reason,
		Error:     errText,
	}
	if info, ok := durable.StepInfoFrom(ctx); ok {
		ev.WorkflowID = info.WorkflowID
	}
	c.events.RunStatus(context.WithoutCancel(ctx), ev)
}

// commentOnce posts body on item number unless a comment of this run exists.
func (c *Coordinator) commentOnce(ctx context.Context, client forge.Client, number int, runID, body string) error {
	comments, err := client.ListIssueComments(ctx, number)
	if err != nil {
		return err
	}
	marker := runMarker(runID)
	for _, existing := range comments {
		if strings.Contains(existing.Body, marker) {
			return nil
		}
	}
	return client.CommentOnIssue(ctx, number, body)
}

// dropLabel removes label from the host and from the cached item.
func (c *Coordinator) dropLabel(ctx context.Context, client forge.Client, item *persistence.WorkItem, label string) error {
	if !item.HasLabel(label) {
		return nil
	}
	if err := client.RemoveLabel(ctx, item.Number, label); err != nil {
		return err
	}
	kept := make([]string, 0, len(item.Labels))
	for _, l := range item.Labels {
		if !strings.EqualFold(l, label) {
			kept = append(kept, l)
		}
	}
	return c.store.SetWorkItemLabels(ctx, item.ID, kept)
}

func (c *Coordinator) loadItem(ctx context.Context, in *RunInput) (*persistence.WorkItem, error) {
	if in.WorkItemID == nil {
		return nil, nil
	}
	return c.store.GetWorkItem(ctx, *in.WorkItemID)
}

func (c *Coordinator) loadProjectAndItem(ctx context.Context, in *RunInput) (*persistence.Project, *persistence.WorkItem, error) {
	project, err := c.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, nil, terminalIfMissing(err)
	}
	item, err := c.loadItem(ctx, in)
	if err != nil {
		return nil, nil, terminalIfMissing(err)
	}
	return project, item, nil
}

// terminalIfMissing stops retries for rows that no longer exist.
func terminalIfMissing(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return durable.NonRetryable(err)
	}
	return err
}
