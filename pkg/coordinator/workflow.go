package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"autocoder/pkg/durable"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
)

// runPlan is decided once by create_run and journaled with it.
type runPlan struct {
	ItemNumber int    `json:"item_number,omitempty"`
	Branch     string `json:"branch"`
	FromBranch string `json:"from_branch"`
	BaseBranch string `json:"base_branch"`
	Unresolved string `json:"unresolved,omitempty"` // why the run cannot proceed
}

// prRef identifies the pull request a run published to.
type prRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Run is the agent_run workflow body.
//
// Steps run strictly in sequence. Once the run record exists every exit
// path ends with release_environment then reconcile_worktree, executed
// through a context that ignores cancellation. Engine shutdown is the one
// exception: the execution is left running and resumes from its journal.
func (c *Coordinator) Run(wc *durable.Context, raw []byte) error {
	var in RunInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("failed to decode run input: %w", err)
	}
	if in.RunID == "" || in.ProjectID == 0 {
		return errors.New("run input requires run id and project id")
	}
	if in.Mode == "" {
		in.Mode = persistence.ModeBuild
	}

	log := wc.Logger().WithFields(map[string]any{"run": in.RunID, "project": in.ProjectID})

	plan, err := durable.Step(wc, "create_run", c.opts(c.timeouts.Short), c.createRunStep(wc.WorkflowID(), &in))
	if err != nil {
		// Nothing was claimed yet, so there is nothing to clean up.
		log.Error("failed to create run record: %v", err)
		return err
	}

	runErr := c.execute(wc, &in, plan, log)
	if durable.IsStopping(runErr) {
		return runErr
	}

	dc := wc.Disconnected()
	if runErr != nil {
		if err := c.finishUnsuccessfully(dc, &in, runErr, log); durable.IsStopping(err) {
			return err
		}
	}
	if err := c.cleanup(dc, &in, log); err != nil {
		return err
	}
	return runErr
}

// execute runs the main path from provisioning to a successful terminal
// status.
func (c *Coordinator) execute(wc *durable.Context, in *RunInput, plan runPlan, log *logx.Logger) error {
	if plan.Unresolved != "" {
		return durable.NonRetryable(errors.New(plan.Unresolved))
	}

	if _, err := durable.Step(wc, "provision", c.opts(c.timeouts.Provision), c.provisionStep(in)); err != nil {
		return err
	}

	checkout, err := durable.Step(wc, "clone_and_branch", c.opts(c.timeouts.Clone), c.cloneStep(in, plan))
	if err != nil {
		return err
	}

	agentOpts := durable.StepOptions{Timeout: c.timeouts.Agent, Retry: durable.NoRetry}
	result, err := durable.Step(wc, "run_agent", agentOpts, c.runAgentStep(in, checkout))
	if err != nil {
		return err
	}

	if in.Mode == persistence.ModePlan {
		log.Info("plan produced, posting to work item")
		return durable.Exec(wc, "post_plan", c.opts(c.timeouts.Publish), c.postPlanStep(in, result))
	}

	if !result.HasChanges {
		log.Info("agent finished without changes, skipping publication")
		return durable.Exec(wc, "complete_no_changes", c.opts(c.timeouts.Short), c.completeNoChangesStep(in))
	}

	if err := durable.Exec(wc, "push", c.opts(c.timeouts.Push), c.pushStep(in, checkout)); err != nil {
		return err
	}

	pr, err := durable.Step(wc, "create_pr", c.opts(c.timeouts.Publish), c.createPRStep(in, plan, result))
	if err != nil {
		return err
	}

	if err := durable.Exec(wc, "update_work_item", c.opts(c.timeouts.Publish), c.updateWorkItemStep(in, pr)); err != nil {
		return err
	}
	log.Info("run published as #%d", pr.Number)
	return nil
}

// finishUnsuccessfully records the terminal failure or cancellation of the
// run. Its own failure is logged and never replaces the run's error.
func (c *Coordinator) finishUnsuccessfully(dc *durable.Context, in *RunInput, runErr error, log *logx.Logger) error {
	var err error
	if errors.Is(runErr, durable.ErrCanceled) {
		log.Info("run cancelled")
		err = durable.Exec(dc, "mark_cancelled", c.opts(c.timeouts.Short),
			c.markFinishedStep(in, persistence.RunCancelled, "cancelled"))
	} else {
		log.Error("run failed: %v", runErr)
		err = durable.Exec(dc, "mark_failed", c.opts(c.timeouts.Short),
			c.markFinishedStep(in, persistence.RunFailed, runErr.Error()))
	}
	if err != nil {
		log.Error("failed to record terminal status: %v", err)
	}
	return err
}

// cleanup releases the environment and reconciles the worktree. Both steps
// always run; failures are logged with the run id and swallowed. Only
// engine shutdown is returned.
func (c *Coordinator) cleanup(dc *durable.Context, in *RunInput, log *logx.Logger) error {
	err := durable.Exec(dc, "release_environment", c.opts(c.timeouts.Cleanup), c.releaseStep(in))
	if durable.IsStopping(err) {
		return err
	}
	if err != nil {
		log.Warn("release_environment failed: %v", err)
	}

	err = durable.Exec(dc, "reconcile_worktree", c.opts(c.timeouts.Cleanup), c.reconcileStep(in))
	if durable.IsStopping(err) {
		return err
	}
	if err != nil {
		log.Warn("reconcile_worktree failed: %v", err)
	}
	return nil
}
