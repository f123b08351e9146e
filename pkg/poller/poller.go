// Package poller runs one long-lived poll loop per project.
//
// Each cycle syncs the project's open issues and pull requests from the host,
// dispatches agent runs for items whose labels request one, scans generated
// pull requests for follow-up signals and sleeps for the project's interval.
// Every side effect happens inside a journaled step, so a loop resumed after a
// crash never dispatches the same item twice. The loop continues as new after
// a fixed number of cycles to keep its journal short.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/coordinator"
	"autocoder/pkg/detect"
	"autocoder/pkg/durable"
	"autocoder/pkg/followup"
	"autocoder/pkg/forge"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
)

// WorkflowName is the durable workflow type registered by Register.
const WorkflowName = "poll_loop"

// LoopInput is the poll loop's input. It is carried unchanged across
// continue-as-new.
type LoopInput struct {
	ProjectID int64 `json:"project_id"`
}

// WorkflowID returns the id of a project's poll loop.
func WorkflowID(projectID int64) string {
	return "poll-" + strconv.FormatInt(projectID, 10)
}

// Options tunes the loop.
type Options struct {
	DefaultInterval  time.Duration
	IterationCap     int
	DefaultAgentType string
	StepTimeout      time.Duration
	Retry            durable.RetryPolicy
}

// Deps are the collaborators of the loop.
type Deps struct {
	Store    *persistence.DatabaseOperations
	Forge    forge.Factory
	Detector *detect.Detector
	Scanner  *followup.Scanner
}

// Loop is the poll_loop workflow.
type Loop struct {
	store    *persistence.DatabaseOperations
	forge    forge.Factory
	detector *detect.Detector
	scanner  *followup.Scanner
	opts     Options
	logger   *logx.Logger
}

// New creates a Loop. Zero options fall back to the built-in defaults.
func New(deps Deps, opts Options) *Loop {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = time.Minute
	}
	if opts.IterationCap <= 0 {
		opts.IterationCap = 100
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = time.Minute
	}
	detector := deps.Detector
	if detector == nil {
		detector = detect.NewDetector(deps.Store)
	}
	scanner := deps.Scanner
	if scanner == nil {
		scanner = followup.NewScanner(deps.Store, nil)
	}
	return &Loop{
		store:    deps.Store,
		forge:    deps.Forge,
		detector: detector,
		scanner:  scanner,
		opts:     opts,
		logger:   logx.NewLogger("poller"),
	}
}

// Register adds the poll_loop workflow to engine.
func (l *Loop) Register(engine *durable.Engine) {
	engine.Register(WorkflowName, l.Run)
}

// snapshot is the journaled result of fetch_open_items.
type snapshot struct {
	Gone    bool                    `json:"gone"`
	Project *persistence.Project    `json:"project,omitempty"`
	Items   []*persistence.WorkItem `json:"items,omitempty"`
}

type interval struct {
	Gone     bool          `json:"gone"`
	Duration time.Duration `json:"duration"`
}

// Run is the workflow body.
func (l *Loop) Run(wc *durable.Context, raw []byte) error {
	var in LoopInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return durable.NonRetryable(fmt.Errorf("invalid poll loop input: %w", err))
	}
	if in.ProjectID <= 0 {
		return durable.NonRetryable(errors.New("poll loop requires a project id"))
	}
	log := wc.Logger().WithFields(map[string]any{"project": in.ProjectID})

	for cycle := 0; ; cycle++ {
		if cycle >= l.opts.IterationCap || wc.ShouldContinueAsNew() {
			log.Info("continuing as new after %d cycles (history %d)", cycle, wc.HistoryLength())
			return durable.ContinueAsNew(in)
		}

		snap, err := durable.Step(wc, "fetch_open_items", l.stepOptions(), l.fetchStep(in.ProjectID))
		switch {
		case stopped(err):
			return err
		case err != nil:
			log.Warn("fetch failed, skipping this cycle: %v", err)
		case snap.Gone:
			log.Info("project is gone or inactive, stopping poll loop")
			return nil
		default:
			if err := l.dispatch(wc, log, snap); err != nil {
				return err
			}
		}

		next, err := durable.Step(wc, "poll_interval", l.stepOptions(), l.intervalStep(in.ProjectID))
		if stopped(err) {
			return err
		}
		if err != nil {
			log.Warn("failed to read poll interval, using %s: %v", l.opts.DefaultInterval, err)
			next = interval{Duration: l.opts.DefaultInterval}
		}
		if next.Gone {
			log.Info("project is gone or inactive, stopping poll loop")
			return nil
		}

		if err := durable.Sleep(wc, next.Duration); err != nil {
			return err
		}
	}
}

// dispatch runs detection over the snapshot and starts the runs it asks for,
// then scans generated pull requests. Only stop errors are returned.
func (l *Loop) dispatch(wc *durable.Context, log *logx.Logger, snap snapshot) error {
	now, err := durable.Now(wc)
	if err != nil {
		return err
	}
	project := snap.Project
	mapping := detect.MappingFor(project)

	for _, item := range snap.Items {
		// Detect is pure, so the pre-check keeps idle items out of the journal.
		if detect.Detect(item, mapping).Action == detect.ActionNone {
			continue
		}
		itemLog := log.WithFields(map[string]any{"item": item.Number})

		decision, err := durable.Step(wc, "detect:"+strconv.Itoa(item.Number), l.stepOptions(),
			func(ctx context.Context) (detect.Decision, error) {
				return l.detector.Apply(ctx, item, mapping)
			})
		if stopped(err) {
			return err
		}
		if err != nil {
			itemLog.Warn("detection failed: %v", err)
			continue
		}
		if decision.Action == detect.ActionNone {
			continue
		}

		if err := l.startRun(wc, itemLog, project, item, decision, now); err != nil {
			return err
		}
	}

	return l.scanFollowUps(wc, log, project, snap.Items, now)
}

// scanFollowUps evaluates each generated pull request in its own step, then
// commits and dispatches the ones that need a follow-up. A slow or failing
// pull request never holds back the others, and the counter advance of one
// pull request is journaled on its own.
func (l *Loop) scanFollowUps(wc *durable.Context, log *logx.Logger, project *persistence.Project,
	items []*persistence.WorkItem, now time.Time) error {
	candidates := l.scanner.Candidates(project, items)
	triggered := 0
	for _, item := range candidates {
		number := strconv.Itoa(item.Number)
		prLog := log.WithFields(map[string]any{"pr": item.Number})

		eval, err := durable.Step(wc, "scan:"+number, l.stepOptions(),
			func(ctx context.Context) (evaluation, error) {
				client, err := l.forge(project.Owner, project.Repo)
				if err != nil {
					return evaluation{}, durable.NonRetryable(err)
				}
				trigger, ok, err := l.scanner.Evaluate(ctx, project, client, item)
				return evaluation{Trigger: trigger, Needed: ok}, err
			})
		if stopped(err) {
			return err
		}
		if err != nil {
			prLog.Warn("follow-up evaluation failed: %v", err)
			continue
		}
		if !eval.Needed {
			continue
		}

		trigger, err := durable.Step(wc, "commit_followup:"+number, l.stepOptions(),
			func(ctx context.Context) (followup.Trigger, error) {
				client, err := l.forge(project.Owner, project.Repo)
				if err != nil {
					return followup.Trigger{}, durable.NonRetryable(err)
				}
				committed, err := l.scanner.Commit(ctx, project, client, item, eval.Trigger)
				if errors.Is(err, persistence.ErrStaleFollowUp) {
					return followup.Trigger{}, durable.NonRetryable(err)
				}
				return committed, err
			})
		if stopped(err) {
			return err
		}
		if err != nil {
			prLog.Error("failed to commit follow-up, not triggering: %v", err)
			continue
		}

		triggered++
		if err := l.startFollowUp(wc, log, project, trigger, now); err != nil {
			return err
		}
	}
	l.scanner.Report(project, len(candidates), triggered)
	return nil
}

// evaluation is the journaled result of one scan step.
type evaluation struct {
	Trigger followup.Trigger `json:"trigger"`
	Needed  bool             `json:"needed"`
}

func (l *Loop) startRun(wc *durable.Context, log *logx.Logger, project *persistence.Project,
	item *persistence.WorkItem, decision detect.Decision, now time.Time) error {
	prefix, mode := "agent", persistence.ModeBuild
	if decision.Action == detect.ActionStartPlanning {
		prefix, mode = "plan", persistence.ModePlan
	}
	childID := fmt.Sprintf("%s-%d-%d-%d", prefix, project.ID, item.Number, now.Unix())

	runID, err := durable.SideEffect(wc, "run_id:"+childID, uuid.NewString)
	if err != nil {
		return err
	}
	itemID := item.ID
	_, err = durable.StartChild(wc, durable.StartRequest{
		WorkflowID: childID,
		Workflow:   coordinator.WorkflowName,
		Input: coordinator.RunInput{
			RunID:      runID,
			ProjectID:  project.ID,
			WorkItemID: &itemID,
			AgentType:  l.agentType(project),
			Mode:       mode,
		},
	})
	switch {
	case err == nil:
		log.Info("dispatched %s as %s (run %s)", decision.Action, childID, runID)
		return nil
	case stopped(err):
		return err
	case errors.Is(err, durable.ErrAlreadyStarted):
		log.Info("%s is already running", childID)
		return nil
	}

	log.Error("failed to dispatch %s: %v", childID, err)
	// Hand the item back so a later cycle can retry it.
	err = durable.Exec(wc, "revert:"+strconv.Itoa(item.Number), l.stepOptions(), func(ctx context.Context) error {
		_, err := l.store.TransitionWorkItemState(ctx, item.ID, persistence.StateNew, decision.TargetState)
		return err
	})
	if stopped(err) {
		return err
	}
	if err != nil {
		log.Warn("failed to reset item state: %v", err)
	}
	return nil
}

func (l *Loop) startFollowUp(wc *durable.Context, log *logx.Logger, project *persistence.Project,
	trigger followup.Trigger, now time.Time) error {
	childID := fmt.Sprintf("pr-followup-%d-%d-%d", project.ID, trigger.PRNumber, now.Unix())
	prLog := log.WithFields(map[string]any{"pr": trigger.PRNumber})

	runID, err := durable.SideEffect(wc, "run_id:"+childID, uuid.NewString)
	if err != nil {
		return err
	}
	prNumber, itemID := trigger.PRNumber, trigger.WorkItemID
	_, err = durable.StartChild(wc, durable.StartRequest{
		WorkflowID: childID,
		Workflow:   coordinator.WorkflowName,
		Input: coordinator.RunInput{
			RunID:          runID,
			ProjectID:      project.ID,
			WorkItemID:     &itemID,
			SourcePRNumber: &prNumber,
			AgentType:      l.agentType(project),
			Mode:           persistence.ModeBuild,
			Signals:        trigger.Records(),
		},
	})
	switch {
	case err == nil:
		prLog.Info("dispatched follow-up %s for %v (run %s)", childID, trigger.Types(), runID)
	case stopped(err):
		return err
	case errors.Is(err, durable.ErrAlreadyStarted):
		prLog.Info("%s is already running", childID)
	default:
		prLog.Error("failed to dispatch follow-up %s: %v", childID, err)
	}
	return nil
}

func (l *Loop) fetchStep(projectID int64) func(context.Context) (snapshot, error) {
	return func(ctx context.Context) (snapshot, error) {
		project, err := l.store.GetProject(ctx, projectID)
		if errors.Is(err, persistence.ErrNotFound) {
			return snapshot{Gone: true}, nil
		}
		if err != nil {
			return snapshot{}, err
		}
		if !project.Active {
			return snapshot{Gone: true}, nil
		}

		client, err := l.forge(project.Owner, project.Repo)
		if err != nil {
			return snapshot{}, durable.NonRetryable(err)
		}
		if err := Sync(ctx, l.store, project, client); err != nil {
			return snapshot{}, err
		}

		items, err := l.store.ListOpenWorkItems(ctx, project.ID)
		if err != nil {
			return snapshot{}, err
		}
		return snapshot{Project: project, Items: items}, nil
	}
}

func (l *Loop) intervalStep(projectID int64) func(context.Context) (interval, error) {
	return func(ctx context.Context) (interval, error) {
		project, err := l.store.GetProject(ctx, projectID)
		if errors.Is(err, persistence.ErrNotFound) {
			return interval{Gone: true}, nil
		}
		if err != nil {
			return interval{}, err
		}
		if !project.Active {
			return interval{Gone: true}, nil
		}
		return interval{Duration: project.PollInterval(l.opts.DefaultInterval)}, nil
	}
}

func (l *Loop) stepOptions() durable.StepOptions {
	return durable.StepOptions{Timeout: l.opts.StepTimeout, Retry: l.opts.Retry}
}

func (l *Loop) agentType(project *persistence.Project) string {
	if project.AgentType != "" {
		return project.AgentType
	}
	return l.opts.DefaultAgentType
}

// stopped reports whether err means the loop was canceled or the engine is
// shutting down.
func stopped(err error) bool {
	return errors.Is(err, durable.ErrCanceled) || durable.IsStopping(err)
}
