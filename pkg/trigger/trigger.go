// Package trigger is the manual entry point for dispatching runs and for
// starting and stopping a project's poll loop.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"autocoder/pkg/coordinator"
	"autocoder/pkg/durable"
	"autocoder/pkg/events"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
	"autocoder/pkg/poller"
	"autocoder/pkg/utils"
)

// Errors callers can distinguish. Their text is shown to users as is.
var (
	ErrAlreadyRunning = errors.New("already running")
	ErrUnavailable    = errors.New("upstream connection failed")
	ErrValidation     = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
)

// Engine is the part of the durable engine the service drives.
type Engine interface {
	Start(ctx context.Context, req durable.StartRequest) (*durable.Execution, error)
	Cancel(ctx context.Context, workflowID string) error
}

// Request selects what a manual run works on. Exactly one of WorkItemNumber
// and SourcePRNumber may be set; a prompt alone is enough, and alongside a
// work item it adds instructions.
type Request struct {
	ProjectID      int64               `json:"project_id"`
	WorkItemNumber int                 `json:"work_item_number,omitempty"`
	SourcePRNumber int                 `json:"source_pr_number,omitempty"`
	Prompt         string              `json:"prompt,omitempty"`
	AgentType      string              `json:"agent_type,omitempty"`
	Mode           persistence.RunMode `json:"mode,omitempty"`
}

// Dispatch identifies a started run.
type Dispatch struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Service dispatches manual runs and controls poll loops.
type Service struct {
	store            *persistence.DatabaseOperations
	engine           Engine
	events           *events.Publisher
	defaultAgentType string
	logger           *logx.Logger
}

// NewService creates a Service. publisher may be nil.
func NewService(store *persistence.DatabaseOperations, engine Engine, publisher *events.Publisher, defaultAgentType string) *Service {
	return &Service{
		store:            store,
		engine:           engine,
		events:           publisher,
		defaultAgentType: defaultAgentType,
		logger:           logx.NewLogger("trigger"),
	}
}

// Trigger starts an agent run. A work item or pull request that already has
// an active run yields ErrAlreadyRunning and no new run record.
func (s *Service) Trigger(ctx context.Context, req Request) (Dispatch, error) {
	if err := validate(&req); err != nil {
		return Dispatch{}, err
	}

	project, err := s.store.GetProject(ctx, req.ProjectID)
	if errors.Is(err, persistence.ErrNotFound) {
		return Dispatch{}, fmt.Errorf("%w: project %d", ErrNotFound, req.ProjectID)
	}
	if err != nil {
		return Dispatch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	runID := uuid.NewString()
	in := coordinator.RunInput{
		RunID:     runID,
		ProjectID: project.ID,
		Prompt:    strings.TrimSpace(req.Prompt),
		AgentType: s.agentType(project, req.AgentType),
		Mode:      req.Mode,
	}

	var (
		workflowID string
		item       *persistence.WorkItem
		prevState  persistence.OrchestrationState
		claimed    persistence.OrchestrationState
	)
	switch {
	case req.SourcePRNumber > 0:
		item, err = s.lookupItem(ctx, project.ID, req.SourcePRNumber, true)
		if err != nil {
			return Dispatch{}, err
		}
		active, err := s.store.HasActiveRunForPR(ctx, project.ID, req.SourcePRNumber)
		if err != nil {
			return Dispatch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if active {
			return Dispatch{}, fmt.Errorf("%w: pull request #%d has an active run", ErrAlreadyRunning, req.SourcePRNumber)
		}
		pr, itemID := req.SourcePRNumber, item.ID
		in.SourcePRNumber = &pr
		in.WorkItemID = &itemID
		in.Signals = []persistence.SignalRecord{{Type: "manual", Details: nonEmpty(in.Prompt)}}
		workflowID = fmt.Sprintf("manual-%d-pr-%d", project.ID, pr)

	case req.WorkItemNumber > 0:
		item, err = s.lookupItem(ctx, project.ID, req.WorkItemNumber, false)
		if err != nil {
			return Dispatch{}, err
		}
		active, err := s.store.HasActiveRunForWorkItem(ctx, item.ID)
		if err != nil {
			return Dispatch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if active {
			return Dispatch{}, fmt.Errorf("%w: #%d has an active run", ErrAlreadyRunning, item.Number)
		}
		itemID := item.ID
		in.WorkItemID = &itemID
		workflowID = fmt.Sprintf("manual-%d-%d", project.ID, item.Number)

		// Claim the item so the poll loop does not dispatch it too. Only a
		// new item or a failed one, which a manual run re-opens, is claimable.
		prevState = item.OrchestrationState
		if err := claimable(item); err != nil {
			return Dispatch{}, err
		}
		target := persistence.StateInProgress
		if req.Mode == persistence.ModePlan {
			target = persistence.StatePlanning
		}
		moved, err := s.store.TransitionWorkItemState(ctx, item.ID, target, prevState)
		if err != nil {
			return Dispatch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !moved {
			return Dispatch{}, fmt.Errorf("%w: #%d was claimed concurrently", ErrAlreadyRunning, item.Number)
		}
		claimed = target

	default:
		workflowID = fmt.Sprintf("manual-%d-prompt-%s", project.ID, utils.ShortRunID(runID))
	}

	_, err = s.engine.Start(ctx, durable.StartRequest{
		WorkflowID: workflowID,
		Workflow:   coordinator.WorkflowName,
		Input:      in,
	})
	if err != nil {
		if item != nil && claimed != "" {
			s.restoreState(ctx, item, claimed, prevState)
		}
		if errors.Is(err, durable.ErrAlreadyStarted) {
			return Dispatch{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, workflowID)
		}
		return Dispatch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.WithFields(map[string]any{"project": project.ID, "run": runID}).Info("manual run dispatched as %s", workflowID)
	return Dispatch{WorkflowID: workflowID, RunID: runID}, nil
}

// StopProject deactivates a project and cancels its poll loop. Runs the loop
// already dispatched keep going. Stopping a stopped project is not an error.
func (s *Service) StopProject(ctx context.Context, projectID int64) error {
	if err := s.setActive(ctx, projectID, false); err != nil {
		return err
	}
	err := s.engine.Cancel(ctx, poller.WorkflowID(projectID))
	if err != nil && !errors.Is(err, durable.ErrNotRunning) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.events.ProjectControl(ctx, events.TypeProjectStop, projectID); err != nil {
		s.logger.Warn("failed to announce stop of project %d: %v", projectID, err)
	}
	return nil
}

// StartProject activates a project and starts its poll loop.
func (s *Service) StartProject(ctx context.Context, projectID int64) (string, error) {
	if err := s.setActive(ctx, projectID, true); err != nil {
		return "", err
	}
	workflowID := poller.WorkflowID(projectID)
	_, err := s.engine.Start(ctx, durable.StartRequest{
		WorkflowID: workflowID,
		Workflow:   poller.WorkflowName,
		Input:      poller.LoopInput{ProjectID: projectID},
	})
	if errors.Is(err, durable.ErrAlreadyStarted) {
		return workflowID, fmt.Errorf("%w: %s", ErrAlreadyRunning, workflowID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.events.ProjectControl(ctx, events.TypeProjectStart, projectID); err != nil {
		s.logger.Warn("failed to announce start of project %d: %v", projectID, err)
	}
	return workflowID, nil
}

// CancelRun requests cancellation of an active run. The run ends cancelled
// once its coordinator has cleaned up.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is already %s", ErrValidation, runID, run.Status)
	}
	if err := s.engine.Cancel(ctx, run.WorkflowID); err != nil {
		if errors.Is(err, durable.ErrNotRunning) {
			return fmt.Errorf("%w: run %s is not executing", ErrValidation, runID)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Service) setActive(ctx context.Context, projectID int64, active bool) error {
	err := s.store.SetProjectActive(ctx, projectID, active)
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: project %d", ErrNotFound, projectID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Service) lookupItem(ctx context.Context, projectID int64, number int, wantPR bool) (*persistence.WorkItem, error) {
	item, err := s.store.GetWorkItemByNumber(ctx, projectID, number)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: #%d is not a known work item", ErrValidation, number)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if wantPR && !item.IsPR {
		return nil, fmt.Errorf("%w: #%d is not a pull request", ErrValidation, number)
	}
	if item.State != persistence.ItemOpen {
		return nil, fmt.Errorf("%w: #%d is closed", ErrValidation, number)
	}
	return item, nil
}

// restoreState releases a claim whose run never started.
func (s *Service) restoreState(ctx context.Context, item *persistence.WorkItem, claimed, prev persistence.OrchestrationState) {
	if _, err := s.store.TransitionWorkItemState(context.WithoutCancel(ctx), item.ID, prev, claimed); err != nil {
		s.logger.Warn("failed to restore state of #%d: %v", item.Number, err)
	}
}

func (s *Service) agentType(project *persistence.Project, requested string) string {
	if requested != "" {
		return requested
	}
	if project.AgentType != "" {
		return project.AgentType
	}
	return s.defaultAgentType
}

func validate(req *Request) error {
	if req.ProjectID <= 0 {
		return fmt.Errorf("%w: a project is required", ErrValidation)
	}
	if req.WorkItemNumber < 0 || req.SourcePRNumber < 0 {
		return fmt.Errorf("%w: item numbers must be positive", ErrValidation)
	}
	if req.WorkItemNumber > 0 && req.SourcePRNumber > 0 {
		return fmt.Errorf("%w: choose either a work item or a pull request, not both", ErrValidation)
	}
	if req.WorkItemNumber == 0 && req.SourcePRNumber == 0 && strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: select a work item, a pull request or enter a prompt", ErrValidation)
	}
	switch req.Mode {
	case "":
		req.Mode = persistence.ModeBuild
	case persistence.ModeBuild:
	case persistence.ModePlan:
		if req.WorkItemNumber == 0 {
			return fmt.Errorf("%w: plan mode needs a work item", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, req.Mode)
	}
	return nil
}

// claimable rejects items a manual run may not claim.
func claimable(item *persistence.WorkItem) error {
	switch item.OrchestrationState {
	case persistence.StateNew, persistence.StateFailed:
		return nil
	case persistence.StatePlanning, persistence.StateInProgress:
		return fmt.Errorf("%w: #%d is %s", ErrAlreadyRunning, item.Number, item.OrchestrationState)
	default:
		return fmt.Errorf("%w: #%d is already %s; re-open it on the host to run it again",
			ErrValidation, item.Number, item.OrchestrationState)
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
