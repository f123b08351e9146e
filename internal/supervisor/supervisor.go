// Package supervisor keeps a poll loop running for every active project and
// applies project stop and start requests arriving on the event bus.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"autocoder/internal/kernel"
	"autocoder/pkg/durable"
	"autocoder/pkg/events"
	"autocoder/pkg/logx"
	"autocoder/pkg/poller"
)

// Engine is the part of the durable engine the supervisor drives.
type Engine interface {
	Start(ctx context.Context, req durable.StartRequest) (*durable.Execution, error)
	Cancel(ctx context.Context, workflowID string) error
}

// Supervisor manages poll loop lifecycle.
type Supervisor struct {
	Kernel *kernel.Kernel
	Engine Engine
	Logger *logx.Logger
}

// NewSupervisor creates a supervisor over the kernel's engine.
func NewSupervisor(k *kernel.Kernel) *Supervisor {
	return &Supervisor{
		Kernel: k,
		Engine: k.Engine,
		Logger: logx.NewLogger("supervisor"),
	}
}

// Run starts the loops of active projects, then processes project control
// events until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	// Subscribe first so no control event slips by between the scan and the loop.
	ch, unsubscribe, err := s.Kernel.Bus.Subscribe(ctx, s.Kernel.Publisher.Subjects().ProjectControl)
	if err != nil {
		return fmt.Errorf("failed to subscribe to project control: %w", err)
	}
	defer unsubscribe()

	started, err := s.StartActiveLoops(ctx)
	if err != nil {
		return err
	}
	s.Logger.Info("Supervising %d active project(s)", started)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleControl(ctx, ev)
		}
	}
}

// StartActiveLoops ensures a poll loop for every active project and returns
// how many projects are active.
func (s *Supervisor) StartActiveLoops(ctx context.Context) (int, error) {
	projects, err := s.Kernel.Store.ListProjects(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list active projects: %w", err)
	}
	for _, p := range projects {
		if err := s.ensureLoop(ctx, p.ID); err != nil {
			s.Logger.Error("Failed to start poll loop for %s: %v", p.Name, err)
		}
	}
	return len(projects), nil
}

func (s *Supervisor) handleControl(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.TypeProjectStop:
		err := s.Engine.Cancel(ctx, poller.WorkflowID(ev.ProjectID))
		if err != nil && !errors.Is(err, durable.ErrNotRunning) {
			s.Logger.Error("Failed to stop poll loop of project %d: %v", ev.ProjectID, err)
			return
		}
		s.Logger.Info("Project %d stopped", ev.ProjectID)
	case events.TypeProjectStart:
		if err := s.ensureLoop(ctx, ev.ProjectID); err != nil {
			s.Logger.Error("Failed to start poll loop of project %d: %v", ev.ProjectID, err)
		}
	default:
		s.Logger.Debug("Ignoring control event %s", ev.Type)
	}
}

// ensureLoop starts the project's loop unless it is already running.
func (s *Supervisor) ensureLoop(ctx context.Context, projectID int64) error {
	_, err := s.Engine.Start(ctx, durable.StartRequest{
		WorkflowID: poller.WorkflowID(projectID),
		Workflow:   poller.WorkflowName,
		Input:      poller.LoopInput{ProjectID: projectID},
	})
	if errors.Is(err, durable.ErrAlreadyStarted) {
		return nil
	}
	if err == nil {
		s.Logger.Info("Started poll loop %s", poller.WorkflowID(projectID))
	}
	return err
}
