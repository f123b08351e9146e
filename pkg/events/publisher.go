package events

import (
	"context"
	"time"

	"autocoder/pkg/logx"
)

// Publisher stamps and publishes service events. A nil *Publisher drops
// everything, so components can run without a bus.
type Publisher struct {
	bus      Bus
	subjects Subjects
	logger   *logx.Logger
}

// NewPublisher publishes to bus on subjects.
func NewPublisher(bus Bus, subjects Subjects) *Publisher {
	return &Publisher{bus: bus, subjects: subjects, logger: logx.NewLogger("events")}
}

// Subjects returns the subjects this publisher writes to.
func (p *Publisher) Subjects() Subjects {
	return p.subjects
}

// RunStatus announces a run status change. Failures are logged only.
func (p *Publisher) RunStatus(ctx context.Context, ev Event) {
	if p == nil || p.bus == nil {
		return
	}
	ev.Type = TypeRunStatus
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.bus.Publish(ctx, p.subjects.RunStatus, ev); err != nil {
		p.logger.Warn("failed to publish status %s of run %s: %v", ev.Status, ev.RunID, err)
	}
}

// ProjectControl asks every supervisor to stop or start a project's loop.
func (p *Publisher) ProjectControl(ctx context.Context, eventType string, projectID int64) error {
	if p == nil || p.bus == nil {
		return nil
	}
	return p.bus.Publish(ctx, p.subjects.ProjectControl, Event{
		Type:      eventType,
		ProjectID: projectID,
		At:        time.Now().UTC(),
	})
}
