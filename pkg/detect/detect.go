// Package detect decides which orchestration action a work item warrants.
package detect

import (
	"context"
	"fmt"

	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
)

// Action is the outcome of detection.
type Action string

const (
	ActionNone          Action = "none"
	ActionExecuteAgent  Action = "execute_agent"
	ActionStartPlanning Action = "start_planning"
)

// LabelMapping names the labels that request each action.
type LabelMapping struct {
	Build string
	Plan  string
}

// MappingFor returns the project's label mapping.
func MappingFor(p *persistence.Project) LabelMapping {
	return LabelMapping{Build: p.BuildLabel, Plan: p.PlanLabel}
}

// Decision is what Detect chose and the state the item moves to.
type Decision struct {
	Action      Action                         `json:"action"`
	TargetState persistence.OrchestrationState `json:"target_state,omitempty"`
}

// None is the empty decision.
var None = Decision{Action: ActionNone}

// Detect is pure: it only looks at item and mapping. Items not in state new
// never trigger, whatever their labels. The build label wins over the plan label.
func Detect(item *persistence.WorkItem, mapping LabelMapping) Decision {
	if item == nil || item.OrchestrationState != persistence.StateNew {
		return None
	}
	if item.HasLabel(mapping.Build) {
		return Decision{Action: ActionExecuteAgent, TargetState: persistence.StateInProgress}
	}
	if item.HasLabel(mapping.Plan) {
		return Decision{Action: ActionStartPlanning, TargetState: persistence.StatePlanning}
	}
	return None
}

// StateStore is the conditional state update Apply needs.
type StateStore interface {
	TransitionWorkItemState(ctx context.Context, id int64, to persistence.OrchestrationState, from ...persistence.OrchestrationState) (bool, error)
}

// Detector commits detection decisions.
type Detector struct {
	store  StateStore
	logger *logx.Logger
}

// NewDetector creates a Detector over store.
func NewDetector(store StateStore) *Detector {
	return &Detector{store: store, logger: logx.NewLogger("detect")}
}

// Apply runs Detect and moves the item out of state new. If another writer
// moved it first the decision collapses to none, so an item is dispatched at
// most once.
func (d *Detector) Apply(ctx context.Context, item *persistence.WorkItem, mapping LabelMapping) (Decision, error) {
	decision := Detect(item, mapping)
	if decision.Action == ActionNone {
		return None, nil
	}

	moved, err := d.store.TransitionWorkItemState(ctx, item.ID, decision.TargetState, persistence.StateNew)
	if err != nil {
		return None, fmt.Errorf("failed to apply %s to item #%d: %w", decision.Action, item.Number, err)
	}
	if !moved {
		d.logger.Debug("item #%d left state new concurrently, skipping %s", item.Number, decision.Action)
		return None, nil
	}

	item.OrchestrationState = decision.TargetState
	d.logger.WithFields(map[string]any{"project": item.ProjectID, "item": item.Number}).
		Info("detected %s", decision.Action)
	return decision, nil
}
