package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/coordinator"
	"autocoder/pkg/durable"
	"autocoder/pkg/events"
	"autocoder/pkg/persistence"
	"autocoder/pkg/poller"
	"autocoder/pkg/testkit"
)

type serviceFixture struct {
	ops     *persistence.DatabaseOperations
	project *persistence.Project
	engine  *durable.Engine
	service *Service
	bus     *events.MemoryBus
	// gate holds stub runs before they record themselves.
	gate chan struct{}
	// release lets recorded stub runs finish.
	release chan struct{}
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ops := testkit.NewDB(t)
	f := &serviceFixture{
		ops:     ops,
		project: testkit.NewProject(t, ops),
		gate:    make(chan struct{}),
		release: make(chan struct{}),
		bus:     events.NewMemoryBus(),
	}
	close(f.gate)
	t.Cleanup(func() { _ = f.bus.Close() })

	f.engine = testkit.NewEngine(t, durable.Options{})
	f.engine.Register(coordinator.WorkflowName, f.stubRun)
	f.engine.Register(poller.WorkflowName, func(wc *durable.Context, _ []byte) error {
		<-wc.Done()
		return wc.Err()
	})

	f.service = NewService(ops, f.engine, events.NewPublisher(f.bus, events.DefaultSubjects("test")), "claude")
	return f
}

// stubRun records a pending run like create_run does, then waits.
func (f *serviceFixture) stubRun(wc *durable.Context, raw []byte) error {
	var in coordinator.RunInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	select {
	case <-f.gate:
	case <-wc.Done():
		return wc.Err()
	}
	_, err := f.ops.CreateRun(context.Background(), &persistence.Run{
		ID:             in.RunID,
		ProjectID:      in.ProjectID,
		WorkItemID:     in.WorkItemID,
		SourcePRNumber: in.SourcePRNumber,
		WorkflowID:     wc.WorkflowID(),
		AgentType:      in.AgentType,
		Mode:           in.Mode,
	})
	if err != nil {
		return err
	}
	select {
	case <-f.release:
	case <-wc.Done():
		_, _ = f.ops.FinishRun(context.Background(), in.RunID, persistence.RunCancelled, "", "")
		return wc.Err()
	}
	_, err = f.ops.FinishRun(context.Background(), in.RunID, persistence.RunCompleted, persistence.ReasonNoChanges, "")
	return err
}

func (f *serviceFixture) waitForRun(t *testing.T, runID string) *persistence.Run {
	t.Helper()
	var run *persistence.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = f.ops.GetRun(context.Background(), runID)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func (f *serviceFixture) wait(t *testing.T, workflowID string) *durable.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.engine.Wait(ctx, workflowID)
	require.NoError(t, err)
	return exec
}

func (f *serviceFixture) runsFor(t *testing.T, itemID int64) []*persistence.Run {
	t.Helper()
	runs, err := f.ops.ListRuns(context.Background(), &persistence.RunFilter{ProjectID: f.project.ID, WorkItemID: itemID})
	require.NoError(t, err)
	return runs
}

func TestTriggerWorkItem(t *testing.T) {
	f := newServiceFixture(t)
	item := testkit.NewIssue(t, f.ops, f.project.ID, 7)

	d, err := f.service.Trigger(context.Background(), Request{ProjectID: f.project.ID, WorkItemNumber: 7})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("manual-%d-7", f.project.ID), d.WorkflowID)
	assert.NotEmpty(t, d.RunID)

	run := f.waitForRun(t, d.RunID)
	assert.Equal(t, "claude", run.AgentType)
	assert.Equal(t, persistence.ModeBuild, run.Mode)
	require.NotNil(t, run.WorkItemID)
	assert.Equal(t, item.ID, *run.WorkItemID)

	stored, err := f.ops.GetWorkItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateInProgress, stored.OrchestrationState)

	close(f.release)
	assert.Equal(t, durable.StatusCompleted, f.wait(t, d.WorkflowID).Status)
}

func TestTriggerDuplicateWhileActive(t *testing.T) {
	f := newServiceFixture(t)
	item := testkit.NewIssue(t, f.ops, f.project.ID, 7)
	req := Request{ProjectID: f.project.ID, WorkItemNumber: 7}

	first, err := f.service.Trigger(context.Background(), req)
	require.NoError(t, err)
	f.waitForRun(t, first.RunID)

	_, err = f.service.Trigger(context.Background(), req)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "already running")
	assert.Len(t, f.runsFor(t, item.ID), 1)

	close(f.release)
	f.wait(t, first.WorkflowID)

	// A failed item can be triggered again once its run is over.
	_, err = f.ops.TransitionWorkItemState(context.Background(), item.ID, persistence.StateFailed, persistence.StateInProgress)
	require.NoError(t, err)
	f.release = make(chan struct{})
	again, err := f.service.Trigger(context.Background(), req)
	require.NoError(t, err)
	f.waitForRun(t, again.RunID)
	assert.Len(t, f.runsFor(t, item.ID), 2)
	close(f.release)
	f.wait(t, again.WorkflowID)
}

func TestTriggerDuplicateBeforeRunRecorded(t *testing.T) {
	f := newServiceFixture(t)
	f.gate = make(chan struct{})
	item := testkit.NewIssue(t, f.ops, f.project.ID, 9)
	req := Request{ProjectID: f.project.ID, WorkItemNumber: 9}

	first, err := f.service.Trigger(context.Background(), req)
	require.NoError(t, err)

	_, err = f.service.Trigger(context.Background(), req)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(f.gate)
	close(f.release)
	f.wait(t, first.WorkflowID)
	assert.Len(t, f.runsFor(t, item.ID), 1)

	// The rejected duplicate must not have reset the claim.
	stored, err := f.ops.GetWorkItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateInProgress, stored.OrchestrationState)
}

func TestTriggerPromptOnly(t *testing.T) {
	f := newServiceFixture(t)
	close(f.release)

	d, err := f.service.Trigger(context.Background(), Request{ProjectID: f.project.ID, Prompt: "  bump deps  ", AgentType: "codex"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.WorkflowID, fmt.Sprintf("manual-%d-prompt-", f.project.ID)))

	run := f.waitForRun(t, d.RunID)
	assert.Equal(t, "codex", run.AgentType)
	assert.Nil(t, run.WorkItemID)
	f.wait(t, d.WorkflowID)
}

func TestTriggerPullRequest(t *testing.T) {
	f := newServiceFixture(t)
	pr := testkit.NewPR(t, f.ops, f.project.ID, 42, f.project.GeneratedLabel)
	req := Request{ProjectID: f.project.ID, SourcePRNumber: 42, Prompt: "rename the flag"}

	d, err := f.service.Trigger(context.Background(), req)
	require.NoError(t, err)
	run := f.waitForRun(t, d.RunID)
	require.NotNil(t, run.SourcePRNumber)
	assert.Equal(t, 42, *run.SourcePRNumber)
	assert.Equal(t, pr.ID, *run.WorkItemID)

	_, err = f.service.Trigger(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(f.release)
	f.wait(t, d.WorkflowID)
}

func TestTriggerValidation(t *testing.T) {
	f := newServiceFixture(t)
	testkit.NewIssue(t, f.ops, f.project.ID, 3)
	testkit.NewPR(t, f.ops, f.project.ID, 4)
	closed := testkit.NewIssue(t, f.ops, f.project.ID, 5)
	closed.State = persistence.ItemClosed
	require.NoError(t, f.ops.UpsertWorkItem(context.Background(), closed))

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing project", Request{WorkItemNumber: 3}, ErrValidation},
		{"nothing selected", Request{ProjectID: f.project.ID, Prompt: "   "}, ErrValidation},
		{"both item and pr", Request{ProjectID: f.project.ID, WorkItemNumber: 3, SourcePRNumber: 4}, ErrValidation},
		{"negative number", Request{ProjectID: f.project.ID, WorkItemNumber: -1}, ErrValidation},
		{"unknown mode", Request{ProjectID: f.project.ID, WorkItemNumber: 3, Mode: "yolo"}, ErrValidation},
		{"plan without item", Request{ProjectID: f.project.ID, Prompt: "x", Mode: persistence.ModePlan}, ErrValidation},
		{"unknown item", Request{ProjectID: f.project.ID, WorkItemNumber: 300}, ErrValidation},
		{"issue as pr", Request{ProjectID: f.project.ID, SourcePRNumber: 3}, ErrValidation},
		{"closed item", Request{ProjectID: f.project.ID, WorkItemNumber: 5}, ErrValidation},
		{"unknown project", Request{ProjectID: 999, Prompt: "x"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Trigger(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type downEngine struct{}

func (downEngine) Start(context.Context, durable.StartRequest) (*durable.Execution, error) {
	return nil, fmt.Errorf("%w: database is locked", durable.ErrUnavailable)
}

func (downEngine) Cancel(context.Context, string) error {
	return fmt.Errorf("%w: database is locked", durable.ErrUnavailable)
}

func TestTriggerEngineUnavailable(t *testing.T) {
	ops := testkit.NewDB(t)
	project := testkit.NewProject(t, ops)
	item := testkit.NewIssue(t, ops, project.ID, 7)
	svc := NewService(ops, downEngine{}, nil, "claude")

	_, err := svc.Trigger(context.Background(), Request{ProjectID: project.ID, WorkItemNumber: 7})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "upstream connection failed")

	stored, err := ops.GetWorkItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateNew, stored.OrchestrationState, "claim is released")

	assert.ErrorIs(t, svc.StopProject(context.Background(), project.ID), ErrUnavailable)
}

func TestStopAndStartProject(t *testing.T) {
	f := newServiceFixture(t)
	control, _, err := f.bus.Subscribe(context.Background(), events.DefaultSubjects("test").ProjectControl)
	require.NoError(t, err)

	workflowID, err := f.service.StartProject(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, poller.WorkflowID(f.project.ID), workflowID)
	assert.True(t, f.engine.IsRunning(workflowID))

	_, err = f.service.StartProject(context.Background(), f.project.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, f.service.StopProject(context.Background(), f.project.ID))
	assert.Equal(t, durable.StatusCanceled, f.wait(t, workflowID).Status)

	project, err := f.ops.GetProject(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.False(t, project.Active)

	// Stopping again is a no-op.
	require.NoError(t, f.service.StopProject(context.Background(), f.project.ID))
	assert.ErrorIs(t, f.service.StopProject(context.Background(), 999), ErrNotFound)

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-control:
			assert.Equal(t, f.project.ID, ev.ProjectID)
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing control events, got %v", types)
		}
	}
	assert.Equal(t, []string{events.TypeProjectStart, events.TypeProjectStop, events.TypeProjectStop}, types)
}

func TestCancelRun(t *testing.T) {
	f := newServiceFixture(t)
	testkit.NewIssue(t, f.ops, f.project.ID, 7)

	d, err := f.service.Trigger(context.Background(), Request{ProjectID: f.project.ID, WorkItemNumber: 7})
	require.NoError(t, err)
	f.waitForRun(t, d.RunID)

	require.NoError(t, f.service.CancelRun(context.Background(), d.RunID))
	assert.Equal(t, durable.StatusCanceled, f.wait(t, d.WorkflowID).Status)

	run, err := f.ops.GetRun(context.Background(), d.RunID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunCancelled, run.Status)

	assert.ErrorIs(t, f.service.CancelRun(context.Background(), d.RunID), ErrValidation)
	assert.ErrorIs(t, f.service.CancelRun(context.Background(), "nope"), ErrNotFound)
}

func TestTriggerClaimsOnlyNewOrFailedItems(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	close(f.release)

	setState := func(number int, path ...persistence.OrchestrationState) *persistence.WorkItem {
		item := testkit.NewIssue(t, f.ops, f.project.ID, number)
		from := persistence.StateNew
		for _, to := range path {
			_, err := f.ops.TransitionWorkItemState(ctx, item.ID, to, from)
			require.NoError(t, err)
			from = to
		}
		return item
	}
	planning := setState(11, persistence.StatePlanning)
	inProgress := setState(12, persistence.StateInProgress)
	completed := setState(13, persistence.StateInProgress, persistence.StateCompleted)
	failed := setState(14, persistence.StateInProgress, persistence.StateFailed)

	tests := []struct {
		name string
		item *persistence.WorkItem
		mode persistence.RunMode
		want error
		end  persistence.OrchestrationState
	}{
		{"planning", planning, persistence.ModeBuild, ErrAlreadyRunning, persistence.StatePlanning},
		{"in progress", inProgress, persistence.ModePlan, ErrAlreadyRunning, persistence.StateInProgress},
		{"completed build", completed, persistence.ModeBuild, ErrValidation, persistence.StateCompleted},
		{"completed plan", completed, persistence.ModePlan, ErrValidation, persistence.StateCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Trigger(ctx, Request{ProjectID: f.project.ID, WorkItemNumber: tt.item.Number, Mode: tt.mode})
			assert.ErrorIs(t, err, tt.want)

			stored, err := f.ops.GetWorkItem(ctx, tt.item.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.end, stored.OrchestrationState)
			assert.Empty(t, f.runsFor(t, tt.item.ID))
		})
	}

	d, err := f.service.Trigger(ctx, Request{ProjectID: f.project.ID, WorkItemNumber: failed.Number})
	require.NoError(t, err)
	f.wait(t, d.WorkflowID)
	stored, err := f.ops.GetWorkItem(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateInProgress, stored.OrchestrationState)
}

func TestTriggerEngineUnavailableRestoresFailedItem(t *testing.T) {
	ops := testkit.NewDB(t)
	project := testkit.NewProject(t, ops)
	item := testkit.NewIssue(t, ops, project.ID, 7)
	ctx := context.Background()
	_, err := ops.TransitionWorkItemState(ctx, item.ID, persistence.StateInProgress, persistence.StateNew)
	require.NoError(t, err)
	_, err = ops.TransitionWorkItemState(ctx, item.ID, persistence.StateFailed, persistence.StateInProgress)
	require.NoError(t, err)
	svc := NewService(ops, downEngine{}, nil, "claude")

	_, err = svc.Trigger(ctx, Request{ProjectID: project.ID, WorkItemNumber: 7})
	require.ErrorIs(t, err, ErrUnavailable)

	stored, err := ops.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateFailed, stored.OrchestrationState)
}
