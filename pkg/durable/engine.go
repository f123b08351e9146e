// Package durable runs replay-safe workflows on a durable backend.
//
// A workflow is a Go function that performs its side effects through
// journaled steps (Step, SideEffect, Sleep, StartChild). The backend records
// each completed step before the workflow advances, so an execution
// interrupted by a crash resumes on the next Launch and completed steps
// return their recorded results instead of running again. Production runs
// on DBOS Transact; MemoryBackend serves tests and single-shot use.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autocoder/pkg/logx"
)

// Workflow is the body of a registered workflow type.
type Workflow func(wc *Context, input []byte) error

// Observer receives step and execution outcomes, e.g. for metrics.
type Observer interface {
	StepFinished(workflow, step string, attempts int, elapsed time.Duration, err error)
	ExecutionFinished(workflow, status string)
}

// Options configures an Engine.
type Options struct {
	// HistoryLimit is the step count at which ShouldContinueAsNew turns true.
	HistoryLimit int
	Observer     Observer
	Logger       *logx.Logger
}

// RegisterOption tunes a workflow registration.
type RegisterOption func(*registration)

// WithMaxConcurrency bounds how many executions of the workflow run at once.
// Further executions wait for a slot before their first step.
func WithMaxConcurrency(n int) RegisterOption {
	return func(r *registration) {
		r.concurrency = n
	}
}

type registration struct {
	name        string
	fn          Workflow
	concurrency int
}

// Execution statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "cancelled"
	StatusContinued = "continued"
)

// Execution is one activation of a workflow. A workflow id may have many
// executions over time, at most one of them running.
type Execution struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Name       string     `json:"name,omitempty"`
	Generation int        `json:"generation"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// StartRequest names the workflow to start.
type StartRequest struct {
	WorkflowID string
	Workflow   string
	Input      any
}

// activation is an execution running in this process.
type activation struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine starts, cancels and tracks workflow executions on a Backend.
type Engine struct {
	backend Backend
	opts    Options
	logger  *logx.Logger

	stopCtx context.Context
	stop    context.CancelCauseFunc
	closing atomic.Bool

	startMu sync.Mutex // serializes Start so the duplicate check holds

	mu        sync.Mutex
	workflows map[string]*registration
	active    map[string]*activation // by workflow id
}

// NewEngine creates an engine over backend. Register workflows, then Launch.
func NewEngine(backend Backend, opts Options) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("durable")
	}
	stopCtx, stop := context.WithCancelCause(context.Background())
	return &Engine{
		backend:   backend,
		opts:      opts,
		logger:    logger,
		stopCtx:   stopCtx,
		stop:      stop,
		workflows: make(map[string]*registration),
		active:    make(map[string]*activation),
	}
}

// Register makes a workflow type startable by name.
func (e *Engine) Register(name string, fn Workflow, opts ...RegisterOption) {
	reg := &registration{name: name, fn: fn}
	for _, opt := range opts {
		opt(reg)
	}
	e.mu.Lock()
	e.workflows[name] = reg
	e.mu.Unlock()
	e.backend.Register(name, e.runner(reg), reg.concurrency)
}

func (e *Engine) registration(name string) (*registration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.workflows[name]
	return reg, ok
}

// Launch starts the backend. Executions left pending by a previous process
// resume now.
func (e *Engine) Launch(ctx context.Context) error {
	if err := e.backend.Launch(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Start launches a new execution. It fails with ErrAlreadyStarted when the
// workflow id is already running and with ErrUnavailable when the backend
// cannot accept work.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if req.WorkflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	if strings.Contains(req.WorkflowID, generationSep) {
		return nil, fmt.Errorf("workflow id %q must not contain %q", req.WorkflowID, generationSep)
	}
	if _, ok := e.registration(req.Workflow); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, req.Workflow)
	}
	if e.closing.Load() {
		return nil, fmt.Errorf("%w: engine closed", ErrUnavailable)
	}

	input, err := encode(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input for %s: %w", req.WorkflowID, err)
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	records, err := e.backend.List(ctx, executionPrefix(req.WorkflowID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	generation := 0
	for _, r := range records {
		if r.State == RecordPending {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyStarted, req.WorkflowID)
		}
		if _, g := splitExecutionID(r.ID); g > generation {
			generation = g
		}
	}

	id := executionID(req.WorkflowID, generation+1)
	if err := e.backend.Start(ctx, req.Workflow, id, input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.logger.Info("started %s %s (execution %s)", req.Workflow, req.WorkflowID, id)
	return &Execution{
		ID:         id,
		WorkflowID: req.WorkflowID,
		Name:       req.Workflow,
		Generation: generation + 1,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}, nil
}

// runner adapts reg to the backend. It owns the in-process cancellation of
// the execution and turns ContinueAsNew into the next generation.
func (e *Engine) runner(reg *registration) Runner {
	return func(j Journal, id string, input []byte) error {
		workflowID, generation := splitExecutionID(id)

		// base ends on shutdown only; ctx also ends on Cancel.
		base, stopBase := context.WithCancelCause(j.Context())
		defer stopBase(nil)
		unhook := context.AfterFunc(e.stopCtx, func() { stopBase(ErrShutdown) })
		defer unhook()
		ctx, cancel := context.WithCancelCause(base)

		act := &activation{id: id, cancel: cancel, done: make(chan struct{})}
		e.mu.Lock()
		e.active[workflowID] = act
		e.mu.Unlock()
		defer e.forget(workflowID, act)

		wc := &Context{
			ctx:        logx.ContextWithComponent(ctx, workflowID),
			base:       logx.ContextWithComponent(base, workflowID),
			engine:     e,
			journal:    j,
			id:         id,
			workflowID: workflowID,
			name:       reg.name,
			seq:        &counter{},
			logger:     e.logger.WithComponent(workflowID),
		}

		err := invoke(reg.fn, wc, input)

		var cne *ContinueAsNewError
		switch {
		case errors.As(err, &cne) && !wc.Canceled():
			next := executionID(workflowID, generation+1)
			serr := e.backend.Start(context.WithoutCancel(ctx), reg.name, next, cne.Input)
			if serr == nil {
				e.observeExecution(reg.name, StatusContinued)
				e.logger.Info("%s continued as new (execution %s -> %s)", workflowID, id, next)
				return nil
			}
			err = fmt.Errorf("failed to continue %s as new: %w", workflowID, serr)
		case errors.As(err, &cne):
			err = fmt.Errorf("%s: %w", workflowID, ErrCanceled)
		}

		switch {
		case err == nil:
			e.observeExecution(reg.name, StatusCompleted)
			e.logger.Info("%s %s", workflowID, StatusCompleted)
		case IsStopping(err) || errors.Is(context.Cause(base), ErrShutdown):
			e.logger.Info("%s paused by shutdown", workflowID)
			return ErrShutdown
		case errors.Is(err, ErrCanceled):
			e.observeExecution(reg.name, StatusCanceled)
			e.logger.Info("%s %s", workflowID, StatusCanceled)
		default:
			e.observeExecution(reg.name, StatusFailed)
			e.logger.Warn("%s failed: %v", workflowID, err)
		}
		return err
	}
}

// invoke runs fn, converting a panic into an error.
func invoke(fn Workflow, wc *Context, input []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return fn(wc, input)
}

func (e *Engine) forget(workflowID string, act *activation) {
	e.mu.Lock()
	if cur, ok := e.active[workflowID]; ok && cur == act {
		delete(e.active, workflowID)
	}
	e.mu.Unlock()
	act.cancel(nil)
	close(act.done)
}

func (e *Engine) activation(workflowID string) *activation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[workflowID]
}

func (e *Engine) observeExecution(name, status string) {
	if e.opts.Observer != nil {
		e.opts.Observer.ExecutionFinished(name, status)
	}
}

// Cancel requests cancellation of the running execution of workflowID. A
// running workflow observes ErrCanceled at its next step or sleep and may
// still run cleanup through Disconnected. An execution still waiting for a
// slot is cancelled by the backend. Executions it started with StartChild
// are not affected.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	if act := e.activation(workflowID); act != nil {
		act.cancel(ErrCanceled)
		e.logger.Info("cancel requested for %s", workflowID)
		return nil
	}

	records, err := e.backend.List(ctx, executionPrefix(workflowID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, r := range records {
		if r.State != RecordPending {
			continue
		}
		if err := e.backend.Cancel(ctx, r.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		e.logger.Info("cancelled pending %s", r.ID)
		return nil
	}
	return fmt.Errorf("%s: %w", workflowID, ErrNotRunning)
}

// IsRunning reports whether workflowID has an unfinished execution.
func (e *Engine) IsRunning(workflowID string) bool {
	if e.activation(workflowID) != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := e.Describe(ctx, workflowID)
	return err == nil && exec != nil && exec.Status == StatusRunning
}

// Describe returns the newest execution of workflowID, or nil if none exists.
func (e *Engine) Describe(ctx context.Context, workflowID string) (*Execution, error) {
	records, err := e.backend.List(ctx, executionPrefix(workflowID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	sort.Slice(records, func(i, k int) bool {
		_, gi := splitExecutionID(records[i].ID)
		_, gk := splitExecutionID(records[k].ID)
		return gi < gk
	})
	return toExecution(workflowID, records[len(records)-1]), nil
}

func toExecution(workflowID string, r Record) *Execution {
	_, generation := splitExecutionID(r.ID)
	exec := &Execution{
		ID:         r.ID,
		WorkflowID: workflowID,
		Generation: generation,
		Error:      r.Error,
		StartedAt:  r.CreatedAt,
	}
	switch r.State {
	case RecordPending:
		exec.Status = StatusRunning
		return exec
	case RecordSucceeded:
		exec.Status = StatusCompleted
	case RecordCancelled:
		exec.Status = StatusCanceled
	default:
		exec.Status = StatusFailed
		if strings.Contains(r.Error, ErrCanceled.Error()) {
			exec.Status = StatusCanceled
		}
	}
	ended := r.UpdatedAt
	exec.EndedAt = &ended
	return exec
}

// Wait blocks until workflowID has no running execution and returns its
// newest execution. Continue-as-new keeps the wait going.
func (e *Engine) Wait(ctx context.Context, workflowID string) (*Execution, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if act := e.activation(workflowID); act != nil {
			select {
			case <-act.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		exec, err := e.Describe(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if exec != nil && exec.Status != StatusRunning {
			return exec, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting work, interrupts running executions with ErrShutdown
// and shuts the backend down. Interrupted executions stay pending and resume
// on the next Launch.
func (e *Engine) Close(ctx context.Context) error {
	e.closing.Store(true)
	e.stop(ErrShutdown)
	if err := e.backend.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop durable backend: %w", err)
	}
	return nil
}

func encode(v any) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
