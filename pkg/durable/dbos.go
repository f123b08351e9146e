package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"autocoder/pkg/logx"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for executions when
// its context has no deadline.
const DefaultShutdownTimeout = 10 * time.Second

// DBOSBackend runs executions as DBOS Transact workflows over Postgres. DBOS
// checkpoints every step and recovers pending workflows on Launch.
//
// All workflow types share one registered DBOS workflow, execute, which
// dispatches on the name carried in its input; DBOS identifies registered
// functions by their Go symbol and the runners are closures.
type DBOSBackend struct {
	dctx   dbos.DBOSContext
	logger *logx.Logger

	mu      sync.Mutex
	runners map[string]Runner
	queues  map[string]dbos.WorkflowQueue

	closing atomic.Bool
	down    chan struct{}
}

// invocation is the DBOS workflow input.
type invocation struct {
	Workflow string `json:"workflow"`
	ID       string `json:"id"`
	Input    []byte `json:"input"`
}

// NewDBOSBackend connects to the DBOS system database at databaseURL.
func NewDBOSBackend(ctx context.Context, appName, databaseURL string) (*DBOSBackend, error) {
	dctx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		AppName:     appName,
		DatabaseURL: databaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}
	b := &DBOSBackend{
		dctx:    dctx,
		logger:  logx.NewLogger("dbos"),
		runners: make(map[string]Runner),
		queues:  make(map[string]dbos.WorkflowQueue),
		down:    make(chan struct{}),
	}
	dbos.RegisterWorkflow(dctx, b.execute)
	return b, nil
}

func (b *DBOSBackend) Register(name string, run Runner, concurrency int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runners[name] = run
	if concurrency > 0 {
		b.queues[name] = dbos.NewWorkflowQueue(b.dctx, name, dbos.WithWorkerConcurrency(concurrency))
	}
}

func (b *DBOSBackend) Launch(context.Context) error {
	if err := b.dctx.Launch(); err != nil {
		return err
	}
	b.logger.Info("DBOS launched; pending workflows are being recovered")
	return nil
}

func (b *DBOSBackend) Start(_ context.Context, name, id string, input []byte) error {
	b.mu.Lock()
	_, known := b.runners[name]
	queue, queued := b.queues[name]
	b.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	opts := []dbos.WorkflowOption{dbos.WithWorkflowID(id)}
	if queued {
		opts = append(opts, dbos.WithQueue(queue.Name))
	}
	_, err := dbos.RunWorkflow(b.dctx, b.execute, invocation{Workflow: name, ID: id, Input: input}, opts...)
	return err
}

func (b *DBOSBackend) execute(ctx dbos.DBOSContext, in invocation) (string, error) {
	b.mu.Lock()
	run, ok := b.runners[in.Workflow]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, in.Workflow)
	}
	err := run(&dbosJournal{ctx: ctx, backend: b}, in.ID, in.Input)
	if errors.Is(err, ErrShutdown) {
		b.park()
	}
	return "", err
}

// park holds an execution interrupted by shutdown until DBOS has stopped, so
// nothing is recorded for it and recovery resumes it. ErrShutdown is only
// raised once Engine.Close has begun, which always ends in Shutdown.
func (b *DBOSBackend) park() {
	<-b.down
}

func (b *DBOSBackend) Cancel(_ context.Context, id string) error {
	return dbos.CancelWorkflow(b.dctx, id)
}

func (b *DBOSBackend) List(_ context.Context, prefix string) ([]Record, error) {
	statuses, err := dbos.ListWorkflows(b.dctx, dbos.WithWorkflowIDPrefix(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(statuses))
	for _, s := range statuses {
		rec := Record{ID: s.ID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
		switch s.Status {
		case dbos.WorkflowStatusPending, dbos.WorkflowStatusEnqueued:
			rec.State = RecordPending
		case dbos.WorkflowStatusSuccess:
			rec.State = RecordSucceeded
		case dbos.WorkflowStatusCancelled:
			rec.State = RecordCancelled
		default:
			rec.State = RecordFailed
		}
		if s.Error != nil {
			rec.Error = s.Error.Error()
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *DBOSBackend) Shutdown(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	timeout := DefaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	b.dctx.Shutdown(timeout)
	close(b.down)
	return nil
}

type dbosJournal struct {
	ctx     dbos.DBOSContext
	backend *DBOSBackend
}

func (j *dbosJournal) Context() context.Context { return j.ctx }

func (j *dbosJournal) Step(name string, retry RetryPolicy, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	opts := []dbos.StepOption{
		dbos.WithStepName(name),
		dbos.WithStepMaxRetries(max(retry.MaxAttempts-1, 0)),
	}
	if retry.InitialInterval > 0 {
		opts = append(opts, dbos.WithBaseInterval(retry.InitialInterval))
	}
	if retry.BackoffCoefficient >= 1 {
		opts = append(opts, dbos.WithBackoffFactor(retry.BackoffCoefficient))
	}
	if retry.MaxInterval > 0 {
		opts = append(opts, dbos.WithMaxInterval(retry.MaxInterval))
	}
	return dbos.RunAsStep(j.ctx, func(stepCtx context.Context) ([]byte, error) {
		out, err := fn(stepCtx)
		if errors.Is(err, ErrShutdown) {
			j.backend.park()
		}
		return out, err
	}, opts...)
}
