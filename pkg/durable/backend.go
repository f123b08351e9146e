package durable

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Backend is the durable substrate an Engine runs executions on. DBOSBackend
// is the production implementation; MemoryBackend keeps nothing across
// restarts.
type Backend interface {
	// Register declares a workflow. It must be called before Launch.
	// concurrency > 0 bounds how many executions of name run at once.
	Register(name string, run Runner, concurrency int)

	// Launch starts executing, resuming executions a previous process left
	// pending.
	Launch(ctx context.Context) error

	// Start begins execution id of workflow name. Starting an id that
	// already exists does nothing.
	Start(ctx context.Context, name, id string, input []byte) error

	// Cancel stops an execution that has not finished.
	Cancel(ctx context.Context, id string) error

	// List returns the executions whose id starts with prefix.
	List(ctx context.Context, prefix string) ([]Record, error)

	// Shutdown stops executing. Pending executions resume on the next Launch.
	Shutdown(ctx context.Context) error
}

// Runner is what a backend invokes for each execution, including executions
// resumed after a restart.
type Runner func(j Journal, id string, input []byte) error

// Journal records the steps of one execution. A step whose output was
// recorded returns it without running fn again.
type Journal interface {
	Context() context.Context
	Step(name string, retry RetryPolicy, fn func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// RecordState is the backend's view of an execution.
type RecordState string

const (
	RecordPending   RecordState = "pending"
	RecordSucceeded RecordState = "succeeded"
	RecordFailed    RecordState = "failed"
	RecordCancelled RecordState = "cancelled"
)

// Record is one execution as stored by a backend.
type Record struct {
	ID        string
	State     RecordState
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution ids are "<workflow id>.<generation>". Continue-as-new and every
// restart of a finished workflow id take the next generation.
const generationSep = "."

func executionID(workflowID string, generation int) string {
	return workflowID + generationSep + strconv.Itoa(generation)
}

func executionPrefix(workflowID string) string {
	return workflowID + generationSep
}

func splitExecutionID(id string) (string, int) {
	i := strings.LastIndex(id, generationSep)
	if i < 0 {
		return id, 0
	}
	gen, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return id, 0
	}
	return id[:i], gen
}
