package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start when an execution with the same
	// workflow id is still running.
	ErrAlreadyStarted = errors.New("workflow already running")

	// ErrUnavailable wraps failures of the engine's own storage or lifecycle,
	// as opposed to failures inside a workflow.
	ErrUnavailable = errors.New("durable engine unavailable")

	// ErrCanceled is returned from steps and sleeps after Cancel.
	ErrCanceled = errors.New("workflow canceled")

	// ErrShutdown is returned from steps interrupted by engine shutdown. The
	// execution stays pending and resumes on the next Launch.
	ErrShutdown = errors.New("engine shutting down")

	// ErrNotRunning is returned by Cancel when no execution is in flight.
	ErrNotRunning = errors.New("workflow not running")

	// ErrUnknownWorkflow is returned by Start for unregistered workflow names.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInterrupted marks a non-retryable step that was in flight when the
	// process stopped. It is not re-executed.
	ErrInterrupted = errors.New("step interrupted before completion")
)

// NonRetryableError stops the retry loop on the first failure.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err so the step fails without further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries the non-retryable mark.
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

// StepError is the failure of a step after its retry policy was exhausted.
// Message survives replay even when the original error value does not.
type StepError struct {
	Step     string
	Attempts int
	Message  string
	Err      error // nil when replayed from the journal
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %s", e.Step, e.Attempts, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsStopping reports whether err means the workflow should return without
// running its failure path: shutdown leaves the execution to be resumed.
func IsStopping(err error) bool {
	return errors.Is(err, ErrShutdown)
}

// ContinueAsNewError is returned by a workflow to restart itself as the next
// generation with an empty journal.
type ContinueAsNewError struct {
	Input []byte
}

func (e *ContinueAsNewError) Error() string {
	return "continue as new"
}

// ContinueAsNew returns the error a workflow returns to continue with input.
func ContinueAsNew(input any) error {
	raw, err := encode(input)
	if err != nil {
		return fmt.Errorf("failed to encode continue-as-new input: %w", err)
	}
	return &ContinueAsNewError{Input: raw}
}
