package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"autocoder/pkg/logx"
)

// Context is handed to a workflow body. All side effects must go through
// its journaled helpers so replay reproduces the same decisions.
type Context struct {
	ctx        context.Context // ends on Cancel or shutdown
	base       context.Context // ends on shutdown only
	engine     *Engine
	journal    Journal
	id         string
	workflowID string
	name       string
	seq        *counter // shared with Disconnected copies
	logger     *logx.Logger
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WorkflowID returns the logical id shared by all generations.
func (c *Context) WorkflowID() string { return c.workflowID }

// ExecutionID returns this generation's id.
func (c *Context) ExecutionID() string { return c.id }

// Logger returns a logger named after the workflow id.
func (c *Context) Logger() *logx.Logger { return c.logger }

// Done is closed when the execution is canceled or the engine shuts down.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns ErrCanceled or ErrShutdown once Done is closed, nil before.
func (c *Context) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(c.ctx), ErrCanceled) {
		return ErrCanceled
	}
	return ErrShutdown
}

// Canceled reports whether Cancel was requested for this execution.
func (c *Context) Canceled() bool {
	return errors.Is(c.Err(), ErrCanceled)
}

// Disconnected returns a Context whose steps ignore Cancel but still stop on
// engine shutdown. Cleanup after cancellation runs through it.
func (c *Context) Disconnected() *Context {
	cp := *c
	cp.ctx = c.base
	return &cp
}

// HistoryLength is the number of steps this execution has reached.
func (c *Context) HistoryLength() int {
	return c.seq.value()
}

// ShouldContinueAsNew reports whether the execution has grown past the
// engine's history limit.
func (c *Context) ShouldContinueAsNew() bool {
	return c.seq.value() >= c.engine.opts.HistoryLimit
}

// StepInfo describes the step invocation a step function is running under.
type StepInfo struct {
	ExecutionID string
	WorkflowID  string
	Step        string
	Seq         int
	Attempt     int
}

// IdempotencyKey is stable across attempts and replays of the same step.
func (i StepInfo) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d/%s", i.ExecutionID, i.Seq, i.Step)
}

type stepInfoKey struct{}

// StepInfoFrom returns the StepInfo attached to a step's context.
func StepInfoFrom(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepInfoKey{}).(StepInfo)
	return info, ok
}

// Step runs fn as a journaled step. On replay a completed step returns its
// recorded result without calling fn; a failed step returns its recorded error.
func Step[T any](c *Context, name string, opts StepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.step(name, opts, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out, merr := json.Marshal(v)
		if merr != nil {
			return nil, NonRetryable(fmt.Errorf("failed to encode result of %s: %w", name, merr))
		}
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("failed to decode journaled result of %s: %w", name, err)
		}
	}
	return out, nil
}

// Exec is Step for functions without a result.
func Exec(c *Context, name string, opts StepOptions, fn func(ctx context.Context) error) error {
	_, err := Step(c, name, opts, func(ctx context.Context) (bool, error) {
		return true, fn(ctx)
	})
	return err
}

// SideEffect journals the value of fn once. fn must not fail.
func SideEffect[T any](c *Context, name string, fn func() T) (T, error) {
	return Step(c, name, StepOptions{Retry: NoRetry}, func(context.Context) (T, error) {
		return fn(), nil
	})
}

// Now returns a journaled wall-clock time.
func Now(c *Context) (time.Time, error) {
	return SideEffect(c, "now", func() time.Time { return time.Now().UTC() })
}

// Sleep waits for d. The wake-up time is journaled, so a resumed execution
// only waits for what remains. Cancel interrupts the wait.
func Sleep(c *Context, d time.Duration) error {
	wake, err := SideEffect(c, "sleep", func() time.Time { return time.Now().UTC().Add(d) })
	if err != nil {
		return err
	}
	remaining := time.Until(wake)
	if remaining <= 0 {
		return c.Err()
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.Err()
	}
}

// StartChild starts an independent execution. Canceling the parent does not
// cancel the child. A duplicate workflow id fails without retry.
func StartChild(c *Context, req StartRequest) (string, error) {
	return Step(c, "start_child:"+req.WorkflowID, StepOptions{Timeout: 30 * time.Second}, func(ctx context.Context) (string, error) {
		exec, err := c.engine.Start(ctx, req)
		if err != nil {
			if errors.Is(err, ErrAlreadyStarted) || errors.Is(err, ErrUnknownWorkflow) {
				return "", NonRetryable(err)
			}
			return "", err
		}
		return exec.ID, nil
	})
}

// outcome is what the backend journals for a step. Permanent failures and
// cancellation are recorded as outcomes so the backend does not retry them.
type outcome struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Permanent bool            `json:"permanent,omitempty"`
	Canceled  bool            `json:"canceled,omitempty"`
}

func (o outcome) encode() ([]byte, error) {
	return json.Marshal(o)
}

func (c *Context) step(name string, opts StepOptions, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	opts = opts.normalized()
	seq := c.seq.next()
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}

	// A single-attempt step that was in flight when the process stopped is
	// failed, not re-executed. The begin marker is recorded before the step;
	// replaying it without a recorded step means the step was interrupted.
	fresh := true
	if opts.Retry.MaxAttempts == 1 {
		fresh = false
		if _, err := c.journal.Step("begin:"+name, NoRetry, func(context.Context) ([]byte, error) {
			fresh = true
			return []byte("{}"), nil
		}); err != nil {
			return nil, c.journalError(name, 0, err, nil)
		}
	}

	var (
		attempts int
		lastErr  error
	)
	began := time.Now()
	raw, err := c.journal.Step(name, opts.Retry, func(context.Context) ([]byte, error) {
		attempts++
		if !fresh {
			lastErr = NonRetryable(ErrInterrupted)
			c.logger.Warn("step %s was in flight at restart and is not retried", name)
			return outcome{Error: ErrInterrupted.Error(), Permanent: true}.encode()
		}
		if stop := c.Err(); stop != nil {
			return c.stopped(stop)
		}

		result, err := c.attempt(name, seq, attempts, opts.Timeout, fn)
		if err == nil {
			return outcome{Result: result}.encode()
		}
		lastErr = err
		if stop := c.Err(); stop != nil {
			return c.stopped(stop)
		}
		if IsNonRetryable(err) || attempts >= opts.Retry.MaxAttempts {
			return outcome{Error: err.Error(), Permanent: true}.encode()
		}
		c.logger.Warn("step %s attempt %d/%d failed, retrying: %v", name, attempts, opts.Retry.MaxAttempts, err)
		return nil, err
	})
	elapsed := time.Since(began)
	if err != nil {
		err = c.journalError(name, attempts, err, lastErr)
		c.observeStep(name, attempts, elapsed, err)
		return nil, err
	}

	var out outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NonRetryable(fmt.Errorf("failed to decode journaled outcome of %s: %w", name, err))
	}
	switch {
	case out.Canceled:
		err := fmt.Errorf("step %s: %w", name, ErrCanceled)
		c.observeStep(name, attempts, elapsed, err)
		return nil, err
	case out.Error != "":
		cause := lastErr
		if cause == nil {
			cause = NonRetryable(errors.New(out.Error))
		}
		err := &StepError{Step: name, Attempts: max(attempts, 1), Message: out.Error, Err: cause}
		c.observeStep(name, attempts, elapsed, err)
		return nil, err
	}
	logx.DebugFlow(c.ctx, "durable", name, "completed", fmt.Sprintf("attempt %d", attempts))
	c.observeStep(name, attempts, elapsed, nil)
	return out.Result, nil
}

// stopped decides what the journal keeps for a step interrupted by stop.
// Cancellation is recorded so the workflow sees it again on replay; shutdown
// records nothing and the step runs again after the restart.
func (c *Context) stopped(stop error) ([]byte, error) {
	if errors.Is(stop, ErrCanceled) {
		return outcome{Canceled: true}.encode()
	}
	return nil, stop
}

// journalError maps an error returned by the journal itself.
func (c *Context) journalError(name string, attempts int, err, lastErr error) error {
	if stop := c.Err(); stop != nil && !errors.Is(stop, ErrCanceled) {
		return fmt.Errorf("step %s: %w", name, stop)
	}
	if lastErr != nil {
		return &StepError{Step: name, Attempts: attempts, Message: lastErr.Error(), Err: lastErr}
	}
	return &StepError{Step: name, Attempts: attempts, Message: err.Error(), Err: err}
}

func (c *Context) attempt(name string, seq, attempt int, timeout time.Duration, fn func(ctx context.Context) ([]byte, error)) (result []byte, err error) {
	stepCtx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	stepCtx = context.WithValue(stepCtx, stepInfoKey{}, StepInfo{
		ExecutionID: c.id,
		WorkflowID:  c.workflowID,
		Step:        name,
		Seq:         seq,
		Attempt:     attempt,
	})

	defer func() {
		if r := recover(); r != nil {
			err = NonRetryable(fmt.Errorf("step %s panicked: %v", name, r))
		}
	}()

	result, err = fn(stepCtx)
	if err == nil && stepCtx.Err() == context.DeadlineExceeded {
		// Result arrived after the deadline; keep it.
		return result, nil
	}
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w (timeout %s)", err, timeout)
	}
	return result, err
}

func (c *Context) observeStep(name string, attempts int, elapsed time.Duration, err error) {
	if attempts == 0 || c.engine.opts.Observer == nil {
		return
	}
	c.engine.opts.Observer.StepFinished(c.name, name, attempts, elapsed, err)
}
