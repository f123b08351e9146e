package durable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// MemoryBackend keeps executions and their journals in process memory.
// Launching it again after Shutdown resumes pending executions from their
// journals; nothing survives the process.
type MemoryBackend struct {
	mu        sync.Mutex
	workflows map[string]*memoryWorkflow
	execs     map[string]*memoryExecution
	runCtx    context.Context
	stopRun   context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

type memoryWorkflow struct {
	run Runner
	sem *semaphore.Weighted
}

type memoryExecution struct {
	record    Record
	name      string
	input     []byte
	steps     []memoryStep
	cancel    context.CancelFunc
	cancelled bool
}

type memoryStep struct {
	name string
	out  []byte
	err  string
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		workflows: make(map[string]*memoryWorkflow),
		execs:     make(map[string]*memoryExecution),
	}
}

func (b *MemoryBackend) Register(name string, run Runner, concurrency int) {
	wf := &memoryWorkflow{run: run}
	if concurrency > 0 {
		wf.sem = semaphore.NewWeighted(int64(concurrency))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workflows[name] = wf
}

func (b *MemoryBackend) Launch(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.runCtx, b.stopRun = context.WithCancel(context.Background())
	b.running = true

	pending := make([]*memoryExecution, 0)
	for _, ex := range b.execs {
		if ex.record.State == RecordPending {
			pending = append(pending, ex)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		return pending[i].record.CreatedAt.Before(pending[k].record.CreatedAt)
	})
	for _, ex := range pending {
		b.spawnLocked(ex)
	}
	return nil
}

func (b *MemoryBackend) Start(_ context.Context, name, id string, input []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workflows[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if _, ok := b.execs[id]; ok {
		return nil
	}
	now := time.Now().UTC()
	ex := &memoryExecution{
		record: Record{ID: id, State: RecordPending, CreatedAt: now, UpdatedAt: now},
		name:   name,
		input:  input,
	}
	b.execs[id] = ex
	if b.running {
		b.spawnLocked(ex)
	}
	return nil
}

func (b *MemoryBackend) spawnLocked(ex *memoryExecution) {
	wf, ok := b.workflows[ex.name]
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(b.runCtx)
	ex.cancel = cancel
	runCtx := b.runCtx
	b.wg.Add(1)
	go b.execute(ctx, runCtx, wf, ex)
}

func (b *MemoryBackend) execute(ctx, runCtx context.Context, wf *memoryWorkflow, ex *memoryExecution) {
	defer b.wg.Done()
	if wf.sem != nil {
		if err := wf.sem.Acquire(ctx, 1); err != nil {
			b.finish(ex, runCtx, err)
			return
		}
		defer wf.sem.Release(1)
	}
	j := &memoryJournal{ctx: ctx, backend: b, exec: ex}
	err := wf.run(j, ex.record.ID, ex.input)
	b.finish(ex, runCtx, err)
}

func (b *MemoryBackend) finish(ex *memoryExecution, runCtx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex.record.State != RecordPending {
		return
	}
	if !ex.cancelled && (runCtx.Err() != nil || errors.Is(err, ErrShutdown)) {
		// Left pending for the next Launch.
		return
	}
	ex.record.UpdatedAt = time.Now().UTC()
	switch {
	case ex.cancelled:
		ex.record.State = RecordCancelled
	case err != nil:
		ex.record.State = RecordFailed
		ex.record.Error = err.Error()
	default:
		ex.record.State = RecordSucceeded
	}
}

func (b *MemoryBackend) Cancel(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.execs[id]
	if !ok || ex.record.State != RecordPending {
		return nil
	}
	ex.cancelled = true
	if ex.cancel != nil {
		ex.cancel()
		return nil
	}
	ex.record.State = RecordCancelled
	ex.record.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *MemoryBackend) List(_ context.Context, prefix string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for id, ex := range b.execs {
		if strings.HasPrefix(id, prefix) {
			out = append(out, ex.record)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.stopRun()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for workflows to stop: %w", ctx.Err())
	}
}

func (b *MemoryBackend) recorded(ex *memoryExecution, idx int) (memoryStep, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < len(ex.steps) {
		return ex.steps[idx], true
	}
	return memoryStep{}, false
}

func (b *MemoryBackend) record(ex *memoryExecution, step memoryStep) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex.steps = append(ex.steps, step)
}

type memoryJournal struct {
	ctx     context.Context
	backend *MemoryBackend
	exec    *memoryExecution
	next    int
}

func (j *memoryJournal) Context() context.Context { return j.ctx }

func (j *memoryJournal) Step(name string, retry RetryPolicy, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	idx := j.next
	j.next++
	if rec, ok := j.backend.recorded(j.exec, idx); ok {
		if rec.name != name {
			return nil, NonRetryable(fmt.Errorf("step %d recorded as %q, replay reached %q", idx, rec.name, name))
		}
		if rec.err != "" {
			return nil, errors.New(rec.err)
		}
		return rec.out, nil
	}

	for attempt := 1; ; attempt++ {
		out, err := fn(j.ctx)
		if err == nil {
			j.backend.record(j.exec, memoryStep{name: name, out: out})
			return out, nil
		}
		if errors.Is(err, ErrShutdown) || j.ctx.Err() != nil {
			return nil, err
		}
		if attempt >= retry.MaxAttempts {
			j.backend.record(j.exec, memoryStep{name: name, err: err.Error()})
			return nil, err
		}
		if delay := retry.delay(attempt + 1); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-j.ctx.Done():
				timer.Stop()
				return nil, err
			}
		}
	}
}
