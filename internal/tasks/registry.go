// Package tasks tracks background jobs started over the API, keyed by a
// generated id, with explicit cancellation.
package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

var (
	ErrBusy     = errors.New("a task of this kind is already running")
	ErrNotFound = errors.New("task not found")
	ErrRunning  = errors.New("task is still running")
	ErrClosed   = errors.New("registry is shut down")
)

// Func is the body of a task. progress may be called any number of times
// with a JSON-serializable snapshot.
type Func func(ctx context.Context, progress func(any)) (any, error)

// Snapshot is a point-in-time copy of a task.
type Snapshot struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Progress   any        `json:"progress,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type entry struct {
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultKeepFinished is how many finished tasks a registry remembers.
const DefaultKeepFinished = 50

// Registry owns the tasks and their goroutines. At most one task per kind
// runs at a time. Finished tasks beyond the retention limit are forgotten
// oldest first.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	keep   int
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	logr   *zap.Logger
}

func NewRegistry(logr *zap.Logger) *Registry {
	base, stop := context.WithCancel(context.Background())
	return &Registry{tasks: map[string]*entry{}, keep: DefaultKeepFinished, base: base, stop: stop, logr: logr}
}

// SetRetention changes how many finished tasks are kept. n < 1 keeps one.
func (r *Registry) SetRetention(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keep = max(n, 1)
	r.pruneLocked()
}

// Start launches fn in its own goroutine. The task context is detached from
// any request and ends on Cancel or Shutdown.
func (r *Registry) Start(kind string, fn Func) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Snapshot{}, ErrClosed
	}
	for _, e := range r.tasks {
		if e.snap.Kind == kind && e.snap.State == StateRunning {
			return Snapshot{}, ErrBusy
		}
	}

	ctx, cancel := context.WithCancel(r.base)
	e := &entry{
		snap: Snapshot{
			ID:        uuid.NewString(),
			Kind:      kind,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.tasks[e.snap.ID] = e
	r.wg.Add(1)

	go r.run(ctx, e, fn)

	r.logr.Info("task started", zap.String("task_id", e.snap.ID), zap.String("kind", kind))
	return e.snap, nil
}

func (r *Registry) run(ctx context.Context, e *entry, fn Func) {
	defer r.wg.Done()
	defer close(e.done)
	defer e.cancel()

	progress := func(p any) {
		r.mu.Lock()
		e.snap.Progress = p
		r.mu.Unlock()
	}

	result, err := r.safeCall(ctx, fn, progress)

	r.mu.Lock()
	now := time.Now().UTC()
	e.snap.FinishedAt = &now
	e.snap.Result = result
	switch {
	case err == nil:
		e.snap.State = StateSucceeded
	case errors.Is(err, context.Canceled):
		e.snap.State = StateCanceled
		e.snap.Error = err.Error()
	default:
		e.snap.State = StateFailed
		e.snap.Error = err.Error()
	}
	snap := e.snap
	r.pruneLocked()
	r.mu.Unlock()

	r.logr.Info("task finished",
		zap.String("task_id", snap.ID),
		zap.String("kind", snap.Kind),
		zap.String("state", string(snap.State)),
		zap.Duration("duration", now.Sub(snap.StartedAt)),
	)
}

func (r *Registry) safeCall(ctx context.Context, fn Func, progress func(any)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logr.Error("task panicked", zap.Any("panic", p))
			err = errors.New("task panicked")
		}
	}()
	return fn(ctx, progress)
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return e.snap, nil
}

// List returns all tasks, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.snap)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel requests cancellation. It does not wait for the task to stop.
func (r *Registry) Cancel(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	e.cancel()
	return e.snap, nil
}

// Wait blocks until the task finishes or ctx ends. It returns the final
// snapshot even if retention has already dropped the task.
func (r *Registry) Wait(ctx context.Context, id string) (Snapshot, error) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	select {
	case <-e.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return e.snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Remove forgets a finished task.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if e.snap.State == StateRunning {
		return ErrRunning
	}
	delete(r.tasks, id)
	return nil
}

// pruneLocked drops the oldest finished tasks beyond the retention limit.
func (r *Registry) pruneLocked() {
	finished := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		if e.snap.State != StateRunning {
			finished = append(finished, e)
		}
	}
	if len(finished) <= r.keep {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].snap.FinishedAt.After(*finished[j].snap.FinishedAt) })
	for _, e := range finished[r.keep:] {
		delete(r.tasks, e.snap.ID)
	}
}

// Shutdown cancels every running task and waits for them to return.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
