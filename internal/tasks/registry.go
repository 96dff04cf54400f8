// Package tasks is the async submission surface over the orchestrator:
// submit returns immediately with a task ID, the scan runs in the
// background, and status is observable until retention expires it.
package tasks

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantagesec/scand/internal/orchestrator"
	"github.com/vantagesec/scand/internal/scan"
	"github.com/vantagesec/scand/internal/store"
)

// Runner executes one scan; *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*scan.Result, error)
}

// Registry tracks running and finished tasks.
type Registry struct {
	runner Runner
	store  store.ScanStore
	logger *log.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry(runner Runner, st store.ScanStore) *Registry {
	return &Registry{
		runner:  runner,
		store:   st,
		logger:  log.New(log.Writer(), "[Tasks] ", log.LstdFlags),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit registers the task and starts the scan in the background. The
// returned task ID doubles as the scan ID on the event stream, so a
// caller can subscribe before the first event fires.
func (r *Registry) Submit(ctx context.Context, req orchestrator.Request) (string, error) {
	taskID := uuid.NewString()
	req.ScanID = taskID

	now := time.Now()
	task := &store.Task{
		ID:        taskID,
		ClientID:  req.ClientID,
		Target:    req.Target,
		PortSpec:  req.PortSpec,
		State:     store.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Save(ctx, task); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[taskID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(runCtx, task, req)
	return taskID, nil
}

// run drives the scan and records the terminal state.
func (r *Registry) run(ctx context.Context, task *store.Task, req orchestrator.Request) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[task.ID]; ok {
			cancel()
			delete(r.cancels, task.ID)
		}
		r.mu.Unlock()
	}()

	r.transition(task, store.StateProgress, func(t *store.Task) {})

	result, err := r.runner.Run(ctx, req)
	if err != nil {
		r.transition(task, store.StateFailure, func(t *store.Task) {
			t.Error = err.Error()
		})
		return
	}
	r.transition(task, store.StateSuccess, func(t *store.Task) {
		t.Progress = 100
		t.Result = result
		t.Cached = result.Cached
	})
}

// transition applies a monotonic state change and persists it. An
// out-of-order transition is dropped, not an error: a cancel racing a
// completion should not resurrect a terminal task.
func (r *Registry) transition(task *store.Task, next store.TaskState, mutate func(*store.Task)) {
	if !task.State.CanTransition(next) {
		return
	}
	task.State = next
	mutate(task)
	task.UpdatedAt = time.Now()
	if err := r.store.Save(context.Background(), task); err != nil {
		r.logger.Printf("persist task %s: %v", task.ID, err)
	}
}

// Status returns the stored task.
func (r *Registry) Status(ctx context.Context, taskID string) (*store.Task, error) {
	return r.store.Get(ctx, taskID)
}

// List returns recent tasks, optionally filtered by client.
func (r *Registry) List(ctx context.Context, clientID string, limit int) ([]*store.Task, error) {
	return r.store.List(ctx, clientID, limit)
}

// Cancel aborts a running task. Cancelling an unknown or finished task
// returns store.ErrNotFound.
func (r *Registry) Cancel(taskID string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	cancel()
	return nil
}

// PurgeExpired applies the retention policy; called once on startup.
func (r *Registry) PurgeExpired(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	n, err := r.store.PurgeOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Printf("retention purge removed %d tasks", n)
	}
	return nil
}

// Shutdown cancels every running task and waits for their goroutines,
// bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("tasks still draining at shutdown deadline")
	}
}
