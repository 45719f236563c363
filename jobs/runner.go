// Package jobs runs the background tasks of the tracker on named queues.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	QueueCVELoad   = "cve_load"
	QueueCPELoad   = "cpe_load"
	QueueMatchLoad = "match_load"
	QueueDefault   = "default"
)

// queueCapacity bounds how many runs may wait on one queue.
const queueCapacity = 64

var (
	ErrUnknownTask         = errors.New("unknown task")
	ErrPrerequisiteMissing = errors.New("prerequisite not registered")
	ErrQueueFull           = errors.New("queue is full")
	ErrRunnerClosed        = errors.New("runner is closed")
)

// Preconditions reports whether the row of a finished prerequisite exists.
type Preconditions interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Task is a unit of background work. Run returns a short status on success.
type Task struct {
	Name     string
	Queue    string
	Requires []string
	Run      func(ctx context.Context, args ...string) (string, error)
}

type request struct {
	name string
	args []string
}

// Runner executes registered tasks, either synchronously with Run or on
// one worker goroutine per queue with Enqueue.
type Runner struct {
	preconditions Preconditions

	mu     sync.Mutex
	tasks  map[string]Task
	queues map[string]chan request
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(preconditions Preconditions) *Runner {
	return &Runner{
		preconditions: preconditions,
		tasks:         map[string]Task{},
		queues:        map[string]chan request{},
	}
}

// Register adds tasks. A task without a queue runs on the default queue.
func (r *Runner) Register(tasks ...Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range tasks {
		if task.Queue == "" {
			task.Queue = QueueDefault
		}
		r.tasks[task.Name] = task
		if _, ok := r.queues[task.Queue]; !ok {
			r.queues[task.Queue] = make(chan request, queueCapacity)
		}
	}
}

func (r *Runner) task(name string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[name]
	return task, ok
}

// Start launches the queue workers. They stop when ctx is done or the
// runner is closed.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, queue := range r.queues {
		r.wg.Add(1)
		go r.work(ctx, name, queue)
	}
}

func (r *Runner) work(ctx context.Context, name string, queue <-chan request) {
	defer r.wg.Done()
	slog.Debug("queue worker started", "queue", name)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			// the status is logged by Run
			_, _ = r.Run(ctx, req.name, req.args...)
		}
	}
}

// Close stops accepting work and waits for the workers to drain their
// queues.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, queue := range r.queues {
		close(queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Enqueue schedules a run of the named task on its queue.
func (r *Runner) Enqueue(name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	task, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	select {
	case r.queues[task.Queue] <- request{name: name, args: args}:
		slog.Debug("task enqueued", "task", name, "queue", task.Queue, "args", args)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, task.Queue)
	}
}

// Run executes the named task in the calling goroutine and returns its
// status. A missing prerequisite aborts the run before the task starts.
// Failures are logged; the returned error only tells the caller the run
// did not succeed.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	task, ok := r.task(name)
	if !ok {
		return fmt.Sprintf("%s: unknown task", name), fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	for _, req := range task.Requires {
		exists, err := r.preconditions.Exists(ctx, req)
		if err != nil {
			status := fmt.Sprintf("%s: could not check prerequisite %s: %v", name, req, err)
			slog.Error("could not check prerequisite", "task", name, "prerequisite", req, "err", err)
			return status, err
		}
		if !exists {
			status := fmt.Sprintf("%s: prerequisite %s not registered - aborting", name, req)
			slog.Warn(status)
			return status, fmt.Errorf("%w: %s", ErrPrerequisiteMissing, req)
		}
	}

	started := time.Now()
	slog.Info("task started", "task", name, "args", args)
	status, err := r.call(ctx, task, args)
	if err != nil {
		status = fmt.Sprintf("%s: failed: %v", name, err)
		slog.Error("task failed", "task", name, "duration", time.Since(started), "err", err)
		return status, err
	}
	slog.Info("task finished", "task", name, "duration", time.Since(started), "status", status)
	return status, nil
}

func (r *Runner) call(ctx context.Context, task Task, args []string) (status string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return task.Run(ctx, args...)
}

// Chain runs the named tasks in order and stops at the first one that does
// not succeed.
func (r *Runner) Chain(ctx context.Context, names ...string) ([]string, error) {
	statuses := make([]string, 0, len(names))
	for _, name := range names {
		status, err := r.Run(ctx, name)
		statuses = append(statuses, status)
		if err != nil {
			return statuses, err
		}
	}
	return statuses, nil
}
