package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
)

// Config controls worker behavior. The zero value gets usable defaults.
type Config struct {
	// Concurrency is the number of goroutines draining the queue in Run.
	Concurrency int

	// MaxAttempts is how many deliveries a task gets before it is
	// dropped. Dropping a task never loses state: Recover rebuilds
	// triggers from history.
	MaxAttempts int

	// RetryBackoff is the base delay before a failed task is
	// re-delivered. The delay grows linearly with the attempt count.
	RetryBackoff time.Duration

	// Logger receives task-level failures. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg.withDefaults(),
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (context cancelled).
//   - processed == true: a task was dispatched; err reports whether the
//     handler succeeded. Failed tasks are re-enqueued with backoff until
//     the attempt limit.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	if err := w.dispatch(ctx, task); err != nil {
		w.retry(ctx, task, err)
		return true, err
	}
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeAdvance:
		_, err := w.engine.Advance(ctx, task.InstanceID)
		return err
	case taskqueue.TaskTypeActivity:
		return w.engine.ExecuteActivity(ctx, task.InstanceID, task.ScheduleID)
	case taskqueue.TaskTypeTimer:
		return w.engine.FireTimer(ctx, task.InstanceID, task.ScheduleID)
	default:
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
}

func (w *Worker) retry(ctx context.Context, task *taskqueue.Task, cause error) {
	attempts := task.Attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		w.cfg.Logger.Error("dropping task after repeated failures",
			"task", task.ID,
			"type", task.Type,
			"instance", task.InstanceID,
			"attempts", attempts,
			"error", cause)
		return
	}

	next := *task
	next.Attempts = attempts
	next.NotBefore = time.Now().Add(time.Duration(attempts) * w.cfg.RetryBackoff)
	if err := w.queue.Enqueue(ctx, next); err != nil {
		w.cfg.Logger.Error("re-enqueueing failed task",
			"task", task.ID,
			"type", task.Type,
			"error", err)
	}
}

// Run drains the queue with cfg.Concurrency goroutines until the context
// is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := w.ProcessOne(ctx); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}
