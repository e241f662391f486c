package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arcavia/subflow/internal/queue"
	"github.com/arcavia/subflow/internal/store"
)

// QueueExecutor enqueues start/resume work onto the broker instead of
// running it locally; some worker in the fleet picks it up. The four task
// names keep SYSTEM tasks and user workflows on separately prioritised
// queues.
type QueueExecutor struct {
	Broker *queue.Broker
	Store  store.Store
	Logger *slog.Logger
}

// NewQueueExecutor wires a queue-backed Dispatcher.
func NewQueueExecutor(broker *queue.Broker, st store.Store, logger *slog.Logger) *QueueExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueExecutor{Broker: broker, Store: st, Logger: logger}
}

var _ Dispatcher = (*QueueExecutor)(nil)

// Start enqueues a CREATED process for a worker to execute.
func (e *QueueExecutor) Start(ctx context.Context, processID, user string) error {
	task, err := e.taskFor(ctx, processID, queue.TaskNewTask, queue.TaskNewWorkflow)
	if err != nil {
		return err
	}
	return e.Broker.Enqueue(ctx, queue.Envelope{Task: task, ProcessID: processID, User: user})
}

// Resume enqueues a RESUMED process for a worker to continue.
func (e *QueueExecutor) Resume(ctx context.Context, processID, user string) error {
	task, err := e.taskFor(ctx, processID, queue.TaskResumeTask, queue.TaskResumeWorkflow)
	if err != nil {
		return err
	}
	return e.Broker.Enqueue(ctx, queue.Envelope{Task: task, ProcessID: processID, User: user})
}

func (e *QueueExecutor) taskFor(ctx context.Context, processID, taskName, workflowName string) (string, error) {
	proc, err := e.Store.GetProcess(ctx, processID)
	if err != nil {
		return "", fmt.Errorf("dispatch: resolve queue for %s: %w", processID, err)
	}
	if proc.IsTask {
		return taskName, nil
	}
	return workflowName, nil
}

// Status samples the broker: queued envelopes per queue and workers with a
// fresh heartbeat.
func (e *QueueExecutor) Status(ctx context.Context) (WorkerStatus, error) {
	lengths, err := e.Broker.Lengths(ctx)
	if err != nil {
		return WorkerStatus{}, err
	}
	online, err := e.Broker.WorkersOnline(ctx)
	if err != nil {
		return WorkerStatus{}, err
	}

	queued := 0
	for _, n := range lengths {
		queued += int(n)
	}
	return WorkerStatus{
		ExecutorType:  "celery",
		WorkersOnline: online,
		QueuedJobs:    queued,
		QueueLengths:  lengths,
	}, nil
}

// WorkerStatus is the read-only snapshot of an executor's capacity,
// sampled on demand.
type WorkerStatus struct {
	ExecutorType  string           `json:"executor_type"`
	WorkersOnline int              `json:"number_of_workers_online"`
	QueuedJobs    int              `json:"number_of_queued_jobs"`
	RunningJobs   int              `json:"number_of_running_jobs"`
	QueueLengths  map[string]int64 `json:"queue_lengths,omitempty"`
}

// workerInitialised guards the one-shot worker bootstrap; initialising the
// engine's worker side twice is a programming error.
var workerInitialised atomic.Bool

// resetWorkerGuard is test plumbing.
func resetWorkerGuard() { workerInitialised.Store(false) }

// Worker consumes envelopes from the broker and executes them through the
// same thread-pool code path the local executor uses. Exactly one Worker
// may be initialised per OS process.
type Worker struct {
	ID     string
	Broker *queue.Broker
	Engine Engine
	Pool   *ThreadPool
	Logger *slog.Logger
}

// InitialiseWorker builds the process-wide Worker. A second call fails
// loudly rather than silently spawning a competing consumer.
func InitialiseWorker(id string, broker *queue.Broker, eng Engine, pool *ThreadPool, logger *slog.Logger) (*Worker, error) {
	if !workerInitialised.CompareAndSwap(false, true) {
		return nil, errors.New("dispatch: worker already initialised, you can only initialise it once")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{ID: id, Broker: broker, Engine: eng, Pool: pool, Logger: logger}, nil
}

// Run consumes envelopes until ctx is cancelled, heartbeating between
// polls so the status snapshot counts this worker as online.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			w.Pool.Wait()
			return err
		}
		if err := w.Broker.Heartbeat(ctx, w.ID); err != nil {
			w.Logger.Error("worker heartbeat failed", "worker_id", w.ID, "error", err)
		}

		env, ok, err := w.Broker.Dequeue(ctx, queue.Queues, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				w.Pool.Wait()
				return ctx.Err()
			}
			w.Logger.Error("worker dequeue failed", "worker_id", w.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		w.handle(ctx, env)
	}
}

// handle executes one envelope on the pool. A failed execution is logged
// and recorded through the pool's failure hook; the envelope is not
// requeued (delivery is at-least-once end to end, and the durable step log
// deduplicates).
func (w *Worker) handle(ctx context.Context, env queue.Envelope) {
	w.Logger.Info("worker picked up task", "worker_id", w.ID, "task", env.Task, "process_id", env.ProcessID)

	var run func(context.Context) error
	switch env.Task {
	case queue.TaskNewTask, queue.TaskNewWorkflow:
		run = func(ctx context.Context) error {
			_, _, err := w.Engine.ExecuteStart(ctx, env.ProcessID)
			return err
		}
	case queue.TaskResumeTask, queue.TaskResumeWorkflow:
		run = func(ctx context.Context) error {
			_, _, err := w.Engine.ExecuteResume(ctx, env.ProcessID)
			return err
		}
	default:
		w.Logger.Error("worker received unknown task", "task", env.Task)
		return
	}

	if err := w.Pool.Submit(ctx, env.ProcessID, run); err != nil {
		w.Logger.Error("worker failed to execute workflow", "process_id", env.ProcessID, "error", err)
	}
}
