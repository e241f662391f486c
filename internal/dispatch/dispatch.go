// Package dispatch decides where a prepared process actually executes: on
// a bounded local thread pool, or handed to the worker fleet through the
// queue broker. Both executors implement one Dispatcher interface with
// identical external semantics — the caller observes the process solely
// through its persisted rows either way.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arcavia/subflow/internal/engine"
	"github.com/arcavia/subflow/internal/outcome"
)

// Engine is the slice of the Process API an executor drives: the
// execute-side halves of start and resume. Preparation (validation, row
// creation, input persistence) already happened on the caller's side
// before Dispatch is invoked.
type Engine interface {
	ExecuteStart(ctx context.Context, processID string) (engine.ProcessStat, outcome.Outcome, error)
	ExecuteResume(ctx context.Context, processID string) (engine.ProcessStat, outcome.Outcome, error)
}

// Dispatcher hands a prepared process to an execution slot. Start and
// Resume return as soon as the work is accepted; completion is observed
// through the store.
type Dispatcher interface {
	Start(ctx context.Context, processID, user string) error
	Resume(ctx context.Context, processID, user string) error
	Status(ctx context.Context) (WorkerStatus, error)
}

// FailureHook receives errors that escaped the durability layer entirely
// (see engine.Durability.LogProcessException, the usual hook body).
type FailureHook func(ctx context.Context, processID string, err error)

// ThreadPool caps how many processes execute concurrently in this OS
// process and exposes the running-processes gauge. It is an explicit
// injected object, not a package singleton, so tests and multi-engine
// setups each own their own gauge.
type ThreadPool struct {
	slots   chan struct{}
	running atomic.Int64
	wg      sync.WaitGroup

	// Testing mode executes submissions synchronously on the caller's
	// goroutine and propagates their error, so tests observe completed
	// rows the moment Submit returns.
	Testing bool

	OnFailure FailureHook
	Logger    *slog.Logger
}

// NewThreadPool builds a pool of maxWorkers slots.
func NewThreadPool(maxWorkers int, logger *slog.Logger) *ThreadPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadPool{
		slots:  make(chan struct{}, maxWorkers),
		Logger: logger,
	}
}

// Submit schedules fn for execution under the pool's concurrency cap. In
// normal mode it blocks only until a slot is free (or ctx is cancelled)
// and runs fn on its own goroutine; in Testing mode it runs fn inline and
// returns its error.
func (p *ThreadPool) Submit(ctx context.Context, processID string, fn func(context.Context) error) error {
	if p.Testing {
		return fn(ctx)
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	p.running.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.fail(processID, fmt.Errorf("process execution panicked: %v", r))
			}
			p.running.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		// The submission outlives the caller's request context; execution
		// is bounded by the process's own lifecycle, not the HTTP request
		// that triggered it.
		if err := fn(context.WithoutCancel(ctx)); err != nil {
			p.fail(processID, err)
		}
	}()
	return nil
}

func (p *ThreadPool) fail(processID string, err error) {
	p.Logger.Error("process execution failed", "process_id", processID, "error", err)
	if p.OnFailure != nil {
		p.OnFailure(context.Background(), processID, err)
	}
}

// Running returns the number of processes currently executing.
func (p *ThreadPool) Running() int64 { return p.running.Load() }

// Capacity returns the pool's concurrency cap.
func (p *ThreadPool) Capacity() int { return cap(p.slots) }

// Wait blocks until every submitted execution has finished.
func (p *ThreadPool) Wait() { p.wg.Wait() }

// ThreadPoolExecutor runs processes on a local ThreadPool, the default
// executor.
type ThreadPoolExecutor struct {
	Pool   *ThreadPool
	Engine Engine
}

// NewThreadPoolExecutor wires an Engine onto a pool.
func NewThreadPoolExecutor(pool *ThreadPool, eng Engine) *ThreadPoolExecutor {
	return &ThreadPoolExecutor{Pool: pool, Engine: eng}
}

var _ Dispatcher = (*ThreadPoolExecutor)(nil)

// Start executes a CREATED process asynchronously on the pool.
func (e *ThreadPoolExecutor) Start(ctx context.Context, processID, _ string) error {
	return e.Pool.Submit(ctx, processID, func(ctx context.Context) error {
		_, _, err := e.Engine.ExecuteStart(ctx, processID)
		return err
	})
}

// Resume executes a RESUMED process asynchronously on the pool.
func (e *ThreadPoolExecutor) Resume(ctx context.Context, processID, _ string) error {
	return e.Pool.Submit(ctx, processID, func(ctx context.Context) error {
		_, _, err := e.Engine.ExecuteResume(ctx, processID)
		return err
	})
}

// Status reports the local pool's gauge; a thread-pool deployment has
// exactly one "worker" (this OS process).
func (e *ThreadPoolExecutor) Status(_ context.Context) (WorkerStatus, error) {
	return WorkerStatus{
		ExecutorType:  "threadpool",
		WorkersOnline: 1,
		RunningJobs:   int(e.Pool.Running()),
	}, nil
}
