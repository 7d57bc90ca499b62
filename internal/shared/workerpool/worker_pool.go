package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// Defaults used when the configuration leaves sizes at zero.
const (
	DefaultWorkers        = 50
	DefaultQueuePerWorker = 100
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("workerpool: task queue is full")

	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("workerpool: pool is stopped")
)

// Task is a unit of blocking or CPU-bound work.
// The context is cancelled when the pool is stopped with StopNow.
type Task func(ctx context.Context) error

// Completion is invoked exactly once after its Task returns.
// err is the Task's error, or a *PanicError when the Task panicked.
// Completions run on the worker goroutine; callers that own state elsewhere
// (the reactor) must hand the result back through their own channel.
type Completion func(err error)

// PanicError carries a panic recovered from a Task.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type job struct {
	task       Task
	completion Completion
}

// WorkerPool manages a fixed pool of worker goroutines for concurrent task execution.
//
// Purpose:
//   - Keep parsing, controller logic and scheduled bodies off the reactor loop
//   - Bound concurrency (request dispatch and scheduled jobs share one budget)
//   - Provide backpressure when the collector is overloaded
//
// Design:
//   - Fixed number of workers (default 50)
//   - Buffered task queue (default workers × 100)
//   - If the queue is full, Submit fails fast with ErrQueueFull
//
// Thread safety:
//
//	All methods are safe for concurrent use by multiple goroutines.
type WorkerPool struct {
	workerCount int
	taskQueue   chan job
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex // Guards stopped against send-on-closed-channel
	stopped bool
	started bool

	busy     int64 // Workers currently executing a task
	rejected int64 // Tasks refused by Submit
	panics   int64 // Tasks that panicked
}

// NewWorkerPool creates a worker pool with the specified number of workers.
// Zero values select DefaultWorkers and workers × DefaultQueuePerWorker.
func NewWorkerPool(workerCount int, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = workerCount * DefaultQueuePerWorker
	}

	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan job, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the worker goroutines. Must be called before Submit.
// Subsequent calls are no-ops.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}

	monitoring.UpdateWorkerPoolMetrics(0, cap(wp.taskQueue), 0)

	wp.logger.Info().
		Int("workers", wp.workerCount).
		Int("queue_capacity", cap(wp.taskQueue)).
		Msg("Worker pool started")
}

// worker pulls jobs until the queue is closed and drained.
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for j := range wp.taskQueue {
		wp.run(j)
	}
}

// run executes one job with panic isolation and always calls its completion.
func (wp *WorkerPool) run(j job) {
	busy := atomic.AddInt64(&wp.busy, 1)
	monitoring.UpdateWorkerPoolMetrics(len(wp.taskQueue), cap(wp.taskQueue), int(busy))

	err := wp.execute(j.task)

	busy = atomic.AddInt64(&wp.busy, -1)
	monitoring.UpdateWorkerPoolMetrics(len(wp.taskQueue), cap(wp.taskQueue), int(busy))

	if j.completion != nil {
		wp.complete(j.completion, err)
	}
}

func (wp *WorkerPool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			atomic.AddInt64(&wp.panics, 1)
			monitoring.RecordPanic("worker")
			wp.logger.Error().
				Interface("panic", r).
				Str("stack", stack).
				Msg("Worker panic recovered - task failed but worker continues")
			err = &PanicError{Value: r, Stack: stack}
		}
	}()

	return task(wp.ctx)
}

// complete runs a completion; a panicking completion must not kill the worker either.
func (wp *WorkerPool) complete(completion Completion, err error) {
	defer monitoring.RecoverPanic(wp.logger, "worker_completion", nil)
	completion(err)
}

// Submit enqueues a task for asynchronous execution by a worker.
//
// Behavior:
//   - Queue has space: the task is queued and Submit returns nil immediately
//   - Queue is full: ErrQueueFull, the completion is NOT invoked
//   - Pool stopped: ErrPoolStopped, the completion is NOT invoked
//
// Submit never blocks, so it is safe to call from the reactor loop.
func (wp *WorkerPool) Submit(task Task, completion Completion) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped || !wp.started {
		atomic.AddInt64(&wp.rejected, 1)
		monitoring.IncrementWorkerRejected()
		return ErrPoolStopped
	}

	select {
	case wp.taskQueue <- job{task: task, completion: completion}:
		return nil
	default:
		atomic.AddInt64(&wp.rejected, 1)
		monitoring.IncrementWorkerRejected()
		return ErrQueueFull
	}
}

// Stop closes the queue, lets workers drain the backlog and waits for them.
// Safe to call multiple times.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped || !wp.started {
		wp.stopped = true
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.taskQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()

	wp.logger.Info().
		Int64("rejected_total", wp.Rejected()).
		Int64("panics_total", atomic.LoadInt64(&wp.panics)).
		Msg("Worker pool stopped")
}

// StopNow cancels the task context before draining, so context-aware tasks return early.
func (wp *WorkerPool) StopNow() {
	wp.mu.RLock()
	cancel := wp.cancel
	wp.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	wp.Stop()
}

// Rejected returns the total number of tasks refused by Submit.
func (wp *WorkerPool) Rejected() int64 {
	return atomic.LoadInt64(&wp.rejected)
}

// Busy returns the number of workers currently executing a task.
func (wp *WorkerPool) Busy() int {
	return int(atomic.LoadInt64(&wp.busy))
}

// QueueDepth returns the current number of tasks waiting in the queue
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}

// QueueCapacity returns the maximum capacity of the task queue
func (wp *WorkerPool) QueueCapacity() int {
	return cap(wp.taskQueue)
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.workerCount
}
