package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers, queue int) *WorkerPool {
	t.Helper()
	wp := NewWorkerPool(workers, queue, zerolog.Nop())
	wp.Start(context.Background())
	t.Cleanup(wp.Stop)
	return wp
}

func TestNewWorkerPool_Defaults(t *testing.T) {
	wp := NewWorkerPool(0, 0, zerolog.Nop())
	assert.Equal(t, DefaultWorkers, wp.Workers())
	assert.Equal(t, DefaultWorkers*DefaultQueuePerWorker, wp.QueueCapacity())
}

func TestSubmit_CompletionAfterTask(t *testing.T) {
	wp := newTestPool(t, 2, 10)

	var taskDone atomic.Bool
	done := make(chan error, 1)

	err := wp.Submit(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		taskDone.Store(true)
		return nil
	}, func(err error) {
		assert.True(t, taskDone.Load(), "completion ran before task finished")
		done <- err
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never invoked")
	}
}

func TestSubmit_TaskErrorReachesCompletion(t *testing.T) {
	wp := newTestPool(t, 1, 1)
	boom := errors.New("boom")
	done := make(chan error, 1)

	require.NoError(t, wp.Submit(func(context.Context) error { return boom }, func(err error) { done <- err }))

	assert.ErrorIs(t, <-done, boom)
}

func TestSubmit_PanicIsolated(t *testing.T) {
	wp := newTestPool(t, 1, 4)
	done := make(chan error, 2)

	require.NoError(t, wp.Submit(func(context.Context) error { panic("kaboom") }, func(err error) { done <- err }))
	require.NoError(t, wp.Submit(func(context.Context) error { return nil }, func(err error) { done <- err }))

	first := <-done
	var pe *PanicError
	require.ErrorAs(t, first, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// The single worker survived and ran the next task.
	assert.NoError(t, <-done)
}

func TestSubmit_QueueFull(t *testing.T) {
	wp := newTestPool(t, 1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := func(context.Context) error {
		close(started)
		<-release
		return nil
	}

	require.NoError(t, wp.Submit(blocker, nil))
	<-started
	require.NoError(t, wp.Submit(func(context.Context) error { return nil }, nil))

	completionCalled := false
	err := wp.Submit(func(context.Context) error { return nil }, func(error) { completionCalled = true })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), wp.Rejected())

	close(release)
	wp.Stop()
	assert.False(t, completionCalled)
}

func TestSubmit_AfterStop(t *testing.T) {
	wp := NewWorkerPool(1, 1, zerolog.Nop())
	wp.Start(context.Background())
	wp.Stop()
	wp.Stop()

	err := wp.Submit(func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestSubmit_BeforeStart(t *testing.T) {
	wp := NewWorkerPool(1, 1, zerolog.Nop())
	err := wp.Submit(func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestStop_DrainsBacklog(t *testing.T) {
	wp := NewWorkerPool(2, 100, zerolog.Nop())
	wp.Start(context.Background())

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, wp.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}, nil))
	}
	wp.Stop()

	assert.Equal(t, int64(50), ran.Load())
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	const workers = 4
	wp := newTestPool(t, workers, 100)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		require.NoError(t, wp.Submit(func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			return nil
		}, func(error) { wg.Done() }))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestStopNow_CancelsTaskContext(t *testing.T) {
	wp := NewWorkerPool(1, 1, zerolog.Nop())
	wp.Start(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, wp.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { done <- err }))

	<-started
	wp.StopNow()
	assert.ErrorIs(t, <-done, context.Canceled)
}
