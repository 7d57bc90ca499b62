// Package scheduler runs periodic jobs whose bodies execute in the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/workerpool"
	"github.com/rs/zerolog"
)

// Submitter is the worker pool seen from the scheduler.
type Submitter interface {
	Submit(task workerpool.Task, completion workerpool.Completion) error
}

// Job is one periodic task.
type Job struct {
	Name      string
	Interval  time.Duration
	Immediate bool // fire once at Start, before the first interval elapses
	Body      func(ctx context.Context) error
}

type jobState struct {
	Job
	running atomic.Bool // a run is queued or executing

	runs    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// JobStats is a snapshot of one job's counters.
type JobStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
	Failed   int64         `json:"failed"`
}

// Scheduler fires each job on its own ticker goroutine and submits the body
// to the worker pool, so no job body runs on the ticker itself.
//
// A job whose previous run has not finished skips the tick. A full pool also
// skips the tick. Body errors are logged and counted, never retried.
type Scheduler struct {
	pool   Submitter
	jobs   []*jobState
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New validates jobs and builds a Scheduler.
func New(pool Submitter, logger zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	if pool == nil {
		return nil, errors.New("scheduler: nil worker pool")
	}

	seen := make(map[string]bool, len(jobs))
	states := make([]*jobState, 0, len(jobs))
	for _, j := range jobs {
		switch {
		case j.Name == "":
			return nil, errors.New("scheduler: job without a name")
		case seen[j.Name]:
			return nil, fmt.Errorf("scheduler: duplicate job %q", j.Name)
		case j.Interval <= 0:
			return nil, fmt.Errorf("scheduler: job %q has non-positive interval %s", j.Name, j.Interval)
		case j.Body == nil:
			return nil, fmt.Errorf("scheduler: job %q has no body", j.Name)
		}
		seen[j.Name] = true
		states = append(states, &jobState{Job: j})
	}

	return &Scheduler{
		pool:   pool,
		jobs:   states,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start launches one goroutine per job. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, js := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, js)

		s.logger.Info().
			Str("job", js.Name).
			Dur("interval", js.Interval).
			Bool("immediate", js.Immediate).
			Msg("Scheduled job started")
	}
}

// Stop cancels the tickers and the context handed to running bodies, then
// waits for the ticker goroutines. Bodies already in the pool finish there.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Stats returns per-job counters in registration order.
func (s *Scheduler) Stats() []JobStats {
	out := make([]JobStats, 0, len(s.jobs))
	for _, js := range s.jobs {
		out = append(out, JobStats{
			Name:     js.Name,
			Interval: js.Interval,
			Runs:     js.runs.Load(),
			Skipped:  js.skipped.Load(),
			Failed:   js.failed.Load(),
		})
	}
	return out
}

func (s *Scheduler) runJob(ctx context.Context, js *jobState) {
	defer monitoring.RecoverPanic(s.logger, "scheduler", map[string]any{"job": js.Name})
	defer s.wg.Done()

	if js.Immediate {
		s.fire(ctx, js)
	}

	ticker := time.NewTicker(js.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, js)
		}
	}
}

// fire submits one run of js unless the previous one is still in flight.
func (s *Scheduler) fire(ctx context.Context, js *jobState) {
	if ctx.Err() != nil {
		return
	}
	if !js.running.CompareAndSwap(false, true) {
		js.skipped.Add(1)
		monitoring.RecordJobRun(js.Name, monitoring.JobOutcomeSkipped, 0)
		s.logger.Warn().Str("job", js.Name).Msg("Previous run still in flight, skipping tick")
		return
	}

	var elapsed time.Duration
	err := s.pool.Submit(
		func(context.Context) error {
			start := time.Now()
			defer func() { elapsed = time.Since(start) }()
			return js.Body(ctx)
		},
		func(err error) {
			defer js.running.Store(false)
			js.runs.Add(1)

			if err != nil {
				js.failed.Add(1)
				monitoring.RecordJobRun(js.Name, monitoring.JobOutcomeError, elapsed)
				monitoring.LogError(s.logger, err, "Scheduled job failed", map[string]any{
					"job":         js.Name,
					"duration_ms": elapsed.Milliseconds(),
				})
				return
			}
			monitoring.RecordJobRun(js.Name, monitoring.JobOutcomeOK, elapsed)
			s.logger.Debug().Str("job", js.Name).Dur("duration", elapsed).Msg("Scheduled job completed")
		},
	)
	if err != nil {
		js.running.Store(false)
		js.skipped.Add(1)
		monitoring.RecordJobRun(js.Name, monitoring.JobOutcomeRejected, 0)
		s.logger.Warn().Err(err).Str("job", js.Name).Msg("Worker pool refused scheduled job, skipping tick")
	}
}
