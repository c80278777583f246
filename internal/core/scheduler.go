package core

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/cmscan/pkg/api"
)

// JobRunner runs one job to completion.
type JobRunner interface {
	Run(ctx context.Context, job JobSpec) JobResult
}

// Handle is the pending result of one submitted job.
type Handle struct {
	Job  JobSpec
	done chan struct{}
	res  JobResult
}

func newHandle(job JobSpec) *Handle {
	return &Handle{Job: job, done: make(chan struct{})}
}

func (h *Handle) resolve(res JobResult) {
	h.res = res
	close(h.done)
}

// Wait blocks until the job has a result.
func (h *Handle) Wait() JobResult {
	<-h.done
	return h.res
}

// Scheduler runs jobs on a bounded worker pool. Jobs are independent: there
// is no retry and no early abort.
type Scheduler struct {
	Runner      JobRunner
	Concurrency int
	Stagger     time.Duration
	Log         zerolog.Logger
}

// Workers returns the pool size for jobCount jobs: Concurrency, or the number
// of CPUs when negative, clamped to [1, jobCount].
func (s *Scheduler) Workers(jobCount int) int {
	n := s.Concurrency
	if n < 0 {
		n = runtime.NumCPU()
	}
	n = min(n, jobCount)
	return max(n, 1)
}

// Submit dispatches every job in order, waiting Stagger between dispatches,
// and returns one handle per job. It returns once the last job is
// dispatched. If ctx is cancelled, jobs not yet started resolve as failed
// without running, including those waiting for a free worker; started jobs
// always run to completion.
func (s *Scheduler) Submit(ctx context.Context, jobs []JobSpec) ([]*Handle, func()) {
	handles := make([]*Handle, len(jobs))
	for i, job := range jobs {
		handles[i] = newHandle(job)
	}
	if len(jobs) == 0 {
		return handles, func() {}
	}

	workers := s.Workers(len(jobs))
	s.Log.Info().Msgf("Submitting %d jobs over %d workers", len(jobs), workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for i, h := range handles {
		if err := ctx.Err(); err != nil {
			for _, rest := range handles[i:] {
				rest.resolve(notDispatched(rest.Job, err))
			}
			break
		}
		s.Log.Debug().Str("input", h.Job.Input).Msg("submitting job")
		h := h
		g.Go(func() error {
			// The slot may free up only after cancellation.
			if err := ctx.Err(); err != nil {
				h.resolve(notDispatched(h.Job, err))
				return nil
			}
			h.resolve(s.Runner.Run(ctx, h.Job))
			return nil
		})
		if i < len(handles)-1 && s.Stagger > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.Stagger):
			}
		}
	}
	return handles, func() { _ = g.Wait() }
}

// Run submits all jobs and joins them, returning results in submission order.
func (s *Scheduler) Run(ctx context.Context, jobs []JobSpec) []JobResult {
	handles, wait := s.Submit(ctx, jobs)
	defer wait()
	results := make([]JobResult, len(handles))
	for i, h := range handles {
		results[i] = h.Wait()
	}
	return results
}

func notDispatched(job JobSpec, err error) JobResult {
	return JobResult{
		Seq:     job.Seq,
		Job:     job.Name,
		Input:   job.Input,
		Status:  api.RunFailed,
		Err:     fmt.Errorf("not dispatched: %w", err),
		Summary: fmt.Sprintf("---- %s failed", job.Name),
	}
}
