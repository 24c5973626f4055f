package closure

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 5 * time.Second
	defaultFireTimeout  = 30 * time.Second
	dueBatch            = 200
)

// Runner is the durable timer: persisted fire_at values are the only
// schedule, so a restarted runner picks up every job on its first pass.
// Due jobs fan out to independent workers so one slow fire does not hold
// back other tasks.
type Runner struct {
	Scheduler    *Scheduler
	Workers      int
	PollInterval time.Duration
	FireTimeout  time.Duration
	Logger       *log.Logger

	wake   chan struct{}
	flight singleflight.Group
}

func NewRunner(s *Scheduler) *Runner {
	return &Runner{
		Scheduler:    s,
		Workers:      defaultWorkers,
		PollInterval: defaultPollInterval,
		FireTimeout:  defaultFireTimeout,
		wake:         make(chan struct{}, 1),
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Wake makes a running loop re-read the queue, e.g. after a short delay was
// scheduled.
func (r *Runner) Wake() {
	if r.wake == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run fires due jobs until ctx is cancelled. It sleeps until the next
// persisted fire_at or the poll interval, whichever comes first.
func (r *Runner) Run(ctx context.Context) error {
	if r.wake == nil {
		r.wake = make(chan struct{}, 1)
	}
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logf("closure: run failed: %v", err)
		}
		timer := time.NewTimer(r.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Runner) nextWait(ctx context.Context) time.Duration {
	wait := r.PollInterval
	if wait <= 0 {
		wait = defaultPollInterval
	}
	next, ok, err := r.Scheduler.Repo.NextFireAt(ctx)
	if err != nil || !ok {
		return wait
	}
	until := next.Sub(r.Scheduler.now())
	if until < 0 {
		return 0
	}
	if until < wait {
		return until
	}
	return wait
}

// RunOnce fires every job due now and returns how many it attempted.
// Failures are logged per job; they do not stop the batch.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	due, err := r.Scheduler.Repo.ListDueJobs(ctx, r.Scheduler.now(), dueBatch)
	if err != nil {
		return 0, err
	}
	workers := r.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, job := range due {
		jobID := job.ID
		g.Go(func() error {
			_, err, _ := r.flight.Do(jobID, func() (any, error) {
				return r.fire(ctx, jobID)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logf("closure: fire job %s failed: %v", jobID, err)
			}
			return nil
		})
	}
	return len(due), g.Wait()
}

func (r *Runner) fire(ctx context.Context, jobID string) (FireResult, error) {
	timeout := r.FireTimeout
	if timeout <= 0 {
		timeout = defaultFireTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := r.Scheduler.Fire(fctx, jobID)
	if err != nil {
		return res, err
	}
	switch res.Outcome {
	case OutcomeFired:
		r.logf("closure: job %s fired for task %s", jobID, res.Job.TaskID)
	case OutcomeCancelled:
		r.logf("closure: job %s auto-cancelled for task %s: %s", jobID, res.Job.TaskID, res.Verdict.Reason)
	}
	return res, nil
}
