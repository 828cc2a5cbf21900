package jobqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Processor handles one job. A nil return completes the job; an error
// consumes an attempt and reschedules under backoff unless the error is
// marked Unrecoverable. Panics are recovered and treated as errors.
type Processor func(ctx context.Context, job *Job) error

// WorkerConfig tunes a worker. Zero fields take the package defaults.
type WorkerConfig struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
	// LockDuration must exceed the wall-clock budget of one attempt; the
	// worker renews the lock at half-life while the processor runs.
	LockDuration time.Duration
	// StalledInterval is the period of the expired-lock sweep.
	StalledInterval time.Duration
	// MaxStalledCount bounds how often a job may be re-dispatched after a
	// lock expiry before it is failed terminally.
	MaxStalledCount int
	// DrainInterval is the idle poll period when no job is waiting.
	DrainInterval time.Duration
	// Hooks receive lifecycle callbacks.
	Hooks Hooks
}

func (cfg *WorkerConfig) withDefaults() {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = DefaultStalledInterval
	}
	if cfg.MaxStalledCount <= 0 {
		cfg.MaxStalledCount = DefaultMaxStalledCount
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
}

// Worker claims and processes jobs from one queue.
type Worker struct {
	q         *Queue
	cfg       WorkerConfig
	processor Processor

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64
	busy     atomic.Bool
}

// NewWorker builds a worker; call Start to begin claiming jobs.
func NewWorker(q *Queue, processor Processor, cfg WorkerConfig) *Worker {
	cfg.withDefaults()
	return &Worker{
		q:         q,
		cfg:       cfg,
		processor: processor,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the claim loops, the delayed-job promoter and the stall
// sweeper. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx)
	}
	w.wg.Add(1)
	go w.promoteLoop(ctx)
	w.wg.Add(1)
	go w.sweepLoop(ctx)
}

// Shutdown stops claiming new jobs and waits for in-flight jobs and loops to
// finish, bounded by ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "worker shutdown timed out")
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.q.claim(ctx, w.cfg.LockDuration)
		if err != nil {
			w.reportError(err)
			w.sleep(ctx, w.cfg.DrainInterval)
			continue
		}
		if job == nil {
			if w.inflight.Load() == 0 && w.busy.CompareAndSwap(true, false) {
				if w.cfg.Hooks.OnDrained != nil {
					w.cfg.Hooks.OnDrained()
				}
				w.q.publish(Event{Type: EventDrained, Queue: w.q.name})
			}
			w.sleep(ctx, w.cfg.DrainInterval)
			continue
		}
		w.busy.Store(true)
		w.process(ctx, job)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.q.promote(ctx); err != nil {
				w.reportError(err)
			}
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	redispatched, failed, err := w.q.sweepStalled(ctx, w.cfg.MaxStalledCount)
	if err != nil {
		w.reportError(err)
		return
	}
	for _, id := range redispatched {
		if w.cfg.Hooks.OnStalled != nil {
			w.cfg.Hooks.OnStalled(id)
		}
		w.q.publish(Event{Type: EventStalled, Queue: w.q.name, JobID: id})
	}
	for _, id := range failed {
		job, err := w.q.Job(ctx, id)
		if err != nil {
			w.reportError(err)
			continue
		}
		stallErr := errors.New(StalledFailureReason)
		if w.cfg.Hooks.OnFailed != nil {
			w.cfg.Hooks.OnFailed(job, stallErr)
		}
		w.q.publish(Event{Type: EventFailed, Queue: w.q.name, JobID: id, Reason: StalledFailureReason})
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.inflight.Add(1)
	defer w.inflight.Add(-1)

	job.onProgress = w.cfg.Hooks.OnProgress
	if w.cfg.Hooks.OnActive != nil {
		w.cfg.Hooks.OnActive(job)
	}
	w.q.publish(Event{Type: EventActive, Queue: w.q.name, JobID: job.ID})

	renewStop := make(chan struct{})
	renewDone := make(chan struct{})
	go w.renewLoop(ctx, job.ID, renewStop, renewDone)

	err := w.invoke(ctx, job)

	close(renewStop)
	<-renewDone

	if err == nil {
		if ferr := w.q.finish(ctx, job.ID); ferr != nil {
			w.reportError(ferr)
		}
		if w.cfg.Hooks.OnCompleted != nil {
			w.cfg.Hooks.OnCompleted(job)
		}
		w.q.publish(Event{Type: EventCompleted, Queue: w.q.name, JobID: job.ID})
		return
	}

	terminal, rerr := w.q.retry(ctx, job.ID, err.Error(), IsUnrecoverable(err))
	if rerr != nil {
		w.reportError(rerr)
		return
	}
	if terminal {
		if w.cfg.Hooks.OnFailed != nil {
			w.cfg.Hooks.OnFailed(job, err)
		}
		w.q.publish(Event{Type: EventFailed, Queue: w.q.name, JobID: job.ID, Reason: err.Error()})
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job processor panicked: %v", r)
		}
	}()
	return w.processor(ctx, job)
}

func (w *Worker) renewLoop(ctx context.Context, jobID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.q.renewLock(ctx, jobID, w.cfg.LockDuration); err != nil {
				w.reportError(err)
			}
		}
	}
}

func (w *Worker) reportError(err error) {
	if w.cfg.Hooks.OnError != nil {
		w.cfg.Hooks.OnError(err)
	}
	w.q.publish(Event{Type: EventError, Queue: w.q.name, Reason: err.Error()})
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-timer.C:
	}
}
