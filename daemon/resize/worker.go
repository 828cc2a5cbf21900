package resize

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/moby/locker"
	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/api/types"
	"github.com/saa-hil/image-resizer/daemon/objectstore"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/errdefs"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
)

// Per-step wall clock budgets. A step that overruns its budget fails the
// attempt with a deadline error and the job goes back through the queue's
// retry schedule.
const (
	connectTimeout  = 10 * time.Second
	loadTimeout     = 15 * time.Second
	markTimeout     = 15 * time.Second
	downloadTimeout = 120 * time.Second
	renderTimeout   = 60 * time.Second
	uploadTimeout   = 120 * time.Second

	// annotationTimeout bounds the best-effort failure write that runs
	// after an attempt has already failed.
	annotationTimeout = 10 * time.Second

	// requeueTimeout bounds the whole terminal-failure policy, which runs
	// outside any job context.
	requeueTimeout = 30 * time.Second
)

// DefaultMaxRequeues is the number of full retry cycles a failed record may
// be granted on top of the in-cycle attempts.
const DefaultMaxRequeues = 2

// Config tunes the worker pool.
type Config struct {
	Concurrency     int
	LockDuration    time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	DrainInterval   time.Duration
	MaxRequeues     int

	// RequeueBackoff is the base retry delay for jobs re-admitted by the
	// requeue policy. Defaults to RequeueBackoff.
	RequeueBackoff time.Duration
}

// Worker consumes render jobs and drives variant records to ready. One
// Worker runs Config.Concurrency renders in parallel; records are never
// touched concurrently thanks to a per-record lock.
type Worker struct {
	store          variant.Store
	objects        objectstore.Store
	queue          *jobqueue.Queue
	renderer       Renderer
	locker         *locker.Locker
	maxRequeues    int
	requeueBackoff time.Duration

	pool *jobqueue.Worker
}

// NewWorker wires a render worker onto the queue. Start must be called
// before any jobs are picked up.
func NewWorker(store variant.Store, objects objectstore.Store, queue *jobqueue.Queue, renderer Renderer, cfg Config) *Worker {
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = DefaultMaxRequeues
	}
	if cfg.RequeueBackoff <= 0 {
		cfg.RequeueBackoff = RequeueBackoff
	}
	w := &Worker{
		store:          store,
		objects:        objects,
		queue:          queue,
		renderer:       renderer,
		locker:         locker.New(),
		maxRequeues:    cfg.MaxRequeues,
		requeueBackoff: cfg.RequeueBackoff,
	}
	w.pool = jobqueue.NewWorker(queue, w.process, jobqueue.WorkerConfig{
		Concurrency:     cfg.Concurrency,
		LockDuration:    cfg.LockDuration,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
		DrainInterval:   cfg.DrainInterval,
		Hooks: jobqueue.Hooks{
			OnFailed:  w.onTerminalFailure,
			OnStalled: w.onStalled,
			OnError:   w.onQueueError,
		},
	})
	return w
}

// Start launches the claim loops and queue housekeeping.
func (w *Worker) Start(ctx context.Context) {
	w.pool.Start(ctx)
}

// Shutdown stops claiming and waits for in-flight renders to finish, or for
// ctx to expire.
func (w *Worker) Shutdown(ctx context.Context) error {
	return w.pool.Shutdown(ctx)
}

func (w *Worker) process(ctx context.Context, job *jobqueue.Job) error {
	payload, err := ParseJobPayload(job.Payload)
	if err != nil {
		// A payload we cannot decode will not decode next attempt either.
		return jobqueue.Unrecoverable(err)
	}

	w.locker.Lock(payload.RecordID)
	defer w.locker.Unlock(payload.RecordID)

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"job":     job.ID,
		"record":  payload.RecordID,
		"variant": payload.VariantKey,
		"attempt": job.AttemptsMade + 1,
	}))
	log.G(ctx).Info("rendering variant")

	rendersInFlight.Inc()
	defer rendersInFlight.Dec()

	stats, err := w.run(ctx, job, payload)
	if err != nil {
		w.annotateFailure(ctx, payload.RecordID, err)
		log.G(ctx).WithError(err).Warn("render attempt failed")
		return err
	}

	jobsCompleted.Inc()
	log.G(ctx).WithFields(log.Fields{
		"size":        units.HumanSize(float64(stats.size)),
		"total":       stats.total.Round(time.Millisecond).String(),
		"store":       stats.share(stats.store),
		"objectstore": stats.share(stats.objects),
		"render":      stats.share(stats.render),
	}).Info("variant ready")
	return nil
}

// runStats aggregates where an attempt spent its time.
type runStats struct {
	size    int64
	total   time.Duration
	store   time.Duration
	objects time.Duration
	render  time.Duration
}

func (s *runStats) share(d time.Duration) string {
	if s.total <= 0 {
		return "0%"
	}
	pct := int(float64(d) / float64(s.total) * 100)
	if pct > 100 {
		pct = 100
	}
	return strconv.Itoa(pct) + "%"
}

func (w *Worker) run(ctx context.Context, job *jobqueue.Job, p JobPayload) (*runStats, error) {
	stats := &runStats{}
	start := time.Now()

	job.Progress(ctx, 5)
	if err := w.step(ctx, "connect", connectTimeout, &stats.store, w.store.Ping); err != nil {
		return nil, classify(err, errdefs.Unavailable)
	}

	job.Progress(ctx, 10)
	if err := w.step(ctx, "load", loadTimeout, &stats.store, func(ctx context.Context) error {
		_, err := w.store.Get(ctx, p.RecordID)
		return err
	}); err != nil {
		if errdefs.IsNotFound(err) {
			// The record was deleted out from under the job; another
			// attempt cannot bring it back.
			return nil, jobqueue.Unrecoverable(err)
		}
		return nil, classify(err, errdefs.Unavailable)
	}

	job.Progress(ctx, 20)
	if err := w.step(ctx, "mark-processing", markTimeout, &stats.store, func(ctx context.Context) error {
		_, err := w.store.MarkProcessing(ctx, p.RecordID)
		return err
	}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, jobqueue.Unrecoverable(err)
		}
		return nil, classify(err, errdefs.Unavailable)
	}

	var src []byte
	if err := w.step(ctx, "download", downloadTimeout, &stats.objects, func(ctx context.Context) error {
		body, _, err := w.objects.Get(ctx, p.OriginalKey)
		if err != nil {
			return err
		}
		defer body.Close()
		src, err = io.ReadAll(body)
		return err
	}); err != nil {
		return nil, classify(err, errdefs.Unavailable)
	}
	if len(src) == 0 {
		return nil, errdefs.Unavailable(errors.Errorf("original %s is empty", p.OriginalKey))
	}
	job.Progress(ctx, 50)

	var rendered []byte
	if err := w.step(ctx, "render", renderTimeout, &stats.render, func(ctx context.Context) error {
		var err error
		rendered, err = w.renderRaced(ctx, src, p)
		return err
	}); err != nil {
		return nil, classify(err, errdefs.System)
	}
	job.Progress(ctx, 75)

	if err := w.step(ctx, "upload", uploadTimeout, &stats.objects, func(ctx context.Context) error {
		return w.objects.Put(ctx, p.VariantKey, bytes.NewReader(rendered), int64(len(rendered)), objectstore.PutOptions{
			ContentType:  http.DetectContentType(rendered),
			CacheControl: types.CacheControlImmutable,
		})
	}); err != nil {
		return nil, classify(err, errdefs.Unavailable)
	}
	job.Progress(ctx, 90)

	if err := w.step(ctx, "mark-ready", markTimeout, &stats.store, func(ctx context.Context) error {
		_, err := w.store.MarkReady(ctx, p.RecordID, int64(len(rendered)))
		return err
	}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, jobqueue.Unrecoverable(err)
		}
		return nil, classify(err, errdefs.Unavailable)
	}
	job.Progress(ctx, 100)

	stats.size = int64(len(rendered))
	stats.total = time.Since(start)
	return stats, nil
}

// step runs fn under the step budget and records its duration into the
// given bucket and the step timer metric.
func (w *Worker) step(ctx context.Context, name string, budget time.Duration, bucket *time.Duration, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	start := time.Now()
	err := fn(sctx)
	d := time.Since(start)
	*bucket += d
	stepDuration.WithValues(name).Update(d)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && sctx.Err() == context.DeadlineExceeded {
			return errdefs.Deadline(errors.Errorf("%s step exceeded its %v budget", name, budget))
		}
		return errors.Wrapf(err, "%s step failed", name)
	}
	return nil
}

// classify wraps err with as unless it already carries a deadline or
// not-found class from the step runner.
func classify(err error, as func(error) error) error {
	if err == nil || errdefs.IsDeadline(err) {
		return err
	}
	return as(err)
}

// renderRaced runs the CPU-bound render off the pipeline goroutine so the
// step budget still applies. The render itself cannot be interrupted; an
// abandoned result is dropped.
func (w *Worker) renderRaced(ctx context.Context, src []byte, p JobPayload) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := w.renderer.Render(src, p.Width, p.Height, variant.Format(p.Format))
		ch <- result{data: data, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.data, res.err
	}
}

// annotateFailure records the failure reason on the record. Best effort:
// the retry decision belongs to the queue, not the store.
func (w *Worker) annotateFailure(ctx context.Context, recordID string, cause error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), annotationTimeout)
	defer cancel()
	if err := w.store.MarkFailed(actx, recordID, cause.Error()); err != nil {
		log.G(ctx).WithError(err).Warn("could not annotate record failure")
	}
}

func (w *Worker) onStalled(jobID string) {
	jobsStalled.Inc()
	log.G(context.Background()).WithField("job", jobID).Warn("render job stalled, re-dispatching")
}

func (w *Worker) onQueueError(err error) {
	log.G(context.Background()).WithError(err).Error("render queue error")
}
