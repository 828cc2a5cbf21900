package resize

import (
	"context"

	"github.com/containerd/log"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/errdefs"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
)

// onTerminalFailure runs the requeue policy once a job has exhausted its
// in-cycle attempts or stalled out. Each failed record gets up to
// maxRequeues fresh render cycles; after that it stays failed until a
// client forces a new resolve.
func (w *Worker) onTerminalFailure(job *jobqueue.Job, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()

	jobsFailed.Inc()

	payload, err := ParseJobPayload(job.Payload)
	if err != nil {
		log.G(ctx).WithError(err).WithField("job", job.ID).Error("terminal failure with undecodable payload")
		return
	}

	w.locker.Lock(payload.RecordID)
	defer w.locker.Unlock(payload.RecordID)

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"job":    job.ID,
		"record": payload.RecordID,
		"reason": jobErr.Error(),
	}))

	// Stalled jobs die without a per-attempt failure write, leaving the
	// record in processing. Annotate first so the requeue below sees a
	// failed record either way.
	if err := w.store.MarkFailed(ctx, payload.RecordID, jobErr.Error()); err != nil {
		log.G(ctx).WithError(err).Warn("could not annotate terminal failure")
	}

	rec, err := w.store.Get(ctx, payload.RecordID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.G(ctx).Debug("record gone, nothing to requeue")
		} else {
			log.G(ctx).WithError(err).Error("could not load record for requeue decision")
		}
		return
	}
	if rec.Status != variant.StatusFailed {
		// Ready records keep their variant; a concurrent force-resolve may
		// also have replaced the record already.
		log.G(ctx).WithField("status", rec.Status).Debug("record no longer failed, skipping requeue")
		return
	}
	if rec.RequeueCount >= w.maxRequeues {
		log.G(ctx).WithField("requeues", rec.RequeueCount).Warn("render failed terminally, requeue budget exhausted")
		return
	}

	// Enqueue before flipping the record: the reverse order could strand a
	// queued record with no job behind it.
	if _, added, err := Enqueue(ctx, w.queue, rec, EnqueueOpts{Backoff: w.requeueBackoff}); err != nil {
		log.G(ctx).WithError(err).Error("could not enqueue requeue job")
		return
	} else if !added {
		log.G(ctx).Debug("requeue job already pending")
	}
	if _, err := w.store.Requeue(ctx, payload.RecordID, w.maxRequeues); err != nil {
		if errdefs.IsNotFound(err) {
			log.G(ctx).Debug("record requeued concurrently or gone")
		} else {
			log.G(ctx).WithError(err).Error("could not reset record for requeue")
		}
		return
	}
	jobsRequeued.Inc()
	log.G(ctx).WithField("requeues", rec.RequeueCount+1).Info("record requeued for another render cycle")
}
