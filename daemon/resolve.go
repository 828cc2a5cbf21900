package daemon

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/resize"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/errdefs"
	"github.com/saa-hil/image-resizer/pkg/stringid"
)

// Resolve outcome labels used in logs and metrics.
const (
	outcomeReady      = "ready"
	outcomeProcessing = "processing"
	outcomeAdmitted   = "admitted"
	outcomeOriginal   = "original"
)

// admitRetries bounds how often a resolve re-reads after losing an
// admission race before giving up.
const admitRetries = 3

// ResolveRequest is a validated variant request.
type ResolveRequest struct {
	ImageID string
	Width   int
	Height  int
	Format  variant.Format
	// Force displaces any existing record and rendition for the key so a
	// fresh render is admitted.
	Force bool
}

// Resolution is the outcome of a resolve: the object-store key the client
// should be redirected to and how to label the response.
type Resolution struct {
	// Key is the object-store key to redirect to.
	Key string
	// ServingOriginal reports that Key names the original asset standing in
	// for a variant that is not ready.
	ServingOriginal bool
	// Admitted reports that this resolve created a record and enqueued a
	// render job.
	Admitted bool
}

// ResolveVariant maps a variant request to an object-store key. A finished
// variant resolves to its rendition; anything else resolves to the original
// while a render job is pending, admitting one if needed. Requests without
// dimensions resolve straight to the original.
func (daemon *Daemon) ResolveVariant(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if err := variant.ValidateImageID(req.ImageID); err != nil {
		return nil, err
	}
	if err := variant.ValidateDimensions(req.Width, req.Height); err != nil {
		return nil, err
	}

	if req.Width == 0 {
		start := time.Now()
		if err := daemon.headOriginal(ctx, req.ImageID); err != nil {
			return nil, err
		}
		resolveActions.WithValues(outcomeOriginal).UpdateSince(start)
		resolveOutcomes.WithValues(outcomeOriginal).Inc()
		return &Resolution{Key: req.ImageID, ServingOriginal: true}, nil
	}

	format, err := variant.ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	key := variant.Key{ImageID: req.ImageID, Width: req.Width, Height: req.Height, Format: format}

	// Identical in-flight resolves share one lookup and at most one
	// admission. Forced resolves have displacement side effects and only
	// collapse with each other.
	flightKey := key.String()
	if req.Force {
		flightKey += "!force"
	}
	res, _, err := daemon.flights.Do(ctx, flightKey, func(ctx context.Context) (*Resolution, error) {
		return daemon.resolveKey(ctx, key, req.Force)
	})
	return res, err
}

func (daemon *Daemon) resolveKey(ctx context.Context, key variant.Key, force bool) (*Resolution, error) {
	start := time.Now()
	if force {
		daemon.displace(ctx, key)
	}

	for attempt := 0; ; attempt++ {
		rec, err := daemon.store.GetByKey(ctx, key)
		if err != nil && !variant.IsNotExist(err) {
			return nil, err
		}
		if rec != nil {
			switch rec.Status {
			case variant.StatusReady:
				resolveActions.WithValues(outcomeReady).UpdateSince(start)
				resolveOutcomes.WithValues(outcomeReady).Inc()
				return &Resolution{Key: rec.VariantKey}, nil
			case variant.StatusQueued, variant.StatusProcessing:
				resolveActions.WithValues(outcomeProcessing).UpdateSince(start)
				resolveOutcomes.WithValues(outcomeProcessing).Inc()
				return &Resolution{Key: rec.OriginalKey, ServingOriginal: true}, nil
			}
			// A failed record is displaced so admission can insert a fresh
			// one with a requeue budget of its own.
			if _, err := daemon.store.Delete(ctx, key.Filter()); err != nil {
				return nil, err
			}
		}

		res, err := daemon.admit(ctx, key)
		if err == nil {
			resolveActions.WithValues(outcomeAdmitted).UpdateSince(start)
			resolveOutcomes.WithValues(outcomeAdmitted).Inc()
			return res, nil
		}
		if !variant.IsKeyConflict(err) || attempt >= admitRetries {
			return nil, err
		}
		// Lost the admission race: another resolve inserted the record
		// first. Re-read and branch on its status.
		log.G(ctx).WithField("key", key.String()).Debug("admission race lost, re-reading record")
	}
}

// admit inserts a queued record for the key and enqueues the render job
// backing it.
func (daemon *Daemon) admit(ctx context.Context, key variant.Key) (*Resolution, error) {
	if err := daemon.headOriginal(ctx, key.ImageID); err != nil {
		return nil, err
	}

	rec := &variant.Record{
		ID:          stringid.GenerateID(),
		ImageID:     key.ImageID,
		Width:       key.Width,
		Height:      key.Height,
		Format:      key.Format,
		OriginalKey: key.OriginalKey(),
		VariantKey:  key.VariantKey(),
		Bucket:      daemon.objects.Bucket(),
		Status:      variant.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := daemon.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	token, _, err := resize.Enqueue(ctx, daemon.queue, rec, resize.EnqueueOpts{})
	if err != nil {
		// A queued record with no job behind it would serve "processing"
		// forever. Roll the insert back and let the client retry.
		if _, derr := daemon.store.Delete(ctx, key.Filter()); derr != nil {
			log.G(ctx).WithError(derr).WithField("record", rec.ID).Warn("could not roll back record after enqueue failure")
		}
		return nil, errdefs.Unavailable(err)
	}

	log.G(ctx).WithFields(log.Fields{
		"record":  rec.ID,
		"job":     token,
		"variant": rec.VariantKey,
	}).Info("admitted render job")
	return &Resolution{Key: key.OriginalKey(), ServingOriginal: true, Admitted: true}, nil
}

// displace removes a prior record and rendition for the key. Failures are
// logged and do not abort the resolve.
func (daemon *Daemon) displace(ctx context.Context, key variant.Key) {
	if _, err := daemon.store.Delete(ctx, key.Filter()); err != nil {
		log.G(ctx).WithError(err).WithField("key", key.String()).Warn("force resize: could not delete record")
	}
	if err := daemon.objects.Delete(ctx, key.VariantKey()); err != nil {
		log.G(ctx).WithError(err).WithField("key", key.VariantKey()).Warn("force resize: could not delete rendition")
	}
}

// headOriginal verifies the original asset exists.
func (daemon *Daemon) headOriginal(ctx context.Context, imageID string) error {
	if _, err := daemon.objects.Head(ctx, imageID); err != nil {
		if errdefs.IsNotFound(err) {
			return errdefs.NotFound(errors.New("Image not found"))
		}
		return err
	}
	return nil
}
