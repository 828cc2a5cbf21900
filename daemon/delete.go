package daemon

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/errdefs"
)

// DeleteImage removes the variants selected by the filter: first their
// rendition objects, then their records. With only ImageID set, every
// variant of the image is removed. The original object is left in place.
func (daemon *Daemon) DeleteImage(ctx context.Context, f variant.Filter) (int64, error) {
	start := time.Now()
	if err := variant.ValidateImageID(f.ImageID); err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, err
	}

	records, err := daemon.store.List(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, errdefs.NotFound(errors.New("Image not found"))
	}

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.VariantKey)
	}

	// Renditions go first. If the object store refuses, the records stay so
	// a later delete can reconcile.
	if err := daemon.objects.DeleteBatch(ctx, keys); err != nil {
		log.G(ctx).WithError(err).WithField("image", f.ImageID).Error("could not delete renditions")
		deleteActions.WithValues("error").UpdateSince(start)
		return 0, err
	}

	deleted, err := daemon.store.Delete(ctx, f)
	if err != nil {
		deleteActions.WithValues("error").UpdateSince(start)
		return 0, err
	}

	deleteActions.WithValues("ok").UpdateSince(start)
	log.G(ctx).WithFields(log.Fields{
		"image":    f.ImageID,
		"variants": deleted,
	}).Info("image variants deleted")
	return deleted, nil
}
