package resize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
)

// JobName is the job type render jobs are enqueued under.
const JobName = "image-resize"

// Enqueue policy defaults. A first admission retries under the standard
// exponential schedule; jobs re-admitted by the requeue policy start from a
// longer base delay.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
	RequeueBackoff  = 5 * time.Second
)

// JobPayload is the wire form of one render job.
type JobPayload struct {
	ImageID     string `json:"imageId"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	OriginalKey string `json:"originalKey"`
	VariantKey  string `json:"variantKey"`
	RecordID    string `json:"recordId"`
	Format      string `json:"format"`
}

// ParseJobPayload decodes a payload produced by Enqueue.
func ParseJobPayload(data []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return JobPayload{}, errors.Wrap(err, "error decoding job payload")
	}
	if p.RecordID == "" {
		return JobPayload{}, errors.New("job payload is missing the record id")
	}
	return p, nil
}

// JobToken derives the idempotency token for one admission of a record. The
// trailing timestamp lets a record be deliberately re-admitted later while
// the broker still rejects exact duplicates.
func JobToken(r *variant.Record, now time.Time) string {
	return fmt.Sprintf("%s_%dx%d.%s.%s.%d", r.ImageID, r.Width, r.Height, r.Format, r.ID, now.UnixMilli())
}

// EnqueueOpts tune one admission.
type EnqueueOpts struct {
	// Backoff overrides the base retry delay. Defaults to DefaultBackoff.
	Backoff time.Duration
}

// Enqueue admits a render job for the record and returns the job token.
// Adding is idempotent per token; added reports whether the broker accepted
// the job as new.
func Enqueue(ctx context.Context, q *jobqueue.Queue, r *variant.Record, opts EnqueueOpts) (token string, added bool, _ error) {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	payload, err := json.Marshal(JobPayload{
		ImageID:     r.ImageID,
		Width:       r.Width,
		Height:      r.Height,
		OriginalKey: r.OriginalKey,
		VariantKey:  r.VariantKey,
		RecordID:    r.ID,
		Format:      string(r.Format),
	})
	if err != nil {
		return "", false, errors.Wrap(err, "error encoding job payload")
	}
	token = JobToken(r, time.Now())
	added, err = q.Add(ctx, JobName, payload, jobqueue.AddOpts{
		JobID:    token,
		Attempts: DefaultAttempts,
		Backoff:  opts.Backoff,
	})
	if err != nil {
		return "", false, err
	}
	return token, added, nil
}
