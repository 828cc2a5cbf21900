package variant

import "context"

// Store persists variant records. Implementations must enforce a unique
// index over (ImageID, Width, Height, Format) and map storage-level errors
// to the typed errors of this package: duplicate key inserts return a
// Conflict error, and conditional updates that match no document return a
// NotFound error.
type Store interface {
	// Create inserts a new record. The caller provides ID, identity fields,
	// derived keys, Status and CreatedAt.
	Create(ctx context.Context, r *Record) error

	// Get loads a record by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByKey loads the record for an identity tuple.
	GetByKey(ctx context.Context, key Key) (*Record, error)

	// List returns all records matching the filter.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// MarkProcessing transitions a record to processing and returns the
	// updated document. Records already in ready state are never touched;
	// in that case, or when the record is gone, a NotFound error is
	// returned.
	MarkProcessing(ctx context.Context, id string) (*Record, error)

	// MarkReady transitions a record to ready, recording the rendered size
	// and the completion time, and returns the updated document.
	MarkReady(ctx context.Context, id string, fileSize int64) (*Record, error)

	// MarkFailed annotates a record with a failure reason and timestamp.
	// Records in ready state are left untouched without error.
	MarkFailed(ctx context.Context, id string, reason string) error

	// Requeue atomically moves a failed record back to queued, clearing the
	// failure annotation and incrementing RequeueCount, provided the current
	// RequeueCount is below maxRequeues. It returns NotFound when no record
	// satisfies the condition.
	Requeue(ctx context.Context, id string, maxRequeues int) (*Record, error)

	// Delete removes all records matching the filter and reports how many
	// were removed.
	Delete(ctx context.Context, f Filter) (int64, error)

	// CountByStatus reports the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}
