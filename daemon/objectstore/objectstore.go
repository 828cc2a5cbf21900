// Package objectstore defines the blob storage surface the resolver and the
// render worker consume. Implementations map provider errors to errdefs
// classes: a missing object is a NotFound error, everything else is returned
// wrapped for the caller to classify.
package objectstore

import (
	"context"
	"io"
	"time"
)

// Stat describes a stored object.
type Stat struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// PutOptions carry the metadata set on upload.
type PutOptions struct {
	ContentType  string
	CacheControl string
}

// Store is the object storage client. Implementations must be safe for
// concurrent use.
type Store interface {
	// Head checks for an object without fetching its body.
	Head(ctx context.Context, key string) (*Stat, error)

	// Get fetches an object. The caller owns the returned ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, *Stat, error)

	// Put stores an object under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// Delete removes a single object. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// DeleteBatch removes a set of objects and returns an error describing
	// any keys that could not be removed.
	DeleteBatch(ctx context.Context, keys []string) error

	// Ping verifies the bucket is reachable.
	Ping(ctx context.Context) error

	// Bucket reports the logical bucket name objects live in.
	Bucket() string
}
