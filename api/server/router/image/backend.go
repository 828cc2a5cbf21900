package image

import (
	"context"

	"github.com/saa-hil/image-resizer/daemon"
	"github.com/saa-hil/image-resizer/daemon/variant"
)

// Backend is the methods that need to be implemented to provide
// image specific functionality
type Backend interface {
	ResolveVariant(ctx context.Context, req daemon.ResolveRequest) (*daemon.Resolution, error)
	DeleteImage(ctx context.Context, f variant.Filter) (int64, error)
	PublicURL(key string) string
}
