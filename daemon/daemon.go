// Package daemon exposes the functions that occur on the server side of the
// image resizer: resolving variant requests against the metadata and object
// stores, admitting render jobs, and deleting images with their renditions.
package daemon

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/config"
	"github.com/saa-hil/image-resizer/daemon/objectstore"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/errdefs"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
	"resenje.org/singleflight"
)

// Daemon holds information about the resizer daemon and wires the resolver
// to its backing services. All methods are safe for concurrent use.
type Daemon struct {
	config     *config.Config
	store      variant.Store
	objects    objectstore.Store
	queue      *jobqueue.Queue
	publicBase string
	startTime  time.Time

	flights singleflight.Group[string, *Resolution]
}

// NewDaemon sets up a daemon on the given backends. The configuration must
// already be validated.
func NewDaemon(cfg *config.Config, store variant.Store, objects objectstore.Store, queue *jobqueue.Queue) (*Daemon, error) {
	base := strings.TrimRight(cfg.S3PublicURL, "/")
	if base == "" {
		return nil, errdefs.InvalidParameter(errors.Errorf("invalid public base URL %q", cfg.S3PublicURL))
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrapf(err, "invalid public base URL %q", cfg.S3PublicURL))
	}
	return &Daemon{
		config:     cfg,
		store:      store,
		objects:    objects,
		queue:      queue,
		publicBase: base,
		startTime:  time.Now(),
	}, nil
}

// Config returns the daemon's configuration.
func (daemon *Daemon) Config() *config.Config {
	return daemon.config
}

// Uptime reports how long the daemon has been running.
func (daemon *Daemon) Uptime() time.Duration {
	return time.Since(daemon.startTime)
}

// PublicURL returns the browser-facing URL for an object-store key. Each
// path segment is encoded separately so keys containing reserved characters
// survive the round trip.
func (daemon *Daemon) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return daemon.publicBase + "/" + strings.Join(segments, "/")
}

// Health pings every backend and returns the first failure, classified as
// unavailable.
func (daemon *Daemon) Health(ctx context.Context) error {
	healthChecks.Inc()
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"metadata store", daemon.store.Ping},
		{"object store", daemon.objects.Ping},
		{"job broker", daemon.queue.Ping},
	}
	for _, c := range checks {
		if err := c.ping(ctx); err != nil {
			healthChecksFail.Inc()
			return errdefs.Unavailable(errors.Wrap(err, c.name))
		}
	}
	return nil
}
