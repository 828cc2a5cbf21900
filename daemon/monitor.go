package daemon

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
)

// DefaultMonitorInterval is how often the monitor pings the backends and
// samples queue depth.
const DefaultMonitorInterval = 30 * time.Second

// Monitor periodically checks backend health, samples queue depth and
// mirrors queue events into the log. Purely diagnostic; it never mutates
// state.
type Monitor struct {
	daemon   *Daemon
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewMonitor returns a monitor for the daemon's backends. interval <= 0
// selects DefaultMonitorInterval.
func NewMonitor(d *Daemon, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		daemon:   d,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop terminates the monitor and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	events := m.daemon.queue.Subscribe()
	defer m.daemon.queue.Evict(events)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample(ctx)
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if qe, ok := ev.(jobqueue.Event); ok {
				m.logEvent(ctx, qe)
			}
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample pings the backends and logs queue depth alongside record counts.
func (m *Monitor) sample(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.daemon.Health(sctx); err != nil {
		log.G(ctx).WithError(err).Warn("backend health check failed")
		return
	}

	counts, err := m.daemon.queue.Counts(sctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("could not sample queue depth")
		return
	}
	fields := log.Fields{
		"wait":    counts.Wait,
		"active":  counts.Active,
		"delayed": counts.Delayed,
		"failed":  counts.Failed,
	}
	if byStatus, err := m.daemon.store.CountByStatus(sctx); err == nil {
		for status, n := range byStatus {
			fields["records_"+string(status)] = n
		}
	}
	log.G(ctx).WithFields(fields).Debug("backends healthy")
}

func (m *Monitor) logEvent(ctx context.Context, ev jobqueue.Event) {
	logger := log.G(ctx).WithFields(log.Fields{
		"queue": ev.Queue,
		"job":   ev.JobID,
	})
	switch ev.Type {
	case jobqueue.EventFailed:
		logger.WithField("reason", ev.Reason).Warn("job failed terminally")
	case jobqueue.EventStalled:
		logger.Warn("job stalled")
	case jobqueue.EventError:
		logger.WithField("reason", ev.Reason).Warn("queue reported an error")
	case jobqueue.EventProgress:
		logger.WithField("progress", ev.Progress).Debug("job progress")
	case jobqueue.EventDrained:
		logger.Debug("queue drained")
	default:
		logger.Debugf("job %s", ev.Type)
	}
}
