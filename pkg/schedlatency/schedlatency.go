// Package schedlatency reports when the runtime cannot keep a timer on
// schedule, a coarse signal that the process is starved for CPU.
package schedlatency

import (
	"context"
	"time"

	"github.com/containerd/log"
)

const (
	// DefaultInterval is how often the probe arms its timer.
	DefaultInterval = 5 * time.Second
	// DefaultThreshold is the wakeup delay that triggers a warning.
	DefaultThreshold = time.Second
)

// Probe times a periodic wakeup and warns when it lands late.
type Probe struct {
	interval  time.Duration
	threshold time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns a probe with the default interval and threshold.
func New() *Probe {
	return &Probe{
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Probe) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop terminates the probe and waits for the loop to exit.
func (p *Probe) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Probe) run(ctx context.Context) {
	defer close(p.done)

	armed := time.Now()
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if lag, isLate := late(armed, time.Now(), p.interval, p.threshold); isLate {
				log.G(ctx).WithField("lag", lag.Round(time.Millisecond)).Warn("scheduler latency above threshold")
			}
			armed = time.Now()
			timer.Reset(p.interval)
		}
	}
}

// late reports how far past its due time a wakeup armed at start
// landed, and whether that lag breaches the threshold.
func late(start, now time.Time, interval, threshold time.Duration) (time.Duration, bool) {
	lag := now.Sub(start) - interval
	return lag, lag > threshold
}
