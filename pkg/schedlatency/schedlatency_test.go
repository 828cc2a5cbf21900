package schedlatency

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestLate(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// on time
	lag, isLate := late(start, start.Add(5*time.Second), 5*time.Second, time.Second)
	assert.Check(t, is.Equal(lag, time.Duration(0)))
	assert.Check(t, !isLate)

	// late but within threshold
	lag, isLate = late(start, start.Add(5*time.Second+800*time.Millisecond), 5*time.Second, time.Second)
	assert.Check(t, is.Equal(lag, 800*time.Millisecond))
	assert.Check(t, !isLate)

	// past threshold
	lag, isLate = late(start, start.Add(8*time.Second), 5*time.Second, time.Second)
	assert.Check(t, is.Equal(lag, 3*time.Second))
	assert.Check(t, isLate)
}

func TestProbeStartStop(t *testing.T) {
	p := New()
	p.interval = 5 * time.Millisecond

	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	// Stop blocks until the loop exits
	p.Stop()
	select {
	case <-p.done:
	default:
		t.Fatal("probe loop still running after Stop")
	}
}

func TestProbeStopsWithContext(t *testing.T) {
	p := New()
	p.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("probe did not stop when its context was cancelled")
	}
}
