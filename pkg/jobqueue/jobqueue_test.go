package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, "test", opts)
	t.Cleanup(q.Close)
	return q, m
}

func TestAddRequiresJobID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	_, err := q.Add(context.Background(), "render", nil, AddOpts{})
	assert.Check(t, is.ErrorContains(err, "job id is required"))
}

func TestAddIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	added, err := q.Add(ctx, "render", []byte(`{"a":1}`), AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	assert.Check(t, added)

	added, err = q.Add(ctx, "render", []byte(`{"a":1}`), AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	assert.Check(t, !added, "duplicate id must be rejected")

	counts, err := q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Wait, int64(1)))
}

func TestClaimIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"first", "second"} {
		_, err := q.Add(ctx, "render", []byte(id), AddOpts{JobID: id})
		assert.NilError(t, err)
	}

	job, err := q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Assert(t, job != nil)
	assert.Check(t, is.Equal(job.ID, "first"))
	assert.Check(t, is.Equal(string(job.Payload), "first"))
	assert.Check(t, is.Equal(job.MaxAttempts, DefaultAttempts))

	job, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(job.ID, "second"))

	job, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	assert.Check(t, job == nil, "empty queue must claim nothing")
}

func TestClaimTakesLock(t *testing.T) {
	q, m := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)

	assert.Check(t, m.Exists("jq:test:lock:tok-1"))
	counts, err := q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Active, int64(1)))
	assert.Check(t, is.Equal(counts.Wait, int64(0)))
}

func TestFinishCompletesJob(t *testing.T) {
	q, m := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	assert.NilError(t, q.finish(ctx, "tok-1"))

	counts, err := q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Active, int64(0)))
	assert.Check(t, is.Equal(counts.Completed, int64(1)))
	assert.Check(t, !m.Exists("jq:test:lock:tok-1"), "lock must be released")

	// completed jobs stay known for deduplication
	added, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	assert.Check(t, !added)
}

func TestCompletedRetentionWindow(t *testing.T) {
	q, _ := newTestQueue(t, Options{CompletedRetention: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	assert.NilError(t, q.finish(ctx, "tok-1"))

	added, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	assert.Check(t, !added, "inside the retention window the id is a duplicate")

	time.Sleep(40 * time.Millisecond)

	added, err = q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	assert.Check(t, added, "outside the retention window the id is free again")
}

func TestRetrySchedulesBackoff(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1", Attempts: 3, Backoff: 200 * time.Millisecond})
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)

	terminal, err := q.retry(ctx, "tok-1", "boom", false)
	assert.NilError(t, err)
	assert.Check(t, !terminal, "first failure of three attempts is not terminal")

	counts, err := q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Delayed, int64(1)))

	// not due yet
	n, err := q.promote(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 0))

	time.Sleep(300 * time.Millisecond)
	n, err = q.promote(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 1))

	counts, err = q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Wait, int64(1)))

	job, err := q.Job(ctx, "tok-1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(job.AttemptsMade, 1))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1", Attempts: 2, Backoff: time.Millisecond})
	assert.NilError(t, err)

	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	terminal, err := q.retry(ctx, "tok-1", "boom", false)
	assert.NilError(t, err)
	assert.Check(t, !terminal)

	time.Sleep(5 * time.Millisecond)
	_, err = q.promote(ctx)
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)
	terminal, err = q.retry(ctx, "tok-1", "boom again", false)
	assert.NilError(t, err)
	assert.Check(t, terminal, "second failure of two attempts is terminal")

	counts, err := q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Failed, int64(1)))

	job, err := q.Job(ctx, "tok-1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(job.FailedReason, "boom again"))
	assert.Check(t, is.Equal(job.AttemptsMade, 2))
}

func TestRetryUnrecoverableIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1", Attempts: 3})
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)

	terminal, err := q.retry(ctx, "tok-1", "no record", true)
	assert.NilError(t, err)
	assert.Check(t, terminal, "unrecoverable failures skip remaining attempts")
}

func TestSweepStalled(t *testing.T) {
	q, m := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)
	_, err = q.claim(ctx, time.Minute)
	assert.NilError(t, err)

	// lock still held: nothing stalls
	redispatched, failed, err := q.sweepStalled(ctx, 2)
	assert.NilError(t, err)
	assert.Check(t, is.Len(redispatched, 0))
	assert.Check(t, is.Len(failed, 0))

	// worker dies; the lock expires
	m.FastForward(2 * time.Minute)
	redispatched, failed, err = q.sweepStalled(ctx, 2)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(redispatched, []string{"tok-1"}))
	assert.Check(t, is.Len(failed, 0))

	counts, err := q.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Wait, int64(1)))
	assert.Check(t, is.Equal(counts.Active, int64(0)))
}

func TestSweepStalledBeyondBudgetFails(t *testing.T) {
	q, m := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, "render", nil, AddOpts{JobID: "tok-1"})
	assert.NilError(t, err)

	// stall twice with a budget of one
	for i := 0; i < 2; i++ {
		_, err = q.claim(ctx, time.Minute)
		assert.NilError(t, err)
		m.FastForward(2 * time.Minute)

		redispatched, failed, sweepErr := q.sweepStalled(ctx, 1)
		assert.NilError(t, sweepErr)
		if i == 0 {
			assert.Check(t, is.DeepEqual(redispatched, []string{"tok-1"}))
			assert.Check(t, is.Len(failed, 0))
		} else {
			assert.Check(t, is.Len(redispatched, 0))
			assert.Check(t, is.DeepEqual(failed, []string{"tok-1"}))
		}
	}

	job, err := q.Job(ctx, "tok-1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(job.FailedReason, StalledFailureReason))
	assert.Check(t, is.Equal(job.StalledCount, 2))
}
