// Package jobqueue implements a durable, at-least-once job queue on Redis.
//
// Jobs move between a wait list, an active list and a delayed set. A claimed
// job is guarded by a lock key with a TTL; processors renew the lock while
// they run, and a periodic sweep re-dispatches active jobs whose lock has
// expired. Failed attempts are rescheduled with exponential backoff until the
// per-job attempt budget is exhausted, at which point the job lands in the
// failed set and the terminal-failure hook fires.
//
// Enqueueing is idempotent per job ID: an ID that is still known to the
// queue, including completed jobs inside the retention window, is not added
// twice.
package jobqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/moby/pubsub"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Defaults applied by Add and NewWorker when the caller leaves the
// corresponding option zero.
const (
	DefaultAttempts        = 3
	DefaultBackoff         = 2 * time.Second
	DefaultRetention       = time.Hour
	DefaultConcurrency     = 2
	DefaultLockDuration    = 5 * time.Minute
	DefaultStalledInterval = time.Minute
	DefaultMaxStalledCount = 2
	DefaultDrainInterval   = time.Second
)

// StalledFailureReason is recorded on jobs re-dispatched more often than the
// stall budget allows.
const StalledFailureReason = "job stalled more than allowable limit"

type queueKeys struct {
	wait       string
	active     string
	delayed    string
	completed  string
	failed     string
	jobPrefix  string
	lockPrefix string
}

func newQueueKeys(name string) queueKeys {
	p := "jq:" + name + ":"
	return queueKeys{
		wait:       p + "wait",
		active:     p + "active",
		delayed:    p + "delayed",
		completed:  p + "completed",
		failed:     p + "failed",
		jobPrefix:  p + "job:",
		lockPrefix: p + "lock:",
	}
}

// Options configure a queue.
type Options struct {
	// CompletedRetention bounds how long finished jobs stay known for
	// idempotency checks. Defaults to DefaultRetention.
	CompletedRetention time.Duration
}

// Queue produces and stores jobs. A queue value is safe for concurrent use.
type Queue struct {
	client    redis.UniversalClient
	name      string
	keys      queueKeys
	retention time.Duration
	pub       *pubsub.Publisher
}

// New returns a queue named name on the given Redis client.
func New(client redis.UniversalClient, name string, opts Options) *Queue {
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = DefaultRetention
	}
	return &Queue{
		client:    client,
		name:      name,
		keys:      newQueueKeys(name),
		retention: opts.CompletedRetention,
		pub:       pubsub.NewPublisher(100*time.Millisecond, 256),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Close releases the event publisher. The Redis client is owned by the
// caller and stays open.
func (q *Queue) Close() {
	q.pub.Close()
}

// AddOpts control one enqueue.
type AddOpts struct {
	// JobID is the idempotency token. Required.
	JobID string
	// Attempts is the per-cycle attempt budget. Defaults to DefaultAttempts.
	Attempts int
	// Backoff is the base delay of the exponential retry schedule.
	// Defaults to DefaultBackoff.
	Backoff time.Duration
}

var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	local score = redis.call('ZSCORE', KEYS[3], ARGV[6])
	if not score then
		return 0
	end
	if tonumber(score) > tonumber(ARGV[5]) - tonumber(ARGV[7]) then
		return 0
	end
	redis.call('ZREM', KEYS[3], ARGV[6])
	redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1],
	'name', ARGV[1],
	'payload', ARGV[2],
	'attempts', ARGV[3],
	'backoff', ARGV[4],
	'attemptsMade', '0',
	'stalledCount', '0',
	'progress', '0',
	'addedAt', ARGV[5])
redis.call('LPUSH', KEYS[2], ARGV[6])
return 1
`)

// Add enqueues a job. It reports whether the job was actually added: an ID
// the queue still knows is rejected as a duplicate. Live jobs (waiting,
// running, delayed, failed) block re-adding indefinitely; completed jobs
// block it only within the retention window.
func (q *Queue) Add(ctx context.Context, name string, payload []byte, opts AddOpts) (bool, error) {
	if opts.JobID == "" {
		return false, errors.New("job id is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	res, err := addScript.Run(ctx, q.client,
		[]string{q.keys.jobPrefix + opts.JobID, q.keys.wait, q.keys.completed},
		name,
		string(payload),
		strconv.Itoa(opts.Attempts),
		strconv.FormatInt(opts.Backoff.Milliseconds(), 10),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		opts.JobID,
		strconv.FormatInt(q.retention.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "error adding job %s to queue %s", opts.JobID, q.name)
	}
	return res == 1, nil
}

var claimScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
	return false
end
redis.call('SET', ARGV[1] .. id, '1', 'PX', ARGV[2])
redis.call('HSET', ARGV[3] .. id, 'processedOn', ARGV[4])
return id
`)

// claim pops the oldest waiting job into the active list and takes its lock.
// It returns nil when no job is waiting.
func (q *Queue) claim(ctx context.Context, lockDuration time.Duration) (*Job, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.wait, q.keys.active},
		q.keys.lockPrefix,
		strconv.FormatInt(lockDuration.Milliseconds(), 10),
		q.keys.jobPrefix,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "error claiming job from queue %s", q.name)
	}
	return q.Job(ctx, res)
}

// Job loads the current state of a job by ID.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	h, err := q.client.HGetAll(ctx, q.keys.jobPrefix+id).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error loading job %s", id)
	}
	if len(h) == 0 {
		return nil, errors.Errorf("no such job: %s", id)
	}
	j := &Job{
		ID:      id,
		Name:    h["name"],
		Payload: []byte(h["payload"]),
		queue:   q,
	}
	j.MaxAttempts, _ = strconv.Atoi(h["attempts"])
	j.AttemptsMade, _ = strconv.Atoi(h["attemptsMade"])
	j.StalledCount, _ = strconv.Atoi(h["stalledCount"])
	j.FailedReason = h["failedReason"]
	return j, nil
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for i = 1, #due do
	redis.call('ZREM', KEYS[1], due[i])
	redis.call('LPUSH', KEYS[2], due[i])
end
return #due
`)

// promote moves delayed jobs whose backoff has elapsed onto the wait list.
func (q *Queue) promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.wait},
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		"100",
	).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "error promoting delayed jobs on queue %s", q.name)
	}
	return n, nil
}

var finishScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('DEL', ARGV[2] .. ARGV[1])
redis.call('HSET', ARGV[3] .. ARGV[1], 'finishedOn', ARGV[4], 'progress', '100')
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), ARGV[1])
local cutoff = tonumber(ARGV[4]) - tonumber(ARGV[5])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', cutoff)
for i = 1, #expired do
	redis.call('ZREM', KEYS[2], expired[i])
	redis.call('DEL', ARGV[3] .. expired[i])
end
return redis.status_reply('OK')
`)

// finish records a successful run and trims completed jobs that fell out of
// the retention window.
func (q *Queue) finish(ctx context.Context, id string) error {
	err := finishScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.completed},
		id,
		q.keys.lockPrefix,
		q.keys.jobPrefix,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		strconv.FormatInt(q.retention.Milliseconds(), 10),
	).Err()
	if err != nil {
		return errors.Wrapf(err, "error completing job %s", id)
	}
	return nil
}

var retryScript = redis.NewScript(`
local jobKey = ARGV[3] .. ARGV[1]
redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('DEL', ARGV[2] .. ARGV[1])
local made = redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
local max = tonumber(redis.call('HGET', jobKey, 'attempts')) or 1
if ARGV[6] == '1' or made >= max then
	redis.call('HSET', jobKey, 'failedReason', ARGV[5], 'finishedOn', ARGV[4])
	redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[1])
	return 1
end
local backoff = tonumber(redis.call('HGET', jobKey, 'backoff')) or 0
local delay = backoff * 2 ^ (made - 1)
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) + delay, ARGV[1])
return 0
`)

// retry reschedules a failed attempt under the exponential backoff schedule,
// or moves the job to the failed set when the attempt budget is exhausted or
// the failure is unrecoverable. It reports whether the failure was terminal.
func (q *Queue) retry(ctx context.Context, id, reason string, unrecoverable bool) (bool, error) {
	force := "0"
	if unrecoverable {
		force = "1"
	}
	res, err := retryScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.delayed, q.keys.failed},
		id,
		q.keys.lockPrefix,
		q.keys.jobPrefix,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		reason,
		force,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "error rescheduling job %s", id)
	}
	return res == 1, nil
}

var stallScript = redis.NewScript(`
local redispatched = {}
local failed = {}
local active = redis.call('LRANGE', KEYS[1], 0, -1)
for i = 1, #active do
	local id = active[i]
	if redis.call('EXISTS', ARGV[4] .. id) == 0 then
		local n = redis.call('HINCRBY', ARGV[5] .. id, 'stalledCount', 1)
		redis.call('LREM', KEYS[1], 1, id)
		if n > tonumber(ARGV[2]) then
			redis.call('HSET', ARGV[5] .. id, 'failedReason', ARGV[3], 'finishedOn', ARGV[1])
			redis.call('ZADD', KEYS[3], tonumber(ARGV[1]), id)
			failed[#failed + 1] = id
		else
			redis.call('LPUSH', KEYS[2], id)
			redispatched[#redispatched + 1] = id
		end
	end
end
return {redispatched, failed}
`)

// sweepStalled re-dispatches active jobs whose lock expired. Jobs that
// stalled more often than maxStalled are failed terminally. It returns the
// re-dispatched and terminally failed job IDs.
func (q *Queue) sweepStalled(ctx context.Context, maxStalled int) (redispatched, failed []string, _ error) {
	res, err := stallScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.wait, q.keys.failed},
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		strconv.Itoa(maxStalled),
		StalledFailureReason,
		q.keys.lockPrefix,
		q.keys.jobPrefix,
	).Result()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error sweeping stalled jobs on queue %s", q.name)
	}
	lists, ok := res.([]interface{})
	if !ok || len(lists) != 2 {
		return nil, nil, errors.Errorf("unexpected stall sweep reply: %T", res)
	}
	return toStrings(lists[0]), toStrings(lists[1]), nil
}

func toStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// renewLock extends the claim lock of a running job.
func (q *Queue) renewLock(ctx context.Context, id string, lockDuration time.Duration) error {
	ok, err := q.client.PExpire(ctx, q.keys.lockPrefix+id, lockDuration).Result()
	if err != nil {
		return errors.Wrapf(err, "error renewing lock for job %s", id)
	}
	if !ok {
		return errors.Errorf("lock for job %s no longer exists", id)
	}
	return nil
}

func (q *Queue) setProgress(ctx context.Context, id string, progress int) error {
	return q.client.HSet(ctx, q.keys.jobPrefix+id, "progress", progress).Err()
}

// Counts reports the number of jobs per state.
type Counts struct {
	Wait      int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}

// Counts returns the queue depth per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.keys.wait)
	active := pipe.LLen(ctx, q.keys.active)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, errors.Wrapf(err, "error counting jobs on queue %s", q.name)
	}
	return Counts{
		Wait:      wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Ping verifies broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "error pinging job broker")
	}
	return nil
}

// Job is one unit of work handed to a processor.
type Job struct {
	ID      string
	Name    string
	Payload []byte
	// AttemptsMade counts failed runs before the current one.
	AttemptsMade int
	MaxAttempts  int
	StalledCount int
	FailedReason string

	queue      *Queue
	onProgress func(jobID string, progress int)
}

// Progress records and broadcasts job progress. Persistence failures are
// swallowed: progress is advisory.
func (j *Job) Progress(ctx context.Context, progress int) {
	_ = j.queue.setProgress(ctx, j.ID, progress)
	j.queue.publish(Event{Type: EventProgress, Queue: j.queue.name, JobID: j.ID, Progress: progress})
	if j.onProgress != nil {
		j.onProgress(j.ID, progress)
	}
}

type unrecoverableError struct{ error }

func (unrecoverableError) Unrecoverable() {}

func (e unrecoverableError) Cause() error {
	return e.error
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable marks an error so the worker fails the job terminally
// instead of spending the remaining attempts.
func Unrecoverable(err error) error {
	if err == nil || IsUnrecoverable(err) {
		return err
	}
	return unrecoverableError{err}
}

// IsUnrecoverable reports whether err carries the unrecoverable marker.
func IsUnrecoverable(err error) bool {
	var u interface{ Unrecoverable() }
	return errors.As(err, &u)
}
