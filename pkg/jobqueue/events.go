package jobqueue

// EventType enumerates the lifecycle notifications a queue broadcasts.
type EventType string

const (
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventProgress  EventType = "progress"
	EventDrained   EventType = "drained"
	EventError     EventType = "error"
)

// Event is broadcast to subscribers on every job lifecycle transition.
type Event struct {
	Type     EventType
	Queue    string
	JobID    string
	Reason   string
	Progress int
}

// Subscribe returns a channel receiving Event values. Slow subscribers are
// skipped after the publisher's timeout; callers must Evict the channel when
// done with it.
func (q *Queue) Subscribe() chan interface{} {
	return q.pub.Subscribe()
}

// Evict removes a subscription channel.
func (q *Queue) Evict(ch chan interface{}) {
	q.pub.Evict(ch)
}

func (q *Queue) publish(ev Event) {
	q.pub.Publish(ev)
}

// Hooks are optional callbacks a worker invokes on job transitions. All
// callbacks run on the processing goroutine; keep them short.
type Hooks struct {
	// OnActive fires when a claimed job starts processing.
	OnActive func(job *Job)
	// OnCompleted fires after a successful run is recorded.
	OnCompleted func(job *Job)
	// OnFailed fires only on terminal failure, after all attempts are
	// spent, an unrecoverable error is returned, or the stall budget is
	// exceeded.
	OnFailed func(job *Job, err error)
	// OnStalled fires when an expired-lock job is re-dispatched.
	OnStalled func(jobID string)
	// OnProgress fires on every progress report of a local job.
	OnProgress func(jobID string, progress int)
	// OnDrained fires when the worker runs out of waiting jobs.
	OnDrained func()
	// OnError fires on background queue errors (claim, promotion, lock
	// renewal, stall sweep).
	OnError func(err error)
}
