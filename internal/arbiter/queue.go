package arbiter

import "context"

// Job is deferred blocking work: settings writes, the apply command,
// registry updates. Jobs run one at a time in submission order.
type Job func(ctx context.Context)

// Queue runs jobs on a single worker so the input callback and the polling
// loop never block on I/O.
type Queue struct {
	ch chan Job
}

// NewQueue creates a queue that holds up to size pending jobs.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Job, size)}
}

// Submit queues j without blocking. It returns false when the queue is
// full.
func (q *Queue) Submit(j Job) bool {
	select {
	case q.ch <- j:
		return true
	default:
		return false
	}
}

// Run executes jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.ch:
			j(ctx)
		}
	}
}

// RunPending executes queued jobs until the queue is empty and returns how
// many ran. It finishes outstanding work during shutdown.
func (q *Queue) RunPending(ctx context.Context) int {
	n := 0
	for {
		select {
		case j := <-q.ch:
			j(ctx)
			n++
		default:
			return n
		}
	}
}
