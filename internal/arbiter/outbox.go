package arbiter

import (
	"fmt"
	"sync"
)

// Outbox is the bounded queue of outbound control lines. Push never blocks:
// when the queue is full the oldest line is dropped.
type Outbox struct {
	mu      sync.Mutex
	lines   []string
	head    int
	n       int
	dropped uint64
	onDrop  func()
}

// NewOutbox creates an outbox holding up to size lines. onDrop, if non-nil,
// is called for every dropped line.
func NewOutbox(size int, onDrop func()) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{lines: make([]string, size), onDrop: onDrop}
}

// Push queues one line.
func (o *Outbox) Push(line string) {
	o.mu.Lock()
	if o.n == len(o.lines) {
		o.head = (o.head + 1) % len(o.lines)
		o.n--
		o.dropped++
		if o.onDrop != nil {
			o.onDrop()
		}
	}
	o.lines[(o.head+o.n)%len(o.lines)] = line
	o.n++
	o.mu.Unlock()
}

// Eventf queues an "EVT " line.
func (o *Outbox) Eventf(format string, args ...any) {
	o.Push("EVT " + fmt.Sprintf(format, args...))
}

// Drain appends every queued line to dst in order and empties the queue.
func (o *Outbox) Drain(dst []string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < o.n; i++ {
		j := (o.head + i) % len(o.lines)
		dst = append(dst, o.lines[j])
		o.lines[j] = ""
	}
	o.head, o.n = 0, 0
	return dst
}

// Len returns the number of queued lines.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Dropped returns how many lines were dropped on overflow.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
