package session

import (
	"errors"
	"sync"

	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// ErrQueueOverflow is returned when a session's outbound queue exceeds its
// soft cap. Overflow signals a misbehaving client or a stalled stream and
// is fatal for the session.
var ErrQueueOverflow = errors.New("session: outbound queue overflow")

// queue is the per-session FIFO of events awaiting dispatch to the model.
// Enqueues of multiple events are atomic: the batch lands contiguously or
// not at all. A single drain goroutine pops; the signal channel wakes it
// without a full poll interval of latency.
type queue struct {
	mu     sync.Mutex
	items  []novasonic.Event
	cap    int
	signal chan struct{}
}

func newQueue(cap int) *queue {
	return &queue{cap: cap, signal: make(chan struct{}, 1)}
}

// enqueue appends the batch in order. With a positive cap, a batch that
// would push the length past it is rejected whole.
func (q *queue) enqueue(evs ...novasonic.Event) error {
	if len(evs) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.cap > 0 && len(q.items)+len(evs) > q.cap {
		q.mu.Unlock()
		return ErrQueueOverflow
	}
	q.items = append(q.items, evs...)
	q.mu.Unlock()
	q.wake()
	return nil
}

// force appends without honoring the cap. Reserved for teardown frames
// that must reach the model even when the queue is saturated.
func (q *queue) force(evs ...novasonic.Event) {
	if len(evs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, evs...)
	q.mu.Unlock()
	q.wake()
}

// pop removes and returns the oldest event.
func (q *queue) pop() (novasonic.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return novasonic.Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ready returns a channel that receives after new events arrive. At most
// one wakeup is buffered; the drain loop re-checks the queue after each.
func (q *queue) ready() <-chan struct{} {
	return q.signal
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
