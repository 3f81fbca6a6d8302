package protocol

import "sync"

// Inbound is one decoded envelope awaiting processing, tagged with the
// transport address it arrived from.
type Inbound struct {
	Env        Envelope
	RemoteAddr string
}

// inboundQueue is a thread-safe FIFO between transport callbacks and the
// engine's single-writer loop.
//
// The queue is unbounded: a burst of broadcasts from the relay must never
// block the reader goroutine, and local store transactions are the slow
// side. Transport goroutines enqueue; only the Run loop dequeues, which is
// what keeps store writes serialized.
//
// A buffered signal channel (size 1) coalesces wakeups and lets the Run
// loop select on context cancellation while waiting.
type inboundQueue struct {
	mu     sync.Mutex
	items  []Inbound
	closed bool
	signal chan struct{}
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{
		items:  make([]Inbound, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *inboundQueue) Enqueue(in Inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, in)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Inbound{}, false) if the queue is empty.
func (q *inboundQueue) TryDequeue() (Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Inbound{}, false
	}

	in := q.items[0]
	// Nil out the slot so the backing array doesn't retain payload bytes.
	q.items[0] = Inbound{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return in, true
}

// Wait returns a channel that signals when items may be available.
// Use with select alongside ctx.Done().
func (q *inboundQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more messages will be enqueued and wakes waiters.
func (q *inboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *inboundQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
