package cardwire

import "sync"

// queue is an unbounded FIFO of messages. There is no backpressure: a
// consumer that never drains it lets it grow without limit.
type queue struct {
	mu    sync.Mutex
	items []Message
	head  int
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends m and wakes one waiter.
func (q *queue) push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop removes the oldest message. ok is false when the queue is empty.
func (q *queue) pop() (m Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil, false
	}
	m = q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	// Keep the wakeup pending while messages remain.
	if q.head < len(q.items) {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return m, true
}

// len returns the number of buffered messages.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// wait returns a channel that receives when a message may be available.
func (q *queue) wait() <-chan struct{} {
	return q.ready
}
