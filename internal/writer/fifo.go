package writer

import (
	"sync"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// fifo is an unbounded multi-producer, single-consumer queue.
//
// Producers push under mu and poke wake (capacity 1, non-blocking), so a
// push never blocks on the consumer. The consumer pops under mu and parks
// on wake with its own timeout.
type fifo struct {
	mu    sync.Mutex
	items []types.WriteOperation
	head  int

	wake chan struct{}
}

func newFIFO() *fifo {
	return &fifo{wake: make(chan struct{}, 1)}
}

// push appends op and returns the queue length after the push.
// Caller must hold mu.
func (q *fifo) pushLocked(op types.WriteOperation) int {
	q.items = append(q.items, op)
	return len(q.items) - q.head
}

// signal wakes the consumer if it is parked
func (q *fifo) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the oldest operation
func (q *fifo) pop() (types.WriteOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return types.WriteOperation{}, false
	}

	op := q.items[q.head]
	q.items[q.head] = types.WriteOperation{} // release payload
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}

	return op, true
}

func (q *fifo) lenLocked() int {
	return len(q.items) - q.head
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}
