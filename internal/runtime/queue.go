package runtime

import (
	"errors"
	"sync"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

// ErrQueueClosed reports a push onto a closed queue.
var ErrQueueClosed = errors.New("runtime: queue closed")

// CommandQueue is an unbounded FIFO of outgoing commands. Push never
// blocks; Pop blocks until an item arrives or the queue is closed and
// drained. Close is idempotent and appends the close sentinel so a
// draining consumer observes shutdown in order.
type CommandQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*models.OutgoingCommand
	closed bool
}

// NewCommandQueue creates an empty open queue.
func NewCommandQueue() *CommandQueue {
	q := &CommandQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends cmd. Returns ErrQueueClosed after Close.
func (q *CommandQueue) Push(cmd *models.OutgoingCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, cmd)
	q.cond.Signal()
	return nil
}

// Pop removes and returns the oldest command, blocking while the queue
// is open and empty. ok is false once the queue is closed and drained.
func (q *CommandQueue) Pop() (*models.OutgoingCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	return cmd, true
}

// Close marks the queue closed and appends the close sentinel. Safe to
// call more than once; only the first call enqueues the sentinel.
func (q *CommandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, &models.OutgoingCommand{Command: models.CommandClose})
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *CommandQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
