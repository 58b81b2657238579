// Package intentionqueue implements the per-consumer, position-anchored
// FIFO that the entry service's intention loop fans intentions out onto.
package intentionqueue

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/cruzerr"
	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
)

// Queue is an ordered FIFO of intentions plus the next position this
// consumer wants to receive. Position() is monotonic non-decreasing
// except when the owner deliberately backdates a freshly registered
// queue.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	deque   *list.List
	nextPos types.Position
	stopped bool
}

// New returns a Queue that wants to start receiving at pos.
func New(pos types.Position) *Queue {
	q := &Queue{
		deque:   list.New(),
		nextPos: pos,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues intention, which must be at or after the queue's current
// position. Pushing an intention behind the queue's cursor is a contract
// violation: the intention loop is the only caller and it must never let
// that happen.
func (q *Queue) Push(intention *wire.Intention) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if intention.Position < q.nextPos {
		return fmt.Errorf("intentionqueue: push at %d behind cursor %d: %w",
			intention.Position, q.nextPos, cruzerr.ErrContractViolation)
	}

	q.nextPos = intention.Position + 1
	q.deque.PushBack(intention)
	q.cond.Signal()
	return nil
}

// Wait blocks until an intention is available or the queue is stopped.
// ok is false only on stop.
func (q *Queue) Wait() (*wire.Intention, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.deque.Len() == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.deque.Len() == 0 {
		return nil, false
	}

	front := q.deque.Remove(q.deque.Front())
	return front.(*wire.Intention), true
}

// Position returns the next log position this queue wants to receive.
func (q *Queue) Position() types.Position {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextPos
}

// SkipTo advances the queue's cursor to pos without delivering anything,
// for log slots that turned out not to be intentions. It is a no-op if
// the queue has already moved past pos.
func (q *Queue) SkipTo(pos types.Position) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos > q.nextPos {
		q.nextPos = pos
	}
}

// Stop wakes every Wait() caller, which will return the empty sentinel.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
