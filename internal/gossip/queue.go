package gossip

import (
	"container/list"
	"sync"

	"github.com/ruvnet/ledgermesh/internal/envelope"
)

// batchQueue is an unbounded FIFO of rumor batches: a list-backed
// queue with a condition variable rather than a fixed-capacity
// buffered channel, since the inbound side must never block a
// producer on a slow consumer.
type batchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	closed bool
}

func newBatchQueue() *batchQueue {
	q := &batchQueue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a batch and wakes one waiting consumer.
func (q *batchQueue) Push(batch envelope.RumorBatch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items.PushBack(batch)
	q.cond.Signal()
}

// Pop blocks until a batch is available or the queue is closed, in
// which case ok is false.
func (q *batchQueue) Pop() (batch envelope.RumorBatch, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Remove(q.items.Front())
	return front.(envelope.RumorBatch), true
}

// Close unblocks any waiting consumer permanently.
func (q *batchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
