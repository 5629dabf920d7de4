package policy

import "github.com/pbotros/river-io/types"

// compactThreshold is the consumed-prefix length after which the backing
// slice is compacted.
const compactThreshold = 1024

// batchQueue is a FIFO of batches. Not safe for concurrent use; the owning
// policy guards it with its mutex.
type batchQueue struct {
	items []*types.Batch
	head  int
}

func (q *batchQueue) len() int {
	return len(q.items) - q.head
}

func (q *batchQueue) push(b *types.Batch) {
	q.items = append(q.items, b)
}

// pop removes and returns the front batch, or nil when empty.
func (q *batchQueue) pop() *types.Batch {
	if q.head >= len(q.items) {
		return nil
	}
	b := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return b
}

// drainAll empties the queue and returns the removed batches in order.
func (q *batchQueue) drainAll() []*types.Batch {
	out := make([]*types.Batch, 0, q.len())
	for b := q.pop(); b != nil; b = q.pop() {
		out = append(out, b)
	}
	return out
}

// hasRoom reports whether a queue bounded by limit accepts another batch.
// A limit of zero means unbounded.
func (q *batchQueue) hasRoom(limit int) bool {
	return limit <= 0 || q.len() < limit
}
