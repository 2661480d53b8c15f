// Package dtn implements the bounded store-and-forward buffer used for
// bundles whose destination is currently unreachable.
package dtn

import (
	"math"

	"github.com/Operative-001/meshdtn/internal/protocol"
)

// DefaultCapacity is the number of bundles a node buffers.
const DefaultCapacity = 5

// Queue is a bounded FIFO of bundles keyed by id. It is not safe for
// concurrent use; the protocol engine owns it from a single goroutine.
type Queue struct {
	capacity int
	items    []protocol.Bundle
}

// NewQueue returns an empty queue. A non-positive capacity selects
// DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Cap returns the maximum number of buffered bundles.
func (q *Queue) Cap() int { return q.capacity }

// Len returns the number of buffered bundles.
func (q *Queue) Len() int { return len(q.items) }

// Contains reports whether a bundle with id is buffered.
func (q *Queue) Contains(id string) bool { return q.index(id) >= 0 }

func (q *Queue) index(id string) int {
	for i, b := range q.items {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// Push appends b. It is a no-op returning added=false when a bundle with the
// same id is already buffered. When the queue is full the oldest bundle is
// removed and returned as evicted so the caller can delegate it.
func (q *Queue) Push(b protocol.Bundle) (evicted *protocol.Bundle, added bool) {
	if q.Contains(b.ID) {
		return nil, false
	}
	if len(q.items) >= q.capacity {
		old := q.items[0]
		q.items = q.items[1:]
		evicted = &old
	}
	q.items = append(q.items, b)
	return evicted, true
}

// Remove deletes the bundle with id, reporting whether it was present.
func (q *Queue) Remove(id string) bool {
	i := q.index(id)
	if i < 0 {
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return true
}

// TakeWhere removes and returns, in FIFO order, every bundle for which keep
// returns true.
func (q *Queue) TakeWhere(keep func(protocol.Bundle) bool) []protocol.Bundle {
	var taken []protocol.Bundle
	rest := q.items[:0]
	for _, b := range q.items {
		if keep(b) {
			taken = append(taken, b)
		} else {
			rest = append(rest, b)
		}
	}
	q.items = rest
	return taken
}

// Snapshot returns a copy of the buffered bundles, oldest first.
func (q *Queue) Snapshot() []protocol.Bundle {
	return append([]protocol.Bundle(nil), q.items...)
}

// SprayFactor returns the number of copies (local plus sprayed) the origin
// creates for a network of networkSize nodes: max(1, floor(sqrt(n))).
func SprayFactor(networkSize int) int {
	if networkSize <= 1 {
		return 1
	}
	l := int(math.Floor(math.Sqrt(float64(networkSize))))
	if l < 1 {
		return 1
	}
	return l
}
