package pending

import (
	"fmt"
	"sync"
	"time"
)

// Queue correlates requests whose identifier is assigned by the responder.
//
// Each entry may carry a nonce. A response echoing a nonce settles the entry
// with that nonce; a response without one settles the oldest entry, which is
// only correct when the transport preserves response order.
type Queue[T any] struct {
	mu      sync.Mutex
	name    string
	clock   Clock
	seq     uint64
	entries []*Pending[T]
}

// NewQueue returns an empty queue. name appears in timeout errors.
func NewQueue[T any](name string, clock Clock) *Queue[T] {
	if clock == nil {
		clock = RealClock
	}
	return &Queue[T]{name: name, clock: clock}
}

// Enqueue appends a pending request. A non-positive timeout disables the deadline.
func (q *Queue[T]) Enqueue(nonce string, timeout time.Duration) *Pending[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	p := newPending(nonce, q.seq, q.remove)
	q.entries = append(q.entries, p)
	if timeout > 0 {
		p.timer = q.clock.AfterFunc(timeout, func() { q.expire(p) })
	}
	return p
}

// Dequeue settles the entry matching nonce, or the oldest entry when nonce
// is empty. It reports false when nothing matched.
func (q *Queue[T]) Dequeue(nonce string, v T) bool {
	p := q.take(nonce)
	if p == nil {
		return false
	}
	return p.settle(v, nil)
}

// Front returns the nonce of the oldest entry.
func (q *Queue[T]) Front() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", false
	}
	return q.entries[0].key, true
}

// RejectOldest rejects the oldest entry.
func (q *Queue[T]) RejectOldest(err error) bool {
	p := q.take("")
	if p == nil {
		return false
	}
	var zero T
	return p.settle(zero, err)
}

// RejectNonce rejects the entry carrying nonce.
func (q *Queue[T]) RejectNonce(nonce string, err error) bool {
	if nonce == "" {
		return false
	}
	p := q.take(nonce)
	if p == nil {
		return false
	}
	var zero T
	return p.settle(zero, err)
}

// RejectAll rejects every entry and returns how many were rejected.
func (q *Queue[T]) RejectAll(err error) int {
	q.mu.Lock()
	taken := q.entries
	q.entries = nil
	q.mu.Unlock()

	var zero T
	n := 0
	for _, p := range taken {
		if p.settle(zero, err) {
			n++
		}
	}
	return n
}

// Len returns the number of waiting entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue[T]) take(nonce string) *Pending[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	idx := 0
	if nonce != "" {
		idx = -1
		for i, p := range q.entries {
			if p.key == nonce {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
	}
	p := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	return p
}

func (q *Queue[T]) remove(p *Pending[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e == p {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue[T]) expire(p *Pending[T]) {
	if !q.remove(p) {
		return
	}
	var zero T
	p.settle(zero, fmt.Errorf("%w: %s", ErrTimeout, q.name))
}
