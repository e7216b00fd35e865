// Package pending correlates asynchronous requests with the responses that
// eventually answer them.
//
// A Registry correlates by key: the requester knows the key before sending
// (a path, a transfer ID plus chunk index). A Queue correlates requests whose
// identifier is assigned by the responder, relying on response order or on an
// echoed nonce.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout indicates no response arrived before the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrSuperseded indicates a newer request was registered under the same key.
	ErrSuperseded = errors.New("request superseded")
)

// Pending is one outstanding request. It settles exactly once.
type Pending[T any] struct {
	key  string
	seq  uint64
	done chan struct{}
	once sync.Once

	value T
	err   error

	timer  Timer
	detach func(*Pending[T]) bool
}

func newPending[T any](key string, seq uint64, detach func(*Pending[T]) bool) *Pending[T] {
	return &Pending[T]{
		key:    key,
		seq:    seq,
		done:   make(chan struct{}),
		detach: detach,
	}
}

// Key returns the correlation key.
func (p *Pending[T]) Key() string { return p.key }

// Done is closed once the request is settled.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the request settles or ctx ends. A cancelled wait
// withdraws the request so no stale entry is left behind.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel(ctx.Err())
		<-p.done
	}
	return p.value, p.err
}

// Cancel withdraws the request and settles it with err.
// It is a no-op if the request already settled.
func (p *Pending[T]) Cancel(err error) {
	if p.detach != nil {
		p.detach(p)
	}
	var zero T
	p.settle(zero, err)
}

func (p *Pending[T]) settle(v T, err error) bool {
	settled := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.value = v
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// Registry holds at most one pending request per key.
type Registry[T any] struct {
	mu      sync.Mutex
	clock   Clock
	seq     uint64
	entries map[string]*Pending[T]
}

// NewRegistry returns an empty registry. A nil clock means the wall clock.
func NewRegistry[T any](clock Clock) *Registry[T] {
	if clock == nil {
		clock = RealClock
	}
	return &Registry[T]{
		clock:   clock,
		entries: make(map[string]*Pending[T]),
	}
}

// Register installs a pending request under key. An existing request under
// the same key is rejected with ErrSuperseded and its timer is stopped.
// A non-positive timeout disables the deadline.
func (r *Registry[T]) Register(key string, timeout time.Duration) *Pending[T] {
	r.mu.Lock()
	old := r.entries[key]
	r.seq++
	p := newPending(key, r.seq, r.remove)
	r.entries[key] = p
	if timeout > 0 {
		p.timer = r.clock.AfterFunc(timeout, func() { r.expire(p) })
	}
	r.mu.Unlock()

	if old != nil {
		var zero T
		old.settle(zero, fmt.Errorf("%w: %s", ErrSuperseded, key))
	}
	return p
}

// Resolve settles the request registered under key with v.
func (r *Registry[T]) Resolve(key string, v T) bool {
	p := r.take(key)
	if p == nil {
		return false
	}
	return p.settle(v, nil)
}

// Reject settles the request registered under key with err.
func (r *Registry[T]) Reject(key string, err error) bool {
	p := r.take(key)
	if p == nil {
		return false
	}
	var zero T
	return p.settle(zero, err)
}

// ResolveByPrefix resolves the oldest request whose key starts with prefix.
// It is a fallback for responders that canonicalize the discriminator.
func (r *Registry[T]) ResolveByPrefix(prefix string, v T) bool {
	return r.ResolveOldest(func(key string) bool { return strings.HasPrefix(key, prefix) }, v)
}

// ResolveOldest resolves the oldest registration whose key satisfies match.
func (r *Registry[T]) ResolveOldest(match func(key string) bool, v T) bool {
	p := r.takeOldest(match)
	if p == nil {
		return false
	}
	return p.settle(v, nil)
}

// RejectByPrefix rejects the oldest request whose key starts with prefix.
func (r *Registry[T]) RejectByPrefix(prefix string, err error) bool {
	return r.RejectOldest(func(key string) bool { return strings.HasPrefix(key, prefix) }, err)
}

// RejectOldest rejects the oldest registration whose key satisfies match.
func (r *Registry[T]) RejectOldest(match func(key string) bool, err error) bool {
	p := r.takeOldest(match)
	if p == nil {
		return false
	}
	var zero T
	return p.settle(zero, err)
}

// RejectMatching rejects every request whose key satisfies match and
// returns how many were rejected.
func (r *Registry[T]) RejectMatching(match func(key string) bool, err error) int {
	r.mu.Lock()
	var taken []*Pending[T]
	for key, p := range r.entries {
		if match(key) {
			delete(r.entries, key)
			taken = append(taken, p)
		}
	}
	r.mu.Unlock()

	var zero T
	n := 0
	for _, p := range taken {
		if p.settle(zero, err) {
			n++
		}
	}
	return n
}

// RejectAll rejects every outstanding request.
func (r *Registry[T]) RejectAll(err error) int {
	return r.RejectMatching(func(string) bool { return true }, err)
}

// Len returns the number of outstanding requests.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the outstanding keys in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry[T]) take(key string) *Pending[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	return p
}

func (r *Registry[T]) takeOldest(match func(key string) bool) *Pending[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *Pending[T]
	for key, p := range r.entries {
		if !match(key) {
			continue
		}
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest != nil {
		delete(r.entries, oldest.key)
	}
	return oldest
}

// remove detaches p only if it is still the entry for its key.
func (r *Registry[T]) remove(p *Pending[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[p.key] != p {
		return false
	}
	delete(r.entries, p.key)
	return true
}

func (r *Registry[T]) expire(p *Pending[T]) {
	if !r.remove(p) {
		return
	}
	var zero T
	p.settle(zero, fmt.Errorf("%w: %s", ErrTimeout, p.key))
}
