// Package bufpool recycles fixed-size read buffers for chunking.
package bufpool

import (
	"sync"
)

// Pool hands out *[]byte buffers of exactly one size. Pointers are pooled
// so that Put does not allocate.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

var shared sync.Map // map[int]*Pool

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// For returns the process-wide pool for bufSize, creating it on first use.
func For(bufSize int) *Pool {
	if p, ok := shared.Load(bufSize); ok {
		return p.(*Pool)
	}
	actual, _ := shared.LoadOrStore(bufSize, New(bufSize))
	return actual.(*Pool)
}

// Get returns a buffer of length BufSize.
func (p *Pool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	if cap(*b) < p.bufSize {
		nb := make([]byte, p.bufSize)
		return &nb
	}
	*b = (*b)[:p.bufSize]
	return b
}

// Put returns a buffer for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.bufSize {
		return
	}
	p.pool.Put(b)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
