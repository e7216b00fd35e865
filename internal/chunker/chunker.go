// Package chunker splits a local file into ordered, transport-safe chunks.
package chunker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/termxfer/internal/bufpool"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// DefaultChunkSize is used when no chunk size was negotiated.
const DefaultChunkSize = 64 * 1024

// MaxChunkSize bounds negotiated chunk sizes.
const MaxChunkSize = 4 * 1024 * 1024

// ErrInvalidSize indicates a negative file size.
var ErrInvalidSize = errors.New("invalid file size")

// Chunker produces the chunks of one file strictly in order.
// Every file yields exactly one chunk with IsLast set; an empty file yields
// a single empty chunk.
type Chunker struct {
	mu        sync.Mutex
	r         io.ReaderAt
	size      int64
	chunkSize int
	offset    int64
	index     int
	done      bool
	cancelled atomic.Bool
}

// New returns a chunker over r, which holds size bytes.
// A non-positive chunkSize means DefaultChunkSize; larger ones are clamped
// to MaxChunkSize.
func New(r io.ReaderAt, size int64, chunkSize int) (*Chunker, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkSize = min(chunkSize, MaxChunkSize)
	return &Chunker{r: r, size: size, chunkSize: chunkSize}, nil
}

// Next reads and encodes the next chunk. It returns nil, nil once the file
// is exhausted or the chunker was cancelled. Read errors are returned as is
// and must be treated as a transfer failure.
func (c *Chunker) Next(ctx context.Context) (*protocol.Chunk, error) {
	if c.cancelled.Load() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil, nil
	}

	n := c.size - c.offset
	if n > int64(c.chunkSize) {
		n = int64(c.chunkSize)
	}

	pool := bufpool.For(c.chunkSize)
	buf := pool.Get()
	defer pool.Put(buf)
	data := (*buf)[:n]

	if n > 0 {
		read, err := c.r.ReadAt(data, c.offset)
		if int64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read chunk %d at offset %d: %w", c.index, c.offset, err)
		}
	}
	if c.cancelled.Load() {
		return nil, nil
	}

	c.offset += n
	chunk := &protocol.Chunk{
		Index:  c.index,
		Data:   base64.StdEncoding.EncodeToString(data),
		IsLast: c.offset >= c.size,
	}
	c.index++
	c.done = chunk.IsLast
	return chunk, nil
}

// Cancel makes every subsequent Next return nil immediately.
func (c *Chunker) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (c *Chunker) Cancelled() bool {
	return c.cancelled.Load()
}

// Offset returns the number of bytes already emitted.
func (c *Chunker) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Size returns the file size.
func (c *Chunker) Size() int64 { return c.size }

// ChunkSize returns the effective chunk size.
func (c *Chunker) ChunkSize() int { return c.chunkSize }
