package quictransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sheerbytes/termxfer/internal/logging"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge indicates a length prefix above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// StreamConn frames envelopes on a byte stream as a 4-byte big-endian length
// followed by the codec bytes.
type StreamConn struct {
	rw      io.ReadWriteCloser
	codec   protocol.Codec
	logger  *slog.Logger
	onClose func() error
	remote  string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn frames envelopes over rw. Closing the conn closes rw.
func NewStreamConn(rw io.ReadWriteCloser, codec protocol.Codec, logger *slog.Logger) *StreamConn {
	return newStreamConn(rw, codec, logger, nil)
}

func newStreamConn(rw io.ReadWriteCloser, codec protocol.Codec, logger *slog.Logger, onClose func() error) *StreamConn {
	if codec == nil {
		codec = protocol.JSON
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &StreamConn{rw: rw, codec: codec, logger: logger, onClose: onClose}
}

// RemoteAddr returns the peer address, or "" for plain streams.
func (c *StreamConn) RemoteAddr() string { return c.remote }

// Emit wraps msg in an envelope and writes it as one frame.
func (c *StreamConn) Emit(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(c.codec, msg)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// Send writes an already built envelope.
func (c *StreamConn) Send(env protocol.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *StreamConn) writeFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := c.rw.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadLoop reads frames until the stream ends or ctx is cancelled and calls
// onEnv for every decodable envelope. A clean end of stream returns nil.
func (c *StreamConn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	r := bufio.NewReader(c.rw)
	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame header: %w", err)
		}
		n := binary.BigEndian.Uint32(header[:])
		if n > MaxFrameSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		env, err := c.codec.Decode(buf)
		if err != nil {
			c.logger.Warn("invalid envelope", "codec", c.codec.Name(), "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "codec", c.codec.Name(), "error", err)
			continue
		}
		onEnv(env)
	}
}

// Close closes the stream and the underlying connection.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
