// Package wsclient carries protocol envelopes over a WebSocket. The codec is
// negotiated through the WebSocket subprotocol, so both sides agree on text
// or binary frames before the first event.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/termxfer/internal/logging"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// SubprotocolPrefix is followed by the codec name, e.g. "termxfer.msgpack".
const SubprotocolPrefix = "termxfer."

const (
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is one WebSocket connection carrying envelopes.
type Conn struct {
	conn     *websocket.Conn
	codec    protocol.Codec
	logger   *slog.Logger
	sendChan chan []byte
	closing  chan struct{}
	done     chan struct{}
	writeMu  sync.Mutex

	closeOnce sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Subprotocol returns the subprotocol name that selects codec.
func Subprotocol(codec protocol.Codec) string {
	return SubprotocolPrefix + codec.Name()
}

// Dial establishes a WebSocket connection to the server.
// wsURL should be the full WebSocket URL including path.
func Dial(ctx context.Context, wsURL string, codec protocol.Codec, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if codec == nil {
		codec = protocol.JSON
	}

	d := dialer
	d.Subprotocols = []string{Subprotocol(codec)}
	conn, resp, err := d.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	if got := conn.Subprotocol(); got != "" && got != Subprotocol(codec) {
		_ = conn.Close()
		return nil, fmt.Errorf("server selected subprotocol %q, want %q", got, Subprotocol(codec))
	}
	return NewConn(conn, codec, logger), nil
}

// Upgrader accepts every subprotocol this package can speak.
func Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		Subprotocols: []string{Subprotocol(protocol.JSON), Subprotocol(protocol.Msgpack)},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
}

// Accept upgrades an HTTP request and picks the codec the client asked for.
// Clients that send no subprotocol get JSON.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Conn, error) {
	conn, err := Upgrader().Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	codec := protocol.JSON
	if name := strings.TrimPrefix(conn.Subprotocol(), SubprotocolPrefix); name != "" {
		if codec, err = protocol.CodecByName(name); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return NewConn(conn, codec, logger), nil
}

// NewConn wraps an established WebSocket and starts its writer.
func NewConn(conn *websocket.Conn, codec protocol.Codec, logger *slog.Logger) *Conn {
	if codec == nil {
		codec = protocol.JSON
	}
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Conn{
		conn:     conn,
		codec:    codec,
		logger:   logger,
		sendChan: make(chan []byte, 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Codec reports the codec in use.
func (c *Conn) Codec() protocol.Codec { return c.codec }

// ReadLoop reads messages and calls onEnv for each valid envelope. It
// returns nil when the peer closes normally and ctx.Err() when ctx ends.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.pingLoop(ctx)

	stop := context.AfterFunc(ctx, func() {
		// Closing the connection forces ReadMessage() to unblock instantly
		_ = c.conn.Close()
	})
	defer stop()

	want := websocket.TextMessage
	if c.codec.Binary() {
		want = websocket.BinaryMessage
	}
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != want {
			c.logger.Debug("ignoring frame", "message_type", messageType, "codec", c.codec.Name())
			continue
		}

		env, err := c.codec.Decode(message)
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

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Emit wraps msg in an envelope and queues it for the writer.
func (c *Conn) Emit(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.EncodeMessage(c.codec, msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

// Send queues an already built envelope.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	return c.enqueue(context.Background(), data)
}

// enqueue uses a buffered channel to serialize writes and avoid concurrent
// write issues.
func (c *Conn) enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop handles serialized writes. Frames queued before Close are
// flushed before the loop exits.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case data := <-c.sendChan:
			if err := c.write(data); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		case <-c.closing:
			for {
				select {
				case data := <-c.sendChan:
					if err := c.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(frameType, data)
}

// Close flushes queued frames, sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done // Wait for write loop to finish
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
