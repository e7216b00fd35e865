// Package engine drives file browsing and chunked file transfers over a
// bidirectional named-event channel.
//
// A Session lives exactly as long as the channel it was created for. Every
// request waits on a correlated response from the peer; Close rejects
// everything still outstanding so no caller outlives the connection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/termxfer/internal/chunker"
	"github.com/sheerbytes/termxfer/internal/logging"
	"github.com/sheerbytes/termxfer/internal/pending"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultDownloadTimeout = 10 * time.Minute
)

var (
	// ErrNotConnected indicates an operation without an active channel.
	ErrNotConnected = errors.New("no active channel")
	// ErrDisconnected is the cause attached to everything flushed by Close.
	ErrDisconnected = errors.New("channel disconnected")
	// ErrTransferCancelled rejects requests of a cancelled transfer.
	ErrTransferCancelled = errors.New("transfer cancelled")
	// ErrUnknownTransfer indicates a transfer ID not in the table.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrTransferFinished indicates an operation on a terminal transfer.
	ErrTransferFinished = errors.New("transfer already finished")
	// ErrNoEntry indicates a stat response without an entry.
	ErrNoEntry = errors.New("no entry returned")
	// ErrNoDestination indicates a download with nowhere to put the file.
	ErrNoDestination = errors.New("download has no destination")
)

// Emitter sends one event to the peer. Channels implementing it are shared
// with the responder side, so it accepts any message; the session itself
// only ever emits protocol.Outbound values.
type Emitter interface {
	Emit(ctx context.Context, msg protocol.Message) error
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	Logger          *slog.Logger
	Clock           pending.Clock
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	// ChunkSize is used for uploads when the peer does not negotiate one.
	ChunkSize int
}

// Session owns all correlation state and the transfer table of one channel.
type Session struct {
	ch              Emitter
	log             *slog.Logger
	clock           pending.Clock
	requestTimeout  time.Duration
	downloadTimeout time.Duration
	chunkSize       int

	lists         *pending.Registry[protocol.Directory]
	stats         *pending.Registry[protocol.StatResult]
	ops           *pending.Registry[protocol.OperationResult]
	acks          *pending.Registry[protocol.UploadAck]
	completes     *pending.Registry[protocol.Complete]
	uploadReady   *pending.Queue[protocol.UploadReady]
	downloadReady *pending.Queue[protocol.DownloadReady]

	mu          sync.Mutex
	closed      bool
	starting    map[string]startRequest
	transfers   map[string]*transfer
	order       []string
	listeners   map[uint64]ProgressFunc
	listenerSeq uint64
}

// NewSession creates a session bound to ch.
func NewSession(ch Emitter, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = pending.RealClock
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	downloadTimeout := opts.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = DefaultDownloadTimeout
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	return &Session{
		ch:              ch,
		log:             logger,
		clock:           clock,
		requestTimeout:  requestTimeout,
		downloadTimeout: downloadTimeout,
		chunkSize:       chunkSize,
		lists:           pending.NewRegistry[protocol.Directory](clock),
		stats:           pending.NewRegistry[protocol.StatResult](clock),
		ops:             pending.NewRegistry[protocol.OperationResult](clock),
		acks:            pending.NewRegistry[protocol.UploadAck](clock),
		completes:       pending.NewRegistry[protocol.Complete](clock),
		uploadReady:     pending.NewQueue[protocol.UploadReady](protocol.EventUploadStart, clock),
		downloadReady:   pending.NewQueue[protocol.DownloadReady](protocol.EventDownloadStart, clock),
		starting:        make(map[string]startRequest),
		transfers:       make(map[string]*transfer),
		listeners:       make(map[uint64]ProgressFunc),
	}
}

// Enabled reports whether file operations are currently possible.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.ch != nil
}

// Close tears the session down: every pending request is rejected, every
// non-terminal transfer fails and the session stops accepting operations.
// cause may be nil.
func (s *Session) Close(cause error) {
	err := ErrDisconnected
	if cause != nil && !errors.Is(cause, ErrDisconnected) {
		err = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var updates []progressUpdate
	for _, id := range s.order {
		t := s.transfers[id]
		if t.info.Status.Terminal() {
			continue
		}
		t.terminate(StatusFailed, err)
		updates = append(updates, progressUpdate{info: t.snapshot(), own: t.onProgress})
	}
	clear(s.starting)
	s.mu.Unlock()

	n := s.lists.RejectAll(err) +
		s.stats.RejectAll(err) +
		s.ops.RejectAll(err) +
		s.acks.RejectAll(err) +
		s.completes.RejectAll(err) +
		s.uploadReady.RejectAll(err) +
		s.downloadReady.RejectAll(err)

	for _, u := range updates {
		s.notify(u)
	}
	s.log.Info("session closed", "rejected_requests", n, "failed_transfers", len(updates), "cause", err)
}

func (s *Session) emit(ctx context.Context, msg protocol.Outbound) error {
	if s.ch == nil {
		return ErrNotConnected
	}
	if err := s.ch.Emit(ctx, msg); err != nil {
		return fmt.Errorf("emit %s: %w", msg.Event(), err)
	}
	return nil
}

// emitDetached sends a best-effort notification outside any caller context.
func (s *Session) emitDetached(msg protocol.Outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.emit(ctx, msg); err != nil {
		s.log.Warn("notify peer failed", "event", msg.Event(), "error", err)
	}
}

// register installs a pending request unless the session is closed.
func register[T any](s *Session, r *pending.Registry[T], key string, timeout time.Duration) (*pending.Pending[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ch == nil {
		return nil, ErrNotConnected
	}
	return r.Register(key, timeout), nil
}

// registerFor installs a transfer-scoped pending request unless the
// transfer already reached a terminal status. Keys registered here are
// always rejected when the transfer terminates, because terminal statuses
// are set under the same lock before the keys are flushed.
func registerFor[T any](s *Session, id string, r *pending.Registry[T], key string, timeout time.Duration) (*pending.Pending[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transfers[id]
	switch {
	case t == nil:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	case t.info.Status.Terminal():
		return nil, t.err
	}
	return r.Register(key, timeout), nil
}

func listKey(path string) string { return "list:" + path }
func statKey(path string) string { return "stat:" + path }
func opKey(op, path string) string { return "op:" + op + ":" + path }
func ackPrefix(id string) string { return "ack:" + id + ":" }
func ackKey(id string, idx int) string { return fmt.Sprintf("%s%d", ackPrefix(id), idx) }
func completeKey(id string) string { return "complete:" + id }
