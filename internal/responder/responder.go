// Package responder serves the transfer protocol against a local directory
// tree. One Responder handles one connection.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sheerbytes/termxfer/internal/chunker"
	"github.com/sheerbytes/termxfer/internal/logging"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// Sender delivers events to the connected client.
type Sender interface {
	Emit(ctx context.Context, msg protocol.Message) error
}

// Options configures a Responder.
type Options struct {
	// Root is the directory exposed as "/". Required.
	Root string
	// ChunkSize is offered to uploaders and used for downloads.
	ChunkSize int
	// ReportProgress makes the responder emit progress events.
	ReportProgress bool
	Logger         *slog.Logger
}

// Responder answers client requests for one connection.
type Responder struct {
	out       Sender
	root      string
	chunkSize int
	progress  bool
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	uploads   map[string]*upload
	downloads map[string]*download
}

// New returns a responder serving opts.Root over out.
func New(out Sender, opts Options) (*Responder, error) {
	if opts.Root == "" {
		return nil, errors.New("responder: root directory is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 || chunkSize > chunker.MaxChunkSize {
		chunkSize = chunker.DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		out:       out,
		root:      root,
		chunkSize: chunkSize,
		progress:  opts.ReportProgress,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
		uploads:   make(map[string]*upload),
		downloads: make(map[string]*download),
	}, nil
}

// HandleEnvelope decodes and handles one client envelope. It is meant to be
// called from the connection's read loop.
func (r *Responder) HandleEnvelope(env protocol.Envelope) {
	msg, err := protocol.DecodeOutbound(env)
	if err != nil {
		r.log.Warn("dropping client event", "type", env.Type, "msg_id", env.MsgID, "error", err)
		r.send(protocol.ErrorEvent{Operation: env.Type, Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	r.Handle(msg)
}

// Handle answers one decoded client event. Downloads continue in the
// background; everything else completes before Handle returns.
func (r *Responder) Handle(msg protocol.Outbound) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	switch m := msg.(type) {
	case protocol.ListRequest:
		r.list(m)
	case protocol.StatRequest:
		r.stat(m)
	case protocol.MkdirRequest:
		r.mkdir(m)
	case protocol.DeleteRequest:
		r.delete(m)
	case protocol.UploadStart:
		r.startUpload(m)
	case protocol.UploadChunk:
		r.uploadChunk(m)
	case protocol.UploadCancel:
		r.cancelUpload(m.TransferID)
	case protocol.DownloadStart:
		r.startDownload(m)
	case protocol.DownloadCancel:
		r.cancelDownload(m.TransferID)
	}
}

// Close stops running downloads and discards unfinished uploads.
func (r *Responder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	uploads := r.uploads
	r.uploads = make(map[string]*upload)
	for _, d := range r.downloads {
		d.chunker.Cancel()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	for id, u := range uploads {
		u.discard()
		r.log.Info("upload discarded", "transfer_id", id, "remote_path", u.virtual)
	}
}

func (r *Responder) send(msg protocol.Message) {
	if err := r.out.Emit(r.ctx, msg); err != nil {
		r.log.Debug("emit failed", "type", msg.Event(), "error", err)
	}
}

func (r *Responder) fail(op, path string, code string, err error) {
	r.send(protocol.ErrorEvent{Operation: op, Path: path, Code: code, Message: err.Error()})
}

// codeFor maps local file system errors onto protocol error codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, errBadPath), errors.Is(err, errBadRequest):
		return protocol.CodeBadRequest
	case errors.Is(err, fs.ErrNotExist):
		return protocol.CodeNotFound
	case errors.Is(err, fs.ErrExist):
		return protocol.CodeExists
	default:
		return protocol.CodeIO
	}
}

var errBadRequest = errors.New("bad request")
