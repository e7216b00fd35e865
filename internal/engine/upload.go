package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/termxfer/internal/chunker"
	"github.com/sheerbytes/termxfer/internal/pending"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// LocalFile is the source of an upload.
type LocalFile struct {
	Name     string
	Size     int64
	MimeType string
	Reader   io.ReaderAt
}

// OpenLocalFile opens a regular file for upload. The caller closes it.
func OpenLocalFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &LocalFile{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType,
		Reader:   f,
	}, nil
}

// Close closes the underlying reader if it is closable.
func (f *LocalFile) Close() error {
	if c, ok := f.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// UploadOptions tunes one upload.
type UploadOptions struct {
	Overwrite bool
	// ChunkSize applies when the peer does not negotiate a chunk size.
	ChunkSize  int
	OnProgress ProgressFunc
}

// UploadFile sends file to remotePath and returns the transfer ID assigned
// by the peer. Exactly one chunk is in flight at a time: the next chunk is
// read only after the previous one was acknowledged. The call returns after
// the peer confirms completion. Any failure marks the transfer failed.
func (s *Session) UploadFile(ctx context.Context, file *LocalFile, remotePath string, opts UploadOptions) (string, error) {
	if file == nil || file.Reader == nil {
		return "", errors.New("upload: no local file")
	}
	if file.Size < 0 {
		return "", fmt.Errorf("upload %s: %w", file.Name, chunker.ErrInvalidSize)
	}

	nonce := uuid.NewString()
	wait, err := enqueueStart(s, s.uploadReady, nonce, startRequest{
		direction:  protocol.DirectionUpload,
		remotePath: remotePath,
		fileName:   file.Name,
		size:       file.Size,
		onProgress: opts.OnProgress,
	}, s.requestTimeout)
	if err != nil {
		return "", err
	}
	defer s.forgetStart(nonce)

	start := protocol.UploadStart{
		RequestID:  nonce,
		FileName:   file.Name,
		RemotePath: remotePath,
		Size:       file.Size,
		MimeType:   file.MimeType,
		Overwrite:  opts.Overwrite,
	}
	if err := s.emit(ctx, start); err != nil {
		wait.Cancel(err)
		return "", fmt.Errorf("upload %s: %w", file.Name, err)
	}
	ready, err := wait.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", file.Name, err)
	}

	id := ready.TransferID
	s.log.Info("transfer started",
		"transfer_id", id,
		"direction", protocol.DirectionUpload,
		"remote_path", remotePath,
		"size", file.Size,
	)

	chunkSize := ready.ChunkSize
	if chunkSize <= 0 {
		chunkSize = opts.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = s.chunkSize
	}
	if chunkSize > chunker.MaxChunkSize {
		s.log.Warn("negotiated chunk size above limit, clamping",
			"transfer_id", id,
			"chunk_size", chunkSize,
			"max", chunker.MaxChunkSize,
		)
	}
	ch, err := chunker.New(file.Reader, file.Size, chunkSize)
	if err != nil {
		return id, s.abandon(id, err)
	}
	if err := s.attachChunker(id, ch); err != nil {
		return id, err
	}

	if err := s.sendChunks(ctx, id, ch); err != nil {
		return id, s.abandon(id, err)
	}
	if err := s.finish(id, ""); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Session) attachChunker(id string, ch *chunker.Chunker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transfers[id]
	switch {
	case t == nil:
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	case t.info.Status.Terminal():
		return t.err
	}
	t.chunker = ch
	return nil
}

// sendChunks drives the one-chunk-in-flight loop and waits for the final
// completion event. The completion key is registered before the last chunk
// goes out so a fast peer cannot answer before anyone listens.
func (s *Session) sendChunks(ctx context.Context, id string, ch *chunker.Chunker) error {
	var done *pending.Pending[protocol.Complete]
	for {
		chunk, err := ch.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.emitDetached(protocol.UploadCancel{TransferID: id})
			}
			return err
		}
		if chunk == nil {
			break
		}

		if chunk.IsLast {
			done, err = registerFor(s, id, s.completes, completeKey(id), s.requestTimeout)
			if err != nil {
				return err
			}
		}
		ack, err := registerFor(s, id, s.acks, ackKey(id, chunk.Index), s.requestTimeout)
		if err != nil {
			return err
		}
		if err := s.emit(ctx, protocol.UploadChunk{TransferID: id, Chunk: *chunk}); err != nil {
			ack.Cancel(err)
			if done != nil {
				done.Cancel(err)
			}
			return err
		}
		res, err := ack.Wait(ctx)
		if err != nil {
			if done != nil {
				done.Cancel(err)
			}
			return err
		}
		s.advance(id, res.BytesReceived)
		if chunk.IsLast {
			break
		}
	}

	if done == nil {
		// The chunker stopped before its last chunk: the transfer was cancelled.
		return s.terminalErr(id, ErrTransferCancelled)
	}
	_, err := done.Wait(ctx)
	return err
}

// enqueueStart remembers a start request and queues its waiter. Both happen
// under the session lock so Close cannot slip in between.
func enqueueStart[T any](s *Session, q *pending.Queue[T], nonce string, req startRequest, timeout time.Duration) (*pending.Pending[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ch == nil {
		return nil, ErrNotConnected
	}
	s.starting[nonce] = req
	return q.Enqueue(nonce, timeout), nil
}

func (s *Session) forgetStart(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, nonce)
}
