package responder

import (
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sheerbytes/termxfer/internal/chunker"
	"github.com/sheerbytes/termxfer/internal/progress"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// download is a file being pushed to the client by a background goroutine.
type download struct {
	id      string
	virtual string
	chunker *chunker.Chunker
}

func (r *Responder) startDownload(m protocol.DownloadStart) {
	reject := func(err error) {
		r.send(protocol.ErrorEvent{
			Operation: protocol.EventDownloadStart,
			Path:      m.RemotePath,
			RequestID: m.RequestID,
			Code:      codeFor(err),
			Message:   err.Error(),
		})
	}
	virtual, host, err := r.resolve(m.RemotePath)
	if err != nil {
		reject(err)
		return
	}
	f, err := os.Open(host)
	if err != nil {
		reject(err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		reject(err)
		return
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		reject(fmt.Errorf("%w: %s is not a regular file", errBadRequest, virtual))
		return
	}
	ch, err := chunker.New(f, info.Size(), r.chunkSize)
	if err != nil {
		_ = f.Close()
		reject(err)
		return
	}

	d := &download{id: uuid.NewString(), virtual: virtual, chunker: ch}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = f.Close()
		return
	}
	r.downloads[d.id] = d
	r.wg.Add(1)
	r.mu.Unlock()

	mimeType := mime.TypeByExtension(filepath.Ext(virtual))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	r.log.Info("transfer started",
		"transfer_id", d.id,
		"direction", protocol.DirectionDownload,
		"remote_path", virtual,
		"size", info.Size(),
	)
	// The ready event is queued before the first chunk.
	r.send(protocol.DownloadReady{
		RequestID:  m.RequestID,
		TransferID: d.id,
		FileName:   path.Base(virtual),
		Size:       info.Size(),
		MimeType:   mimeType,
	})
	go r.pushDownload(d, f)
}

func (r *Responder) pushDownload(d *download, f *os.File) {
	defer r.wg.Done()
	defer f.Close()
	defer func() {
		r.mu.Lock()
		delete(r.downloads, d.id)
		r.mu.Unlock()
	}()

	meter := progress.NewMeter()
	meter.Start(d.chunker.Size())
	for {
		chunk, err := d.chunker.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Warn("transfer failed", "transfer_id", d.id, "direction", protocol.DirectionDownload, "remote_path", d.virtual, "error", err)
			r.send(protocol.ErrorEvent{
				Operation:  protocol.EventDownloadStart,
				Path:       d.virtual,
				TransferID: d.id,
				Code:       protocol.CodeIO,
				Message:    err.Error(),
			})
			return
		}
		if chunk == nil {
			r.log.Info("transfer cancelled", "transfer_id", d.id, "direction", protocol.DirectionDownload, "remote_path", d.virtual)
			return
		}
		if err := r.out.Emit(r.ctx, protocol.DownloadChunk{TransferID: d.id, Chunk: *chunk}); err != nil {
			r.log.Debug("emit failed", "transfer_id", d.id, "error", err)
			return
		}
		meter.Set(d.chunker.Offset())
		if r.progress {
			r.sendProgress(d.id, meter.Snapshot())
		}
		if chunk.IsLast {
			break
		}
	}
	r.log.Info("transfer complete", "transfer_id", d.id, "direction", protocol.DirectionDownload, "remote_path", d.virtual, "bytes", d.chunker.Size())
	r.send(protocol.Complete{TransferID: d.id, Direction: protocol.DirectionDownload, BytesTransferred: d.chunker.Size()})
}

func (r *Responder) cancelDownload(id string) {
	r.mu.Lock()
	d := r.downloads[id]
	r.mu.Unlock()
	if d == nil {
		r.log.Debug("cancel for unknown download", "transfer_id", id)
		return
	}
	d.chunker.Cancel()
}
