package responder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sheerbytes/termxfer/internal/assembler"
	"github.com/sheerbytes/termxfer/internal/progress"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// upload is a file being received. Data lands in a ".part" file next to
// the target and is renamed into place after the last chunk.
type upload struct {
	id        string
	virtual   string
	target    string
	part      string
	file      *os.File
	size      int64
	received  int64
	next      int
	overwrite bool
	meter     *progress.Meter
}

func (u *upload) discard() {
	_ = u.file.Close()
	_ = os.Remove(u.part)
}

// uploadTarget picks the destination of an upload: an existing directory
// receives the file under its own name, anything else is the file path.
func (r *Responder) uploadTarget(m protocol.UploadStart) (string, string, error) {
	if err := assembler.ValidateFilename(m.FileName); err != nil {
		return "", "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	virtual, host, err := r.resolve(m.RemotePath)
	if err != nil {
		return "", "", err
	}
	if info, err := os.Stat(host); err == nil && info.IsDir() {
		virtual = path.Join(virtual, m.FileName)
		host = filepath.Join(host, m.FileName)
	}
	if virtual == "/" {
		return "", "", fmt.Errorf("%w: cannot upload onto the root", errBadRequest)
	}
	return virtual, host, nil
}

func (r *Responder) startUpload(m protocol.UploadStart) {
	reject := func(err error) {
		r.send(protocol.ErrorEvent{
			Operation: protocol.EventUploadStart,
			Path:      m.RemotePath,
			RequestID: m.RequestID,
			Code:      codeFor(err),
			Message:   err.Error(),
		})
	}
	if m.Size < 0 {
		reject(fmt.Errorf("%w: negative size %d", errBadRequest, m.Size))
		return
	}
	virtual, target, err := r.uploadTarget(m)
	if err != nil {
		reject(err)
		return
	}
	if info, err := os.Stat(target); err == nil {
		if info.IsDir() || !m.Overwrite {
			reject(fmt.Errorf("%s: %w", virtual, os.ErrExist))
			return
		}
	}
	part := target + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		reject(err)
		return
	}

	u := &upload{
		id:        uuid.NewString(),
		virtual:   virtual,
		target:    target,
		part:      part,
		file:      f,
		size:      m.Size,
		overwrite: m.Overwrite,
		meter:     progress.NewMeter(),
	}
	u.meter.Start(m.Size)

	r.mu.Lock()
	r.uploads[u.id] = u
	r.mu.Unlock()

	r.log.Info("transfer started",
		"transfer_id", u.id,
		"direction", protocol.DirectionUpload,
		"remote_path", virtual,
		"size", m.Size,
	)
	r.send(protocol.UploadReady{RequestID: m.RequestID, TransferID: u.id, ChunkSize: r.chunkSize})
}

func (r *Responder) uploadChunk(m protocol.UploadChunk) {
	r.mu.Lock()
	u := r.uploads[m.TransferID]
	r.mu.Unlock()
	if u == nil {
		r.send(protocol.ErrorEvent{
			Operation:  protocol.EventUploadChunk,
			TransferID: m.TransferID,
			Code:       protocol.CodeBadRequest,
			Message:    "unknown transfer",
		})
		return
	}

	if err := r.writeChunk(u, m.Chunk); err != nil {
		r.abortUpload(u, err)
		return
	}
	r.send(protocol.UploadAck{TransferID: u.id, ChunkIndex: m.Index, BytesReceived: u.received})
	if r.progress {
		r.sendProgress(u.id, u.meter.Snapshot())
	}
	if !m.IsLast {
		return
	}

	if err := r.commit(u); err != nil {
		r.abortUpload(u, err)
		return
	}
	r.mu.Lock()
	delete(r.uploads, u.id)
	r.mu.Unlock()
	r.log.Info("transfer complete", "transfer_id", u.id, "direction", protocol.DirectionUpload, "remote_path", u.virtual, "bytes", u.received)
	r.send(protocol.Complete{TransferID: u.id, Direction: protocol.DirectionUpload, BytesTransferred: u.received})
}

var errOutOfOrder = errors.New("chunk out of order")

func (r *Responder) writeChunk(u *upload, c protocol.Chunk) error {
	if c.Index != u.next {
		return fmt.Errorf("%w: got %d, want %d", errOutOfOrder, c.Index, u.next)
	}
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %v", errBadRequest, c.Index, err)
	}
	if u.received+int64(len(data)) > u.size {
		return fmt.Errorf("%w: chunk %d exceeds declared size %d", errBadRequest, c.Index, u.size)
	}
	if c.IsLast && u.received+int64(len(data)) != u.size {
		return fmt.Errorf("%w: received %d of %d bytes", errBadRequest, u.received+int64(len(data)), u.size)
	}
	if _, err := u.file.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", u.virtual, err)
	}
	u.received += int64(len(data))
	u.next++
	u.meter.Set(u.received)
	return nil
}

func (r *Responder) commit(u *upload) error {
	if err := u.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", u.virtual, err)
	}
	if err := u.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", u.virtual, err)
	}
	if !u.overwrite {
		if _, err := os.Stat(u.target); err == nil {
			return fmt.Errorf("%s: %w", u.virtual, os.ErrExist)
		}
	}
	if err := os.Rename(u.part, u.target); err != nil {
		return fmt.Errorf("rename %s: %w", u.virtual, err)
	}
	return nil
}

func (r *Responder) abortUpload(u *upload, err error) {
	r.mu.Lock()
	delete(r.uploads, u.id)
	r.mu.Unlock()
	u.discard()

	code := codeFor(err)
	if errors.Is(err, errOutOfOrder) {
		code = protocol.CodeOutOfOrder
	}
	r.log.Warn("transfer failed", "transfer_id", u.id, "direction", protocol.DirectionUpload, "remote_path", u.virtual, "error", err)
	r.send(protocol.ErrorEvent{
		Operation:  protocol.EventUploadChunk,
		Path:       u.virtual,
		TransferID: u.id,
		Code:       code,
		Message:    err.Error(),
	})
}

func (r *Responder) cancelUpload(id string) {
	r.mu.Lock()
	u := r.uploads[id]
	delete(r.uploads, id)
	r.mu.Unlock()
	if u == nil {
		r.log.Debug("cancel for unknown upload", "transfer_id", id)
		return
	}
	u.discard()
	r.log.Info("transfer cancelled", "transfer_id", id, "direction", protocol.DirectionUpload, "remote_path", u.virtual)
}

func (r *Responder) sendProgress(id string, st progress.Stats) {
	r.send(protocol.Progress{
		TransferID:                id,
		BytesTransferred:          st.BytesDone,
		PercentComplete:           st.Percent,
		BytesPerSecond:            st.RateBps,
		EstimatedSecondsRemaining: st.ETASeconds(),
	})
}
