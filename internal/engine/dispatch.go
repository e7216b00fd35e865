package engine

import (
	"fmt"
	"path"
	"strings"

	"github.com/sheerbytes/termxfer/internal/assembler"
	"github.com/sheerbytes/termxfer/internal/pending"
	"github.com/sheerbytes/termxfer/internal/progress"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// HandleEnvelope decodes and dispatches one inbound envelope. It is meant
// to be called from the channel's read loop, one envelope at a time.
func (s *Session) HandleEnvelope(env protocol.Envelope) {
	msg, err := protocol.DecodeInbound(env)
	if err != nil {
		s.log.Warn("dropping inbound event", "type", env.Type, "msg_id", env.MsgID, "error", err)
		return
	}
	s.Handle(msg)
}

// Handle dispatches one decoded inbound event.
func (s *Session) Handle(msg protocol.Inbound) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.log.Debug("session closed, dropping event", "type", msg.Event())
		return
	}

	switch m := msg.(type) {
	case protocol.Directory:
		if !resolveReply(s.lists, listKey(""), m.RequestPath, m.Path, m) {
			s.unmatched(m)
		}
	case protocol.StatResult:
		if !resolveReply(s.stats, statKey(""), m.RequestPath, m.Path, m) {
			s.unmatched(m)
		}
	case protocol.OperationResult:
		if !resolveReply(s.ops, opKey(m.Operation, ""), m.RequestPath, m.Path, m) {
			s.unmatched(m)
		}
	case protocol.UploadReady:
		s.handleUploadReady(m)
	case protocol.UploadAck:
		if !s.acks.Resolve(ackKey(m.TransferID, m.ChunkIndex), m) {
			s.unmatched(m, "transfer_id", m.TransferID, "chunk_index", m.ChunkIndex)
		}
	case protocol.DownloadReady:
		s.handleDownloadReady(m)
	case protocol.DownloadChunk:
		s.handleDownloadChunk(m)
	case protocol.Progress:
		s.handleProgress(m)
	case protocol.Complete:
		if !s.completes.Resolve(completeKey(m.TransferID), m) {
			s.unmatched(m, "transfer_id", m.TransferID)
		}
	case protocol.ErrorEvent:
		s.handleError(m)
	}
}

// resolveReply delivers a browse reply. An echoed request path is
// authoritative. Without one, the reported path is tried exactly and then
// the oldest request whose path the peer may have rewritten. A reply never
// lands on a request for a different canonical path.
func resolveReply[T any](r *pending.Registry[T], prefix, requestPath, reported string, v T) bool {
	if requestPath != "" {
		return r.Resolve(prefix+requestPath, v)
	}
	return r.Resolve(prefix+reported, v) || r.ResolveOldest(rewritable(prefix), v)
}

// rewritable matches keys under prefix whose path is shorthand, relative or
// not in clean form, the only paths a peer reports back differently.
func rewritable(prefix string) func(key string) bool {
	return func(key string) bool {
		p, ok := strings.CutPrefix(key, prefix)
		if !ok {
			return false
		}
		return p == "" || strings.HasPrefix(p, "~") || !strings.HasPrefix(p, "/") || path.Clean(p) != p
	}
}

func (s *Session) unmatched(msg protocol.Inbound, args ...any) {
	s.log.Debug("no pending request for event", append([]any{"type", msg.Event()}, args...)...)
}

func (s *Session) handleUploadReady(m protocol.UploadReady) {
	bindReady(s, s.uploadReady, m.RequestID, m.TransferID, m, protocol.DirectionUpload, nil)
}

func (s *Session) handleDownloadReady(m protocol.DownloadReady) {
	bindReady(s, s.downloadReady, m.RequestID, m.TransferID, m, protocol.DirectionDownload, func(t *transfer) {
		t.info.FileName = m.FileName
		t.info.TotalBytes = m.Size
		t.meter.SetTotal(m.Size)
		t.assembler = assembler.New(m.TransferID, m.FileName, m.Size, m.MimeType)
		t.complete = s.completes.Register(completeKey(m.TransferID), s.downloadTimeout)
	})
}

// bindReady creates the transfer record for a ready event and then releases
// the matching waiter. The record (and, for downloads, the assembler and the
// completion key) exists before the waiter runs, so events that follow the
// ready event on the wire always find it.
func bindReady[T any](s *Session, q *pending.Queue[T], requestID, id string, v T, dir protocol.Direction, setup func(*transfer)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	nonce := requestID
	if nonce == "" {
		nonce, _ = q.Front()
	}
	req, known := s.starting[nonce]
	if !known || req.direction != dir {
		s.mu.Unlock()
		s.log.Warn("ready event without a waiting request", "direction", dir, "transfer_id", id, "request_id", requestID)
		s.emitDetached(cancelFor(dir, id))
		return
	}

	t, err := s.addTransferLocked(id, req)
	if err != nil {
		q.RejectNonce(nonce, err)
		s.mu.Unlock()
		s.log.Warn("rejecting ready event", "transfer_id", id, "error", err)
		return
	}
	if setup != nil {
		setup(t)
	}
	if !q.Dequeue(nonce, v) {
		// The waiter gave up (timeout or context) in the meantime.
		if t.complete != nil {
			t.complete.Cancel(ErrTransferCancelled)
		}
		s.dropTransferLocked(id)
		s.mu.Unlock()
		s.emitDetached(cancelFor(dir, id))
		return
	}
	s.mu.Unlock()
}

func cancelFor(dir protocol.Direction, id string) protocol.Outbound {
	if dir == protocol.DirectionUpload {
		return protocol.UploadCancel{TransferID: id}
	}
	return protocol.DownloadCancel{TransferID: id}
}

func (s *Session) handleDownloadChunk(m protocol.DownloadChunk) {
	s.mu.Lock()
	t := s.transfers[m.TransferID]
	if t == nil || t.assembler == nil || t.info.Status.Terminal() {
		s.mu.Unlock()
		s.unmatched(m, "transfer_id", m.TransferID, "chunk_index", m.Index)
		return
	}
	err := t.assembler.AddChunk(m.Chunk)
	var u progressUpdate
	if err == nil {
		t.advance(t.assembler.BytesReceived())
		u = progressUpdate{info: t.snapshot(), own: t.onProgress}
	}
	s.mu.Unlock()

	if err != nil {
		s.fail(m.TransferID, fmt.Errorf("download chunk %d: %w", m.Index, err))
		s.emitDetached(protocol.DownloadCancel{TransferID: m.TransferID})
		return
	}
	s.notify(u)
}

// handleProgress applies a peer-side progress report. Byte counts only move
// forward; rate and ETA are taken as reported.
func (s *Session) handleProgress(m protocol.Progress) {
	s.mu.Lock()
	t := s.transfers[m.TransferID]
	if t == nil || t.info.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	t.meter.Set(m.BytesTransferred)
	t.info.BytesTransferred = max(t.info.BytesTransferred, m.BytesTransferred)
	t.info.PercentComplete = max(t.info.PercentComplete, progress.Percent(t.info.BytesTransferred, t.info.TotalBytes))
	t.info.BytesPerSecond = m.BytesPerSecond
	t.info.EstimatedSecondsRemaining = nil
	if m.EstimatedSecondsRemaining != nil {
		eta := *m.EstimatedSecondsRemaining
		t.info.EstimatedSecondsRemaining = &eta
	}
	u := progressUpdate{info: t.snapshot(), own: t.onProgress}
	s.mu.Unlock()
	s.notify(u)
}

// handleError routes an error event. A transfer ID wins; then the exact
// request key for the path; then the oldest request of the operation whose
// path the peer may have canonicalized.
func (s *Session) handleError(m protocol.ErrorEvent) {
	rerr := remoteError(m)

	if m.TransferID != "" {
		if !s.fail(m.TransferID, rerr) {
			s.log.Debug("error for unknown or finished transfer", "transfer_id", m.TransferID, "error", rerr)
		}
		return
	}

	if m.Path != "" && s.rejectExact(m.Operation, m.Path, rerr) {
		return
	}

	// With a path, only requests the peer may have rewritten are candidates.
	candidate := func(prefix string) func(string) bool {
		if m.Path != "" {
			return rewritable(prefix)
		}
		return func(key string) bool { return strings.HasPrefix(key, prefix) }
	}
	var ok bool
	switch m.Operation {
	case protocol.EventList:
		ok = s.lists.RejectOldest(candidate(listKey("")), rerr)
	case protocol.EventStat:
		ok = s.stats.RejectOldest(candidate(statKey("")), rerr)
	case protocol.EventMkdir, protocol.EventDelete:
		ok = s.ops.RejectOldest(candidate(opKey(m.Operation, "")), rerr)
	case protocol.EventUploadStart:
		ok = s.uploadReady.RejectNonce(m.RequestID, rerr) || s.uploadReady.RejectOldest(rerr)
	case protocol.EventDownloadStart:
		ok = s.downloadReady.RejectNonce(m.RequestID, rerr) || s.downloadReady.RejectOldest(rerr)
	}
	if !ok {
		s.log.Warn("unrouted error event", "operation", m.Operation, "path", m.Path, "code", m.Code, "message", m.Message)
	}
}

func (s *Session) rejectExact(op, path string, err error) bool {
	switch op {
	case protocol.EventList:
		return s.lists.Reject(listKey(path), err)
	case protocol.EventStat:
		return s.stats.Reject(statKey(path), err)
	case protocol.EventMkdir, protocol.EventDelete:
		return s.ops.Reject(opKey(op, path), err)
	case "":
		return s.lists.Reject(listKey(path), err) ||
			s.stats.Reject(statKey(path), err) ||
			s.ops.Reject(opKey(protocol.EventMkdir, path), err) ||
			s.ops.Reject(opKey(protocol.EventDelete, path), err)
	}
	return false
}
