package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sheerbytes/termxfer/internal/assembler"
	"github.com/sheerbytes/termxfer/internal/chunker"
	"github.com/sheerbytes/termxfer/internal/pending"
	"github.com/sheerbytes/termxfer/internal/progress"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transfer is a snapshot of one upload or download.
type Transfer struct {
	ID               string
	Direction        protocol.Direction
	RemotePath       string
	FileName         string
	TotalBytes       int64
	BytesTransferred int64
	PercentComplete  int
	BytesPerSecond   float64
	// EstimatedSecondsRemaining is nil while the rate is unknown.
	EstimatedSecondsRemaining *float64
	StartedAt                 time.Time
	Status                    Status
	Error                     string
	// LocalPath is where a completed download was saved, if known.
	LocalPath string
}

// ProgressFunc observes transfer updates. It runs on the goroutine that
// produced the update and must not block.
type ProgressFunc func(Transfer)

type progressUpdate struct {
	info Transfer
	own  ProgressFunc
}

// startRequest is what the engine remembers about a start request until the
// peer answers it with a transfer ID.
type startRequest struct {
	direction  protocol.Direction
	remotePath string
	fileName   string
	size       int64
	onProgress ProgressFunc
}

type transfer struct {
	info       Transfer
	err        error
	meter      *progress.Meter
	onProgress ProgressFunc

	chunker   *chunker.Chunker
	assembler *assembler.Assembler
	complete  *pending.Pending[protocol.Complete]
}

func (t *transfer) snapshot() Transfer {
	info := t.info
	if t.info.EstimatedSecondsRemaining != nil {
		eta := *t.info.EstimatedSecondsRemaining
		info.EstimatedSecondsRemaining = &eta
	}
	return info
}

// advance records the peer's view of bytes transferred and recomputes the
// cumulative-average rate and ETA. Byte counts never go backwards.
func (t *transfer) advance(bytes int64) {
	t.meter.Set(bytes)
	st := t.meter.Snapshot()
	t.info.BytesTransferred = max(t.info.BytesTransferred, st.BytesDone)
	t.info.PercentComplete = max(t.info.PercentComplete, st.Percent)
	t.info.BytesPerSecond = st.RateBps
	t.info.EstimatedSecondsRemaining = st.ETASeconds()
}

// terminate moves the transfer into a terminal status and releases its
// chunker or assembler. The first terminal status wins.
func (t *transfer) terminate(status Status, err error) bool {
	if t.info.Status.Terminal() {
		return false
	}
	t.info.Status = status
	t.err = err
	if err != nil {
		t.info.Error = err.Error()
	}
	if status == StatusCompleted {
		t.info.BytesTransferred = max(t.info.BytesTransferred, t.info.TotalBytes)
		t.info.PercentComplete = 100
		zero := 0.0
		t.info.EstimatedSecondsRemaining = &zero
	}
	if t.chunker != nil {
		t.chunker.Cancel()
	}
	if t.assembler != nil && status != StatusCompleted {
		t.assembler.Cancel()
	}
	t.assembler = nil
	t.complete = nil
	return true
}

// addTransferLocked creates an active record for id. It fails on a
// duplicate ID. Callers hold s.mu.
func (s *Session) addTransferLocked(id string, req startRequest) (*transfer, error) {
	if _, ok := s.transfers[id]; ok {
		return nil, fmt.Errorf("duplicate transfer id %q", id)
	}
	t := &transfer{
		info: Transfer{
			ID:         id,
			Direction:  req.direction,
			RemotePath: req.remotePath,
			FileName:   req.fileName,
			TotalBytes: req.size,
			StartedAt:  s.clock.Now(),
			Status:     StatusActive,
		},
		meter:      progress.NewMeterWithNow(s.clock.Now),
		onProgress: req.onProgress,
	}
	t.meter.Start(req.size)
	s.transfers[id] = t
	s.order = append(s.order, id)
	return t, nil
}

// dropTransferLocked forgets a record that never became visible to a caller.
func (s *Session) dropTransferLocked(id string) {
	delete(s.transfers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Transfer returns a snapshot of one transfer.
func (s *Session) Transfer(id string) (Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return t.snapshot(), true
}

// ActiveTransfers returns the non-terminal transfers in start order.
func (s *Session) ActiveTransfers() []Transfer {
	return s.collect(func(t *transfer) bool { return !t.info.Status.Terminal() })
}

// AllTransfers returns every transfer in start order.
func (s *Session) AllTransfers() []Transfer {
	return s.collect(func(*transfer) bool { return true })
}

func (s *Session) collect(keep func(*transfer) bool) []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, 0, len(s.order))
	for _, id := range s.order {
		if t := s.transfers[id]; keep(t) {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// ClearCompletedTransfers drops completed, failed and cancelled records and
// returns how many were removed.
func (s *Session) ClearCompletedTransfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if s.transfers[id].info.Status.Terminal() {
			delete(s.transfers, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// OnProgress registers fn for updates of every transfer. The returned
// function unregisters it.
func (s *Session) OnProgress(fn ProgressFunc) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) notify(u progressUpdate) {
	if u.own != nil {
		u.own(u.info)
	}
	s.mu.Lock()
	fns := make([]ProgressFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u.info)
	}
}

// advance applies an acknowledged or received byte count.
func (s *Session) advance(id string, bytes int64) {
	s.mu.Lock()
	t := s.transfers[id]
	if t == nil || t.info.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	t.advance(bytes)
	u := progressUpdate{info: t.snapshot(), own: t.onProgress}
	s.mu.Unlock()
	s.notify(u)
}

// finish marks a transfer completed unless it already terminated, in which
// case the terminal error is returned.
func (s *Session) finish(id, localPath string) error {
	s.mu.Lock()
	t := s.transfers[id]
	if t == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if !t.terminate(StatusCompleted, nil) {
		err := t.err
		s.mu.Unlock()
		return err
	}
	t.info.LocalPath = localPath
	u := progressUpdate{info: t.snapshot(), own: t.onProgress}
	s.mu.Unlock()

	s.log.Info("transfer completed",
		"transfer_id", id,
		"direction", u.info.Direction,
		"remote_path", u.info.RemotePath,
		"bytes", u.info.BytesTransferred,
	)
	s.notify(u)
	return nil
}

// fail marks a transfer failed and rejects every request still waiting on
// it. It reports whether the status changed; a terminal status is never
// overwritten.
func (s *Session) fail(id string, err error) bool {
	s.mu.Lock()
	t := s.transfers[id]
	changed := t != nil && t.terminate(StatusFailed, err)
	var u progressUpdate
	if changed {
		u = progressUpdate{info: t.snapshot(), own: t.onProgress}
	}
	s.mu.Unlock()

	s.rejectTransferKeys(id, err)
	if changed {
		s.log.Warn("transfer failed",
			"transfer_id", id,
			"direction", u.info.Direction,
			"remote_path", u.info.RemotePath,
			"error", err,
		)
		s.notify(u)
	}
	return changed
}

// CancelTransfer stops a transfer locally, notifies the peer and rejects
// every request still waiting on it with ErrTransferCancelled.
func (s *Session) CancelTransfer(ctx context.Context, id string) error {
	s.mu.Lock()
	t := s.transfers[id]
	if t == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if !t.terminate(StatusCancelled, ErrTransferCancelled) {
		status := t.info.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTransferFinished, id, status)
	}
	u := progressUpdate{info: t.snapshot(), own: t.onProgress}
	s.mu.Unlock()

	var msg protocol.Outbound = protocol.DownloadCancel{TransferID: id}
	if u.info.Direction == protocol.DirectionUpload {
		msg = protocol.UploadCancel{TransferID: id}
	}
	emitErr := s.emit(ctx, msg)

	n := s.rejectTransferKeys(id, ErrTransferCancelled)
	s.log.Info("transfer cancelled",
		"transfer_id", id,
		"direction", u.info.Direction,
		"remote_path", u.info.RemotePath,
		"rejected_requests", n,
	)
	s.notify(u)
	return emitErr
}

// terminalErr returns the error a terminal transfer ended with, or fallback.
func (s *Session) terminalErr(id string, fallback error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.transfers[id]; t != nil && t.err != nil {
		return t.err
	}
	return fallback
}

// abandon settles a transfer whose driving call failed with err. A caller
// giving up through its context cancels the transfer; anything else fails it.
func (s *Session) abandon(id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cerr := s.CancelTransfer(context.Background(), id); cerr != nil {
			s.log.Debug("cancel after context end", "transfer_id", id, "error", cerr)
		}
		return err
	}
	s.fail(id, err)
	return s.terminalErr(id, err)
}

func (s *Session) rejectTransferKeys(id string, err error) int {
	prefix := ackPrefix(id)
	n := s.acks.RejectMatching(func(key string) bool { return strings.HasPrefix(key, prefix) }, err)
	if s.completes.Reject(completeKey(id), err) {
		n++
	}
	return n
}
