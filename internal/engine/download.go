package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sheerbytes/termxfer/internal/assembler"
	"github.com/sheerbytes/termxfer/internal/pending"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// DownloadOptions tunes one download. Either Save or DestDir must be set.
type DownloadOptions struct {
	// DestDir receives the file under its remote name.
	DestDir string
	// Save consumes the assembled file instead of writing it to DestDir.
	Save       func(*assembler.File) error
	OnProgress ProgressFunc
}

// DownloadFile fetches remotePath and returns the transfer ID assigned by the
// peer. The peer pushes chunks at its own pace; the call returns once the
// peer confirms completion and the assembled file was saved.
func (s *Session) DownloadFile(ctx context.Context, remotePath string, opts DownloadOptions) (string, error) {
	var savedPath string
	save := opts.Save
	if save == nil {
		if opts.DestDir == "" {
			return "", ErrNoDestination
		}
		save = func(f *assembler.File) error {
			path, err := f.SaveTo(opts.DestDir)
			savedPath = path
			return err
		}
	}

	nonce := uuid.NewString()
	wait, err := enqueueStart(s, s.downloadReady, nonce, startRequest{
		direction:  protocol.DirectionDownload,
		remotePath: remotePath,
		onProgress: opts.OnProgress,
	}, s.requestTimeout)
	if err != nil {
		return "", err
	}
	defer s.forgetStart(nonce)

	if err := s.emit(ctx, protocol.DownloadStart{RequestID: nonce, RemotePath: remotePath}); err != nil {
		wait.Cancel(err)
		return "", fmt.Errorf("download %s: %w", remotePath, err)
	}
	ready, err := wait.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", remotePath, err)
	}

	id := ready.TransferID
	s.log.Info("transfer started",
		"transfer_id", id,
		"direction", protocol.DirectionDownload,
		"remote_path", remotePath,
		"size", ready.Size,
	)

	s.mu.Lock()
	var (
		done *pending.Pending[protocol.Complete]
		asm  *assembler.Assembler
	)
	if t := s.transfers[id]; t != nil {
		done, asm = t.complete, t.assembler
	}
	s.mu.Unlock()
	if done == nil || asm == nil {
		return id, s.terminalErr(id, fmt.Errorf("%w: %s", ErrUnknownTransfer, id))
	}

	if _, err := done.Wait(ctx); err != nil {
		return id, s.abandon(id, err)
	}
	file, err := asm.Download()
	if err != nil {
		return id, s.abandon(id, err)
	}
	if err := save(file); err != nil {
		return id, s.abandon(id, fmt.Errorf("save %s: %w", file.Name, err))
	}
	if err := s.finish(id, savedPath); err != nil {
		return id, err
	}
	return id, nil
}
