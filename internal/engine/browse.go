package engine

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// Listing is the answer to ListDirectory. Path is the canonical path the
// peer resolved, which can differ from the requested one (for example "~"
// expanded to a home directory); navigate from Path, not from the request.
type Listing struct {
	Path    string
	Entries []protocol.FileEntry
}

// ListDirectory lists the remote directory at path.
func (s *Session) ListDirectory(ctx context.Context, path string, showHidden bool) (*Listing, error) {
	p, err := register(s, s.lists, listKey(path), s.requestTimeout)
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, protocol.ListRequest{Path: path, ShowHidden: showHidden}); err != nil {
		p.Cancel(err)
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	dir, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if dir.Error != "" {
		return nil, &RemoteError{Operation: protocol.EventList, Path: firstNonEmpty(dir.Path, path), Message: dir.Error}
	}
	return &Listing{Path: dir.Path, Entries: dir.Entries}, nil
}

// Stat fetches the metadata of a single remote entry.
func (s *Session) Stat(ctx context.Context, path string) (*protocol.FileEntry, error) {
	p, err := register(s, s.stats, statKey(path), s.requestTimeout)
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, protocol.StatRequest{Path: path}); err != nil {
		p.Cancel(err)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case res.Error != "":
		return nil, &RemoteError{Operation: protocol.EventStat, Path: res.Path, Message: res.Error}
	case res.Entry == nil:
		return nil, fmt.Errorf("stat %s: %w", path, ErrNoEntry)
	}
	return res.Entry, nil
}

// Mkdir creates a remote directory. A zero mode leaves the permissions to
// the peer.
func (s *Session) Mkdir(ctx context.Context, path string, mode fs.FileMode) error {
	req := protocol.MkdirRequest{Path: path}
	if mode != 0 {
		m := uint32(mode.Perm())
		req.Mode = &m
	}
	return s.operation(ctx, req, protocol.EventMkdir, path)
}

// DeleteFile removes a remote file, or a directory when recursive is set.
func (s *Session) DeleteFile(ctx context.Context, path string, recursive bool) error {
	return s.operation(ctx, protocol.DeleteRequest{Path: path, Recursive: recursive}, protocol.EventDelete, path)
}

func (s *Session) operation(ctx context.Context, req protocol.Outbound, op, path string) error {
	p, err := register(s, s.ops, opKey(op, path), s.requestTimeout)
	if err != nil {
		return err
	}
	if err := s.emit(ctx, req); err != nil {
		p.Cancel(err)
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "operation failed"
		}
		return &RemoteError{Operation: op, Path: firstNonEmpty(res.Path, path), Message: msg}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
