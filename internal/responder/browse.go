package responder

import (
	"errors"
	"io/fs"
	"os"
	"path"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

const defaultDirMode = 0o755

func entryFor(virtual string, info fs.FileInfo) protocol.FileEntry {
	name := info.Name()
	if virtual == "/" {
		name = "/"
	}
	return protocol.FileEntry{
		Name:    name,
		Path:    virtual,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
}

func (r *Responder) list(m protocol.ListRequest) {
	virtual, host, err := r.resolve(m.Path)
	if err != nil {
		r.fail(protocol.EventList, m.Path, codeFor(err), err)
		return
	}
	dirents, err := os.ReadDir(host)
	if err != nil {
		r.fail(protocol.EventList, m.Path, codeFor(err), err)
		return
	}
	entries := make([]protocol.FileEntry, 0, len(dirents))
	for _, d := range dirents {
		if !m.ShowHidden && isHidden(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, entryFor(path.Join(virtual, d.Name()), info))
	}
	r.send(protocol.Directory{Path: virtual, RequestPath: m.Path, Entries: entries})
}

func (r *Responder) stat(m protocol.StatRequest) {
	virtual, host, err := r.resolve(m.Path)
	if err != nil {
		r.fail(protocol.EventStat, m.Path, codeFor(err), err)
		return
	}
	info, err := os.Stat(host)
	if err != nil {
		r.fail(protocol.EventStat, m.Path, codeFor(err), err)
		return
	}
	entry := entryFor(virtual, info)
	r.send(protocol.StatResult{Path: m.Path, RequestPath: m.Path, Entry: &entry})
}

func (r *Responder) mkdir(m protocol.MkdirRequest) {
	_, host, err := r.resolve(m.Path)
	if err != nil {
		r.fail(protocol.EventMkdir, m.Path, codeFor(err), err)
		return
	}
	mode := fs.FileMode(defaultDirMode)
	if m.Mode != nil {
		mode = fs.FileMode(*m.Mode).Perm()
	}
	if err := os.Mkdir(host, mode); err != nil {
		r.fail(protocol.EventMkdir, m.Path, codeFor(err), err)
		return
	}
	r.log.Info("directory created", "path", m.Path)
	r.send(protocol.OperationResult{Operation: protocol.EventMkdir, Path: m.Path, RequestPath: m.Path, Success: true})
}

func (r *Responder) delete(m protocol.DeleteRequest) {
	virtual, host, err := r.resolve(m.Path)
	if err != nil {
		r.fail(protocol.EventDelete, m.Path, codeFor(err), err)
		return
	}
	if virtual == "/" {
		r.fail(protocol.EventDelete, m.Path, protocol.CodeBadRequest, errors.New("refusing to delete the root"))
		return
	}
	info, err := os.Lstat(host)
	if err != nil {
		r.fail(protocol.EventDelete, m.Path, codeFor(err), err)
		return
	}
	if info.IsDir() && m.Recursive {
		err = os.RemoveAll(host)
	} else {
		err = os.Remove(host)
	}
	if err != nil {
		r.fail(protocol.EventDelete, m.Path, codeFor(err), err)
		return
	}
	r.log.Info("entry deleted", "path", m.Path, "recursive", m.Recursive)
	r.send(protocol.OperationResult{Operation: protocol.EventDelete, Path: m.Path, RequestPath: m.Path, Success: true})
}
