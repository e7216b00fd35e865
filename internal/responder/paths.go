package responder

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var errBadPath = errors.New("path escapes the served root")

// resolve maps a client path onto the served tree. Client paths are
// slash-separated and rooted at "/"; "~" is the root as well. It returns
// the canonical client path and the host path.
func (r *Responder) resolve(p string) (string, string, error) {
	p = strings.TrimSpace(p)
	switch {
	case p == "" || p == "~":
		p = "/"
	case strings.HasPrefix(p, "~/"):
		p = p[1:]
	}
	if strings.ContainsRune(p, 0) {
		return "", "", fmt.Errorf("%w: %q", errBadPath, p)
	}
	virtual := path.Clean("/" + p)
	host := filepath.Join(r.root, filepath.FromSlash(virtual))
	if err := r.confined(host); err != nil {
		return "", "", err
	}
	return virtual, host, nil
}

// confined rejects host paths whose existing part resolves outside the root
// through a symlink.
func (r *Responder) confined(host string) error {
	probe := host
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rel, err := filepath.Rel(r.root, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s", errBadPath, host)
			}
			return nil
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("%w: %s", errBadPath, host)
		}
		probe = parent
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
