package engine

import (
	"io/fs"
	"strings"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// RemoteError is a failure reported by the peer.
type RemoteError struct {
	Operation  string
	Path       string
	TransferID string
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.TransferID != "" {
		b.WriteString(" [")
		b.WriteString(e.TransferID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	return b.String()
}

// Is maps well-known codes onto the fs sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == protocol.CodeNotFound
	case fs.ErrExist:
		return e.Code == protocol.CodeExists
	}
	return false
}

func remoteError(ev protocol.ErrorEvent) *RemoteError {
	return &RemoteError{
		Operation:  ev.Operation,
		Path:       ev.Path,
		TransferID: ev.TransferID,
		Code:       ev.Code,
		Message:    ev.Message,
	}
}
