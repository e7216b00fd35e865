// Package assembler reconstructs a downloaded file from its ordered chunks.
package assembler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

const (
	maxFilenameLength = 256
	maxPrealloc       = 64 * 1024 * 1024
)

var (
	// ErrOutOfOrder indicates a chunk index other than the next expected one.
	ErrOutOfOrder = errors.New("chunk out of order")
	// ErrOverflow indicates more bytes than the declared size.
	ErrOverflow = errors.New("chunk exceeds declared size")
	// ErrSizeMismatch indicates the last chunk arrived short of the declared size.
	ErrSizeMismatch = errors.New("size mismatch on last chunk")
	// ErrAlreadyComplete indicates a chunk after the last one.
	ErrAlreadyComplete = errors.New("download already complete")
	// ErrCancelled indicates the assembler was cancelled.
	ErrCancelled = errors.New("assembler cancelled")
	// ErrIncomplete indicates Download was called before the last chunk.
	ErrIncomplete = errors.New("download incomplete")
	// ErrAlreadyDownloaded indicates Download was already called.
	ErrAlreadyDownloaded = errors.New("download already materialized")
	// ErrInvalidFilename indicates a name that would escape the target directory.
	ErrInvalidFilename = errors.New("invalid filename")
)

// Assembler accumulates the chunks of one download in memory.
// Chunks must arrive in ascending index order without gaps.
type Assembler struct {
	mu sync.Mutex

	transferID string
	fileName   string
	mimeType   string
	total      int64

	buf        bytes.Buffer
	next       int
	complete   bool
	cancelled  bool
	downloaded bool
}

// New returns an empty assembler for a file of totalBytes bytes.
func New(transferID, fileName string, totalBytes int64, mimeType string) *Assembler {
	a := &Assembler{
		transferID: transferID,
		fileName:   fileName,
		mimeType:   mimeType,
		total:      totalBytes,
	}
	if totalBytes > 0 {
		a.buf.Grow(int(min(totalBytes, maxPrealloc)))
	}
	return a
}

// AddChunk appends the decoded chunk data.
func (a *Assembler) AddChunk(c protocol.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.cancelled:
		return ErrCancelled
	case a.complete:
		return fmt.Errorf("%w: chunk %d", ErrAlreadyComplete, c.Index)
	case c.Index != a.next:
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, c.Index, a.next)
	}

	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return fmt.Errorf("decode chunk %d: %w", c.Index, err)
	}
	received := int64(a.buf.Len()) + int64(len(data))
	if received > a.total {
		return fmt.Errorf("%w: %d > %d", ErrOverflow, received, a.total)
	}
	if c.IsLast && received != a.total {
		return fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, received, a.total)
	}

	a.buf.Write(data)
	a.next++
	a.complete = c.IsLast
	return nil
}

// TransferID returns the transfer this assembler belongs to.
func (a *Assembler) TransferID() string { return a.transferID }

// BytesReceived returns the number of decoded bytes accumulated so far.
func (a *Assembler) BytesReceived() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.buf.Len())
}

// Progress returns the completion percentage in [0, 100].
func (a *Assembler) Progress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total <= 0 {
		if a.complete {
			return 100
		}
		return 0
	}
	p := int(math.Round(float64(a.buf.Len()) / float64(a.total) * 100))
	return min(max(p, 0), 100)
}

// Complete reports whether the last chunk has been accepted.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete
}

// Download materializes the assembled file. It succeeds at most once and
// only after the last chunk.
func (a *Assembler) Download() (*File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.cancelled:
		return nil, ErrCancelled
	case !a.complete:
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, a.buf.Len(), a.total)
	case a.downloaded:
		return nil, ErrAlreadyDownloaded
	}
	a.downloaded = true
	data := a.buf.Bytes()
	a.buf = bytes.Buffer{}
	return &File{
		TransferID: a.transferID,
		Name:       a.fileName,
		MimeType:   a.mimeType,
		Data:       data,
	}, nil
}

// Cancel releases the buffer and makes the assembler inert.
func (a *Assembler) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
	a.buf = bytes.Buffer{}
}

// File is a fully assembled download.
type File struct {
	TransferID string
	Name       string
	MimeType   string
	Data       []byte
}

// Size returns the payload length.
func (f *File) Size() int64 { return int64(len(f.Data)) }

// WriteTo writes the payload to w.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Data)
	return int64(n), err
}

// SaveTo writes the payload into dir under the file's name and returns the
// final path. The data lands in a temporary file first and is renamed into
// place once fully written.
func (f *File) SaveTo(dir string) (string, error) {
	if err := ValidateFilename(f.Name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	final := filepath.Join(dir, f.Name)
	temp := final + ".part"
	if err := os.WriteFile(temp, f.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", temp, err)
	}
	if err := os.Rename(temp, final); err != nil {
		_ = os.Remove(temp)
		return "", fmt.Errorf("rename %s: %w", temp, err)
	}
	return final, nil
}

// ValidateFilename rejects names that are empty, too long, or could escape
// their directory.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if len(name) > maxFilenameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidFilename, maxFilenameLength)
	}
	return nil
}
