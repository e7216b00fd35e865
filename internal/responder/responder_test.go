package responder

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// recorder collects every event the responder emits.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Message
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) Emit(_ context.Context, msg protocol.Message) error {
	r.mu.Lock()
	r.events = append(r.events, msg)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) take() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) last(t *testing.T) protocol.Message {
	t.Helper()
	events := r.take()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

// waitFor polls until an event of the given type has been emitted.
func (r *recorder) waitFor(t *testing.T, event string) []protocol.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var seen []protocol.Message
	for {
		seen = append(seen, r.take()...)
		for _, m := range seen {
			if m.Event() == event {
				return seen
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("no %s event, got %v", event, seen)
		}
	}
}

func newTestResponder(t *testing.T, chunkSize int) (*Responder, *recorder, string) {
	t.Helper()
	root := t.TempDir()
	rec := newRecorder()
	r, err := New(rec, Options{Root: root, ChunkSize: chunkSize})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, rec, root
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(newRecorder(), Options{})
	require.Error(t, err)
	_, err = New(newRecorder(), Options{Root: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestListHidesDotFiles(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, ".secret"), "s")
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))

	r.Handle(protocol.ListRequest{Path: "~"})
	dir, ok := rec.last(t).(protocol.Directory)
	require.True(t, ok)
	assert.Equal(t, "/", dir.Path)
	assert.Equal(t, "~", dir.RequestPath)
	var names []string
	for _, e := range dir.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.txt", "docs"}, names)
	assert.Equal(t, "/docs", dir.Entries[1].Path)
	assert.True(t, dir.Entries[1].IsDir)

	r.Handle(protocol.ListRequest{Path: "/", ShowHidden: true})
	dir = rec.last(t).(protocol.Directory)
	assert.Len(t, dir.Entries, 3)
}

func TestListMissingDirectory(t *testing.T) {
	r, rec, _ := newTestResponder(t, 0)
	r.Handle(protocol.ListRequest{Path: "/nope"})
	ev, ok := rec.last(t).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.EventList, ev.Operation)
	assert.Equal(t, "/nope", ev.Path)
	assert.Equal(t, protocol.CodeNotFound, ev.Code)
}

func TestPathsStayInsideRoot(t *testing.T) {
	r, _, root := newTestResponder(t, 0)
	tests := []struct {
		in      string
		virtual string
	}{
		{"", "/"},
		{"~", "/"},
		{"~/docs", "/docs"},
		{"../../etc/passwd", "/etc/passwd"},
		{"/a/../../b", "/b"},
	}
	for _, tt := range tests {
		virtual, host, err := r.resolve(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.virtual, virtual, tt.in)
		assert.Equal(t, filepath.Join(r.root, filepath.FromSlash(tt.virtual)), host, tt.in)
	}

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	_, _, err := r.resolve("/escape/file")
	assert.ErrorIs(t, err, errBadPath)
}

func TestStatMkdirDelete(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)

	mode := uint32(0o700)
	r.Handle(protocol.MkdirRequest{Path: "/new", Mode: &mode})
	res := rec.last(t).(protocol.OperationResult)
	assert.True(t, res.Success)
	assert.Equal(t, "/new", res.Path)
	assert.Equal(t, "/new", res.RequestPath)

	r.Handle(protocol.MkdirRequest{Path: "/new"})
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeExists, ev.Code)

	r.Handle(protocol.StatRequest{Path: "/new"})
	st := rec.last(t).(protocol.StatResult)
	require.NotNil(t, st.Entry)
	assert.True(t, st.Entry.IsDir)
	assert.Equal(t, "new", st.Entry.Name)
	assert.Equal(t, "/new", st.RequestPath)

	writeFile(t, filepath.Join(root, "new", "f.txt"), "x")
	r.Handle(protocol.DeleteRequest{Path: "/new"})
	ev = rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.EventDelete, ev.Operation)
	// ENOTEMPTY matches fs.ErrExist.
	assert.Equal(t, protocol.CodeExists, ev.Code)

	r.Handle(protocol.DeleteRequest{Path: "/new", Recursive: true})
	res = rec.last(t).(protocol.OperationResult)
	assert.True(t, res.Success)
	_, err := os.Stat(filepath.Join(root, "new"))
	assert.True(t, os.IsNotExist(err))

	r.Handle(protocol.DeleteRequest{Path: "~", Recursive: true})
	ev = rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeBadRequest, ev.Code)
}

func chunkOf(index int, data string, last bool) protocol.Chunk {
	return protocol.Chunk{Index: index, Data: base64.StdEncoding.EncodeToString([]byte(data)), IsLast: last}
}

func TestUploadWritesPartThenRenames(t *testing.T) {
	r, rec, root := newTestResponder(t, 4)

	r.Handle(protocol.UploadStart{RequestID: "n1", FileName: "hello.txt", RemotePath: "/", Size: 9})
	ready := rec.last(t).(protocol.UploadReady)
	assert.Equal(t, "n1", ready.RequestID)
	assert.Equal(t, 4, ready.ChunkSize)
	require.NotEmpty(t, ready.TransferID)

	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(0, "hell", false)})
	ack := rec.last(t).(protocol.UploadAck)
	assert.Equal(t, int64(4), ack.BytesReceived)
	_, err := os.Stat(filepath.Join(root, "hello.txt.part"))
	require.NoError(t, err)

	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(1, "o wo", false)})
	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(2, "r", true)})
	events := rec.take()
	require.Len(t, events, 3)
	assert.Equal(t, int64(9), events[1].(protocol.UploadAck).BytesReceived)
	done := events[2].(protocol.Complete)
	assert.Equal(t, ready.TransferID, done.TransferID)
	assert.Equal(t, int64(9), done.BytesTransferred)

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello wor", string(data))
	_, err = os.Stat(filepath.Join(root, "hello.txt.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadOverwritePolicy(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)
	writeFile(t, filepath.Join(root, "f.txt"), "old")

	r.Handle(protocol.UploadStart{RequestID: "n1", FileName: "f.txt", RemotePath: "/f.txt", Size: 3})
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.EventUploadStart, ev.Operation)
	assert.Equal(t, "n1", ev.RequestID)
	assert.Equal(t, protocol.CodeExists, ev.Code)

	r.Handle(protocol.UploadStart{RequestID: "n2", FileName: "f.txt", RemotePath: "/f.txt", Size: 3, Overwrite: true})
	ready := rec.last(t).(protocol.UploadReady)
	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(0, "new", true)})
	rec.take()
	data, err := os.ReadFile(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestUploadOutOfOrderAborts(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)
	r.Handle(protocol.UploadStart{FileName: "f.bin", RemotePath: "/", Size: 8})
	ready := rec.last(t).(protocol.UploadReady)

	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(1, "abcd", false)})
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, ready.TransferID, ev.TransferID)
	assert.Equal(t, protocol.CodeOutOfOrder, ev.Code)
	_, err := os.Stat(filepath.Join(root, "f.bin.part"))
	assert.True(t, os.IsNotExist(err))

	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(0, "abcd", false)})
	ev = rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeBadRequest, ev.Code)
}

func TestUploadShortLastChunk(t *testing.T) {
	r, rec, _ := newTestResponder(t, 0)
	r.Handle(protocol.UploadStart{FileName: "f.bin", RemotePath: "/", Size: 8})
	ready := rec.last(t).(protocol.UploadReady)

	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(0, "abc", true)})
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeBadRequest, ev.Code)
}

func TestUploadCancelRemovesPart(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)
	r.Handle(protocol.UploadStart{FileName: "f.bin", RemotePath: "/", Size: 8})
	ready := rec.last(t).(protocol.UploadReady)
	r.Handle(protocol.UploadChunk{TransferID: ready.TransferID, Chunk: chunkOf(0, "abcd", false)})
	rec.take()

	r.Handle(protocol.UploadCancel{TransferID: ready.TransferID})
	assert.Empty(t, rec.take())
	_, err := os.Stat(filepath.Join(root, "f.bin.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadRejectsBadNames(t *testing.T) {
	r, rec, _ := newTestResponder(t, 0)
	r.Handle(protocol.UploadStart{RequestID: "n", FileName: "../x", RemotePath: "/", Size: 1})
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeBadRequest, ev.Code)
	assert.Equal(t, "n", ev.RequestID)
}

func TestDownloadPushesChunks(t *testing.T) {
	r, rec, root := newTestResponder(t, 4)
	writeFile(t, filepath.Join(root, "docs", "notes.txt"), "0123456789")

	r.Handle(protocol.DownloadStart{RequestID: "n1", RemotePath: "/docs/notes.txt"})
	events := rec.waitFor(t, protocol.EventComplete)

	ready := events[0].(protocol.DownloadReady)
	assert.Equal(t, "n1", ready.RequestID)
	assert.Equal(t, "notes.txt", ready.FileName)
	assert.Equal(t, int64(10), ready.Size)
	assert.Contains(t, ready.MimeType, "text/plain")

	var got []byte
	var indexes []int
	for _, m := range events[1:] {
		if c, ok := m.(protocol.DownloadChunk); ok {
			assert.Equal(t, ready.TransferID, c.TransferID)
			data, err := base64.StdEncoding.DecodeString(c.Data)
			require.NoError(t, err)
			got = append(got, data...)
			indexes = append(indexes, c.Index)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, indexes)
	assert.Equal(t, "0123456789", string(got))
	done := events[len(events)-1].(protocol.Complete)
	assert.Equal(t, protocol.DirectionDownload, done.Direction)
}

func TestDownloadErrors(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	r.Handle(protocol.DownloadStart{RequestID: "a", RemotePath: "/missing"})
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.EventDownloadStart, ev.Operation)
	assert.Equal(t, "a", ev.RequestID)
	assert.Equal(t, protocol.CodeNotFound, ev.Code)

	r.Handle(protocol.DownloadStart{RequestID: "b", RemotePath: "/dir"})
	ev = rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeBadRequest, ev.Code)
}

func TestHandleEnvelopeRejectsInboundEvents(t *testing.T) {
	r, rec, _ := newTestResponder(t, 0)
	env, err := protocol.Wrap(protocol.Complete{TransferID: "x"})
	require.NoError(t, err)

	r.HandleEnvelope(env)
	ev := rec.last(t).(protocol.ErrorEvent)
	assert.Equal(t, protocol.CodeBadRequest, ev.Code)
	assert.Equal(t, protocol.EventComplete, ev.Operation)
}

func TestCloseDiscardsUploads(t *testing.T) {
	r, rec, root := newTestResponder(t, 0)
	r.Handle(protocol.UploadStart{FileName: "f.bin", RemotePath: "/", Size: 8})
	rec.take()

	r.Close()
	_, err := os.Stat(filepath.Join(root, "f.bin.part"))
	assert.True(t, os.IsNotExist(err))

	r.Handle(protocol.ListRequest{Path: "/"})
	assert.Empty(t, rec.take())
}
