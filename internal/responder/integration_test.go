package responder_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/termxfer/internal/engine"
	"github.com/sheerbytes/termxfer/internal/responder"
	"github.com/sheerbytes/termxfer/internal/wsclient"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// connect starts a responder over a real WebSocket and returns a session
// talking to it.
func connect(t *testing.T, root string, codec protocol.Codec) *engine.Session {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsclient.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		resp, err := responder.New(conn, responder.Options{Root: root, ChunkSize: 16, ReportProgress: true})
		if err != nil {
			t.Errorf("responder.New() error = %v", err)
			return
		}
		defer resp.Close()
		_ = conn.ReadLoop(r.Context(), resp.HandleEnvelope)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := wsclient.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), codec, nil)
	require.NoError(t, err)

	s := engine.NewSession(conn, engine.Options{RequestTimeout: 5 * time.Second, DownloadTimeout: 10 * time.Second})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Close(conn.ReadLoop(ctx, s.HandleEnvelope))
	}()
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
		<-done
	})
	return s
}

func TestEngineAgainstResponder(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			root := t.TempDir()
			s := connect(t, root, codec)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			require.NoError(t, s.Mkdir(ctx, "/inbox", 0o755))

			payload := bytes.Repeat([]byte("termxfer "), 11)
			local := filepath.Join(t.TempDir(), "greeting.txt")
			require.NoError(t, os.WriteFile(local, payload, 0o644))
			file, err := engine.OpenLocalFile(local)
			require.NoError(t, err)
			defer file.Close()

			var mu sync.Mutex
			var percents []int
			id, err := s.UploadFile(ctx, file, "/inbox", engine.UploadOptions{
				OnProgress: func(tr engine.Transfer) {
					mu.Lock()
					percents = append(percents, tr.PercentComplete)
					mu.Unlock()
				},
			})
			require.NoError(t, err)
			got, err := os.ReadFile(filepath.Join(root, "inbox", "greeting.txt"))
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			tr, ok := s.Transfer(id)
			require.True(t, ok)
			assert.Equal(t, engine.StatusCompleted, tr.Status)
			assert.Equal(t, 100, tr.PercentComplete)
			mu.Lock()
			assert.IsNonDecreasing(t, percents)
			mu.Unlock()

			listing, err := s.ListDirectory(ctx, "~/inbox", false)
			require.NoError(t, err)
			assert.Equal(t, "/inbox", listing.Path)
			require.Len(t, listing.Entries, 1)
			assert.Equal(t, int64(len(payload)), listing.Entries[0].Size)

			_, err = s.UploadFile(ctx, file, "/inbox", engine.UploadOptions{})
			assert.ErrorIs(t, err, fs.ErrExist)

			dest := t.TempDir()
			id, err = s.DownloadFile(ctx, "/inbox/greeting.txt", engine.DownloadOptions{DestDir: dest})
			require.NoError(t, err)
			got, err = os.ReadFile(filepath.Join(dest, "greeting.txt"))
			require.NoError(t, err)
			assert.Equal(t, payload, got)
			tr, _ = s.Transfer(id)
			assert.Equal(t, filepath.Join(dest, "greeting.txt"), tr.LocalPath)

			entry, err := s.Stat(ctx, "/inbox/greeting.txt")
			require.NoError(t, err)
			assert.False(t, entry.IsDir)

			require.NoError(t, s.DeleteFile(ctx, "/inbox", true))
			_, err = s.Stat(ctx, "/inbox")
			assert.ErrorIs(t, err, fs.ErrNotExist)
			var rerr *engine.RemoteError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, protocol.EventStat, rerr.Operation)

			_, err = s.DownloadFile(ctx, "/missing.bin", engine.DownloadOptions{DestDir: dest})
			assert.ErrorIs(t, err, fs.ErrNotExist)
		})
	}
}

func TestEngineDisconnectFailsPending(t *testing.T) {
	root := t.TempDir()
	s := connect(t, root, protocol.JSON)
	require.True(t, s.Enabled())

	s.Close(nil)
	assert.False(t, s.Enabled())
	_, err := s.ListDirectory(context.Background(), "/", false)
	assert.ErrorIs(t, err, engine.ErrNotConnected)
}
