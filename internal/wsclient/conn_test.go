package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// echoServer answers every list request with a directory for the same path.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.ReadLoop(r.Context(), func(env protocol.Envelope) {
			msg, err := protocol.DecodeOutbound(env)
			if err != nil {
				return
			}
			if req, ok := msg.(protocol.ListRequest); ok {
				_ = conn.Emit(r.Context(), protocol.Directory{Path: req.Path})
			}
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialRoundTrip(t *testing.T) {
	srv := echoServer(t)
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := Dial(ctx, wsURL(srv), codec, nil)
			require.NoError(t, err)
			defer conn.Close()
			assert.Equal(t, codec.Name(), conn.Codec().Name())

			got := make(chan protocol.Envelope, 1)
			go func() {
				_ = conn.ReadLoop(ctx, func(env protocol.Envelope) { got <- env })
			}()

			require.NoError(t, conn.Emit(ctx, protocol.ListRequest{Path: "/srv"}))
			select {
			case env := <-got:
				msg, err := protocol.DecodeInbound(env)
				require.NoError(t, err)
				dir, ok := msg.(protocol.Directory)
				require.True(t, ok, "got %T", msg)
				assert.Equal(t, "/srv", dir.Path)
			case <-ctx.Done():
				t.Fatal("no response")
			}
		})
	}
}

func TestDialUpgradeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), protocol.JSON, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket upgrade failed (403): nope")
}

func TestEmitAfterClose(t *testing.T) {
	srv := echoServer(t)
	conn, err := Dial(context.Background(), wsURL(srv), protocol.JSON, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Emit(context.Background(), protocol.StatRequest{Path: "/"}), ErrClosed)
}

func TestReadLoopReturnsOnPeerClose(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil)
		if err != nil {
			return
		}
		<-closed
		_ = conn.Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), protocol.JSON, nil)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- conn.ReadLoop(context.Background(), func(protocol.Envelope) {}) }()
	close(closed)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadLoop did not return")
	}
}
