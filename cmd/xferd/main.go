// Command xferd serves a directory tree to xfer clients over WebSocket and,
// optionally, QUIC.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"

	"github.com/sheerbytes/termxfer/internal/config"
	"github.com/sheerbytes/termxfer/internal/logging"
	"github.com/sheerbytes/termxfer/internal/quictransport"
	"github.com/sheerbytes/termxfer/internal/responder"
	"github.com/sheerbytes/termxfer/internal/wsclient"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

const serverVersion = "v0.1.0"

func main() {
	cmd := &cobra.Command{
		Use:          "xferd",
		Short:        "Serve a directory to xfer clients",
		Version:      serverVersion,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logging.New("xferd", cfg.LogLevel))
		},
	}
	config.RegisterServerFlags(cmd.Flags())
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// channel is a connected client transport.
type channel interface {
	responder.Sender
	ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error
	Close() error
}

type server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	s := &server{cfg: cfg, logger: logger}
	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if cfg.Addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", handleHealth)
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			conn, err := wsclient.Accept(w, r, logger)
			if err != nil {
				logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
				return
			}
			s.wg.Add(1)
			s.serve(ctx, conn, "ws", r.RemoteAddr)
		})
		httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("listening", "transport", "ws", "addr", cfg.Addr, "root", cfg.Root)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.QUICAddr != "" {
		ln, err := quictransport.Listen(cfg.QUICAddr, logger)
		if err != nil {
			return fmt.Errorf("quic listen: %w", err)
		}
		defer ln.Close()
		go func() {
			if err := s.acceptQUIC(ctx, ln); err != nil {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	s.wg.Wait()
	logger.Info("server stopped")
	return err
}

func (s *server) acceptQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := quictransport.Accept(ctx, ln, s.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.logger.Warn("QUIC accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.serve(ctx, conn, "quic", conn.RemoteAddr())
	}
}

// serve runs one responder until the client disconnects or ctx ends. The
// caller adds to s.wg.
func (s *server) serve(ctx context.Context, conn channel, transport, remote string) {
	defer s.wg.Done()
	defer conn.Close()

	log := s.logger.With("transport", transport, "remote_addr", remote)
	r, err := responder.New(conn, responder.Options{
		Root:           s.cfg.Root,
		ChunkSize:      s.cfg.ChunkSize,
		ReportProgress: s.cfg.Progress,
		Logger:         log,
	})
	if err != nil {
		log.Error("cannot serve client", "error", err)
		return
	}
	defer r.Close()

	log.Info("client connected")
	if err := conn.ReadLoop(ctx, r.HandleEnvelope); err != nil && ctx.Err() == nil {
		log.Info("client disconnected", "error", err)
		return
	}
	log.Info("client disconnected")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
