package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/termxfer/internal/config"
	"github.com/sheerbytes/termxfer/internal/engine"
	"github.com/sheerbytes/termxfer/internal/logging"
	"github.com/sheerbytes/termxfer/internal/quictransport"
	"github.com/sheerbytes/termxfer/internal/termio"
	"github.com/sheerbytes/termxfer/internal/wsclient"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

const version = "v0.1.0"

// app carries what every subcommand needs after flag parsing.
type app struct {
	cfg    config.ClientConfig
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:     "xfer",
		Short:   "Browse and transfer files on an xferd server",
		Version: version,
		Long: `xfer talks to an xferd server over WebSocket or QUIC.

Examples:
  xfer ls ~
  xfer put ./report.pdf /shared
  xfer get /shared/report.pdf ./downloads
  xfer --transport quic --quic-addr files.example:8443 ls /`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.NewWithWriter(termio.Stderr(), "xfer", cfg.LogLevel)
			return nil
		},
	}
	root.SetOut(termio.Stdout())
	root.SetErr(termio.Stderr())
	config.RegisterClientFlags(root.PersistentFlags())

	root.AddCommand(
		newLsCmd(a),
		newStatCmd(a),
		newMkdirCmd(a),
		newRmCmd(a),
		newPutCmd(a),
		newGetCmd(a),
	)
	return root
}

// createContext creates a context that cancels on interrupt signals.
func createContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// channel is what a session needs from a transport.
type channel interface {
	engine.Emitter
	ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error
	Close() error
}

// connect dials the configured transport and starts the session's read
// loop. The returned function closes both.
func (a *app) connect(ctx context.Context) (*engine.Session, func(), error) {
	codec, err := protocol.CodecByName(a.cfg.Codec)
	if err != nil {
		return nil, nil, err
	}

	var ch channel
	switch a.cfg.Transport {
	case config.TransportQUIC:
		ch, err = quictransport.Dial(ctx, a.cfg.QUICAddr, a.cfg.Insecure, codec, a.logger)
	default:
		ch, err = wsclient.Dial(ctx, a.cfg.ServerURL, codec, a.logger)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	s := engine.NewSession(ch, engine.Options{
		Logger:          a.logger,
		RequestTimeout:  a.cfg.RequestTimeout,
		DownloadTimeout: a.cfg.DownloadTimeout,
		ChunkSize:       a.cfg.ChunkSize,
	})
	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Close(ch.ReadLoop(readCtx, s.HandleEnvelope))
	}()

	closeFn := func() {
		s.Close(nil)
		cancel()
		_ = ch.Close()
		<-done
	}
	return s, closeFn, nil
}

// withSession runs fn against a connected session.
func (a *app) withSession(fn func(ctx context.Context, s *engine.Session) error) error {
	ctx, stop := createContext()
	defer stop()
	s, closeFn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}
