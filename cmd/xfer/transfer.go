package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/termxfer/internal/engine"
	"github.com/sheerbytes/termxfer/internal/progress"
	"github.com/sheerbytes/termxfer/internal/termio"
)

func newPutCmd(a *app) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <local-file> [remote-path]",
		Short: "Upload a file",
		Long: `Upload a file. When remote-path names an existing directory the file keeps
its name inside it; otherwise remote-path is the new file's path.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := "~"
			if len(args) == 2 {
				remote = args[1]
			}
			file, err := engine.OpenLocalFile(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			return a.withSession(func(ctx context.Context, s *engine.Session) error {
				r := newReporter("upload")
				id, err := s.UploadFile(ctx, file, remote, engine.UploadOptions{
					Overwrite:  overwrite,
					ChunkSize:  a.cfg.ChunkSize,
					OnProgress: r.update,
				})
				r.done(err)
				if err != nil {
					return err
				}
				a.logger.Debug("upload finished", "transfer_id", id, "remote_path", remote)
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%s)\n", file.Name, progress.FormatBytes(file.Size))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace an existing remote file")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-file> [local-dir]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := "."
			if len(args) == 2 {
				dest = args[1]
			}
			return a.withSession(func(ctx context.Context, s *engine.Session) error {
				r := newReporter("download")
				id, err := s.DownloadFile(ctx, args[0], engine.DownloadOptions{
					DestDir:    dest,
					OnProgress: r.update,
				})
				r.done(err)
				if err != nil {
					return err
				}
				t, _ := s.Transfer(id)
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", t.LocalPath, progress.FormatBytes(t.TotalBytes))
				return nil
			})
		},
	}
}

// reporter draws a progress bar once the transfer size is known. Nothing is
// drawn when stderr is not a terminal.
type reporter struct {
	label string
	tty   bool

	mu  sync.Mutex
	bar *progress.Bar
}

func newReporter(label string) *reporter {
	return &reporter{label: label, tty: termio.StderrIsTerminal()}
}

func (r *reporter) update(t engine.Transfer) {
	if !r.tty {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		r.bar = progress.NewBar(termio.Stderr(), r.label, t.FileName, t.TotalBytes)
	}
	r.bar.Update(statsOf(t))
}

func (r *reporter) done(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.bar.Abort()
		return
	}
	r.bar.Finish()
}

func statsOf(t engine.Transfer) progress.Stats {
	st := progress.Stats{
		BytesDone: t.BytesTransferred,
		Total:     t.TotalBytes,
		RateBps:   t.BytesPerSecond,
		Percent:   t.PercentComplete,
		StartedAt: t.StartedAt,
	}
	if t.EstimatedSecondsRemaining != nil {
		st.HasETA = true
		st.ETA = time.Duration(*t.EstimatedSecondsRemaining * float64(time.Second))
	}
	return st
}
