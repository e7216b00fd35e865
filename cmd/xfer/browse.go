package main

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/termxfer/internal/engine"
	"github.com/sheerbytes/termxfer/internal/progress"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

func newLsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "~"
			if len(args) == 1 {
				path = args[0]
			}
			return a.withSession(func(ctx context.Context, s *engine.Session) error {
				listing, err := s.ListDirectory(ctx, path, all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s:\n", listing.Path)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, e := range listing.Entries {
					fmt.Fprintln(tw, entryLine(e))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include hidden entries")
	return cmd
}

func entryLine(e protocol.FileEntry) string {
	mode := fs.FileMode(e.Mode).Perm()
	name := e.Name
	if e.IsDir {
		mode |= fs.ModeDir
		name += "/"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", mode, progress.FormatBytes(e.Size), e.ModTime.Local().Format("2006-01-02 15:04"), name)
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show metadata of a remote entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(ctx context.Context, s *engine.Session) error {
				e, err := s.Stat(ctx, args[0])
				if err != nil {
					return err
				}
				kind := "file"
				if e.IsDir {
					kind = "directory"
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "path:     %s\n", e.Path)
				fmt.Fprintf(out, "type:     %s\n", kind)
				fmt.Fprintf(out, "size:     %d (%s)\n", e.Size, progress.FormatBytes(e.Size))
				fmt.Fprintf(out, "mode:     %04o\n", fs.FileMode(e.Mode).Perm())
				fmt.Fprintf(out, "modified: %s\n", e.ModTime.Local().Format("2006-01-02 15:04:05"))
				return nil
			})
		},
	}
}

func newMkdirCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := strconv.ParseUint(mode, 8, 32)
			if err != nil {
				return fmt.Errorf("invalid mode %q: %w", mode, err)
			}
			return a.withSession(func(ctx context.Context, s *engine.Session) error {
				return s.Mkdir(ctx, args[0], fs.FileMode(perm))
			})
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "755", "permission bits in octal")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a remote file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(ctx context.Context, s *engine.Session) error {
				return s.DeleteFile(ctx, args[0], recursive)
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories and their contents")
	return cmd
}
