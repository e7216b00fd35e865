// Package termio serializes command output on stdout and stderr so that
// progress bars and log records written from several goroutines do not
// interleave mid-line.
package termio

import (
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

type writer struct {
	file    *os.File
	ch      chan []byte
	pending sync.WaitGroup
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending.Add(1)
	w.ch <- buf
	return len(p), nil
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

// Init starts the writers. It is safe to call more than once.
func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.pending.Done()
		}
	}()
	return w
}

// Stdout returns the serialized stdout writer.
func Stdout() io.Writer {
	Init()
	return global.stdout
}

// Stderr returns the serialized stderr writer.
func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush blocks until everything written so far reached the terminal. Call
// it before the process exits.
func Flush() {
	Init()
	global.stdout.pending.Wait()
	global.stderr.pending.Wait()
}

// StderrIsTerminal reports whether stderr is attached to a terminal, which
// decides whether progress bars are drawn.
func StderrIsTerminal() bool {
	Init()
	return IsTerminal(global.stderr.file)
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}
