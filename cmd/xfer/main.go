// Command xfer browses and transfers files on an xferd server.
package main

import (
	"os"

	"github.com/sheerbytes/termxfer/internal/termio"
)

func main() {
	code := 0
	if err := newRootCmd().Execute(); err != nil {
		code = 1
	}
	termio.Flush()
	os.Exit(code)
}
