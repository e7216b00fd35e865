package quictransport

import (
	"log/slog"

	"github.com/sheerbytes/termxfer/internal/logging"
)

func discardLogger() *slog.Logger {
	return logging.Discard()
}
