package testutil

import (
	"log/slog"

	"github.com/docsmith/docchat/internal/log"
)

// DiscardLogger returns a slog.Logger that discards all output.
// Use this in tests to reduce noise.
func DiscardLogger() *slog.Logger {
	return log.NewNop()
}
