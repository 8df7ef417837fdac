// Package logging builds the structured logger shared by conn, pool and the
// public client facade.
//
// Grounded on the teacher's internal/logging/logger.go: same level/format
// parsing and stdout+file tee, generalized only by dropping the backup
// agent's forced file-logging assumption (a memcached client library is
// typically embedded, so logging to stdout alone is the common case).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a *slog.Logger at the given level ("debug","info","warn","error",
// default "info") and format ("json" default, or "text"). If filePath is
// non-empty, records are written to both stdout and the file. The returned
// io.Closer must be closed on shutdown; it is a no-op when filePath is empty.
func New(level, format, filePath string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
