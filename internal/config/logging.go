package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger returns a logger that writes text to stderr and JSON lines to
// logFile. An empty logFile, or one that cannot be opened, logs to stderr
// only. The cleanup function closes the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	if logFile == "" {
		return slog.New(textHandler(os.Stderr, level)), noop
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(textHandler(os.Stderr, level))
		logger.Warn("cannot open log file, logging to stderr only", "file", logFile, "error", err)
		return logger, noop
	}
	return SetupLoggerWithWriters(os.Stderr, file, level), file.Close
}

// SetupLoggerWithWriters fans records out to a text handler on stderr and a
// JSON handler on file. The JSON side includes source positions at debug
// level.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	})
	return slog.New(slogmulti.Fanout(textHandler(stderr, level), jsonHandler)).
		With("pid", os.Getpid())
}

func textHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}
