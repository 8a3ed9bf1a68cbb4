// Package logging provides the operator-facing logger used by the bg
// command line. It is configured through environment variables and can
// write to a timestamped file.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LoggerCloser wraps a logger and provides a Close method for cleanup
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// Level maps BG_LOG_LEVEL onto a charm log level. Unknown values are info.
func Level() log.Level {
	switch strings.ToLower(os.Getenv("BG_LOG_LEVEL")) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLoggerWithWriter creates a new logger with the provided writer
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           Level(),
	})

	prefix := os.Getenv("BG_LOG_PREFIX")
	if prefix == "" {
		prefix = "bg "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a new logger based on environment variables
// BG_LOG_LEVEL: debug, info, warn, error (default: info)
// BG_LOG_PREFIX: prefix for log messages (default: "bg ")
// BG_LOG_TO_FILE: when set to "1", logs to a timestamped file instead of stderr
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv("BG_LOG_TO_FILE") == "1" {
		timestamp := time.Now().Format(fileTimeFormat)
		logFile := fmt.Sprintf("bg-%s.log", timestamp)

		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		}
		// If file creation fails, fall back to stderr
	}

	return NewLoggerWithWriter(output)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return Level() == log.DebugLevel
}

const fileTimeFormat = "20060102-150405"

var ErrNoLogFile = errors.New("no bg log file found")

// LatestFile returns the most recent bg-<timestamp>.log in dir. The
// timestamp format sorts lexically.
func LatestFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "bg-*.log"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoLogFile, dir)
	}
	slices.Sort(matches)
	return matches[len(matches)-1], nil
}
