// Package logger builds the slog loggers used across lmfs.
//
// Library components take a *slog.Logger in their Options and fall back to a
// discarding logger. Commands call New to log as text to stderr or as JSON to
// a dated file in a log directory.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	logPrefix     = "lmfs-"
	logSuffix     = ".log"
	retentionDays = 30
)

// Options configures New.
type Options struct {
	Level  slog.Level // Minimum level. Default: LevelInfo
	LogDir string     // If set, log JSON to a dated file here instead of stderr
	Stderr io.Writer  // Text destination when LogDir is empty. Default: os.Stderr
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger if l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// New builds a logger. The returned close function releases the log file, if
// any, and is never nil.
func New(opts Options) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }

	if opts.LogDir == "" {
		w := opts.Stderr
		if w == nil {
			w = os.Stderr
		}
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level})), noop, nil
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, noop, err
	}

	// Best-effort; a stale log never blocks startup.
	cleanOldLogs(opts.LogDir, time.Now())

	filename := filepath.Join(opts.LogDir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, noop, fmt.Errorf("open log file: %w", err)
	}

	return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.Level})), f.Close, nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("bad log level %q", s)
	}
	return l, nil
}

// cleanOldLogs removes log files older than retentionDays.
func cleanOldLogs(logDir string, now time.Time) {
	cutoff := now.AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}

		// lmfs-2024-01-05.log
		dateStr := strings.TrimPrefix(strings.TrimSuffix(name, logSuffix), logPrefix)
		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		if logDate.Before(cutoff) {
			os.Remove(filepath.Join(logDir, name))
		}
	}
}
