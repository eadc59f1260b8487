package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	FormatText  = "text"
	FormatColor = "color"
	FormatJSON  = "json"
)

// Config describes the daemon's own log output.
// With File empty, logs go to the writer passed to New (normally stderr).
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string // debug, info, warn, error (default info)
	Format     string // text, color, json (default text)
	File       string // optional log file, rotated by lumberjack
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// ParseLevel accepts the slog level names, case-insensitively. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

func ValidFormat(f string) bool {
	switch strings.ToLower(f) {
	case "", FormatText, FormatColor, FormatJSON:
		return true
	}
	return false
}

// Writer returns the rotating file writer when File is set, otherwise w.
// The returned closer is nil when there is nothing to close.
func (c Config) Writer(w io.Writer) (io.Writer, io.Closer) {
	if c.File == "" {
		return w, nil
	}
	f := &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return f, f
}

// New builds a logger writing to w (or the configured file). Callers should Close the
// returned closer on exit when it is non-nil.
func New(c Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	if !ValidFormat(c.Format) {
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	out, closer := c.Writer(w)
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(out, opts)
	case FormatColor:
		h = NewColorTextHandler(out, opts, true)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
