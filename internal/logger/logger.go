package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// FileConfig enables a rotated log file next to the console output.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // gzip rotated files
}

// Config describes the process logger.
type Config struct {
	Level      string     `mapstructure:"level"`  // debug, info, warn, error
	Format     string     `mapstructure:"format"` // text or json
	Color      bool       `mapstructure:"color"`
	TimeStamps bool       `mapstructure:"timestamps"`
	Source     bool       `mapstructure:"source"`
	File       FileConfig `mapstructure:"file"`
}

// ParseLevel maps a level name to its slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// FileWriter returns the rotating file writer, or nil when no path is set.
func (c Config) FileWriter() io.WriteCloser {
	if c.File.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// New builds a logger writing to console and, when configured, to the log
// file. The returned closer releases the file and is never nil.
func (c Config) New(console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: c.Source}
	if !c.TimeStamps {
		opts.ReplaceAttr = dropTime
	}

	var closer io.Closer = nopCloser{}
	out := console
	fw := c.FileWriter()
	if fw != nil {
		closer = fw
		// Escape codes do not belong in the file.
		if c.Color && c.Format != FormatJSON {
			h, err := c.handler(console, opts)
			if err != nil {
				return nil, nil, err
			}
			plain := c
			plain.Color = false
			fh, err := plain.handler(fw, opts)
			if err != nil {
				return nil, nil, err
			}
			return slog.New(fanout{h, fh}), closer, nil
		}
		out = io.MultiWriter(console, fw)
	}
	h, err := c.handler(out, opts)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(h), closer, nil
}

// Setup installs the configured logger as the slog default.
func Setup(c Config) (io.Closer, error) {
	l, closer, err := c.New(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}

func (c Config) handler(w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(c.Format) {
	case "", FormatText:
		if c.Color {
			return NewColorTextHandler(w, opts, c.TimeStamps), nil
		}
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Format)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
