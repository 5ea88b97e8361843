package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

// newLogger builds the process logger: text or JSON on stderr, fanned out to
// a JSON log file when cfg.File is set. The returned closer closes the file.
func newLogger(cfg LogConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler = slog.NewTextHandler(stderr, opts)
	if cfg.Format == "json" {
		console = slog.NewJSONHandler(stderr, opts)
	}
	if cfg.File == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(
		console,
		slog.NewJSONHandler(f, opts),
	))
	return logger, f.Close, nil
}
