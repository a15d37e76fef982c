// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides a simple logging interface
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// Options for New.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

type slogLogger struct {
	prefix string
	log    *slog.Logger
}

// New creates a logger writing to stderr in console format at info level.
func New(prefix string) Logger {
	l, _ := NewWithOptions(prefix, Options{})
	return l
}

// NewWithOptions creates a logger with an explicit level and format.
func NewWithOptions(prefix string, opts Options) (Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	l := slog.New(handler)
	if prefix != "" {
		l = l.With(slog.String("component", prefix))
	}
	return &slogLogger{log: l}, nil
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func (l *slogLogger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Debug(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l *slogLogger) Info(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l *slogLogger) Warn(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

func (l *slogLogger) Error(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(format string, args ...interface{}) {}
func (nopLogger) Info(format string, args ...interface{})  {}
func (nopLogger) Warn(format string, args ...interface{})  {}
func (nopLogger) Error(format string, args ...interface{}) {}
