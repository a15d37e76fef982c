// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions("supervisor", Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.Info("hidden %d", 1)
	l.Warn("job %s cancelled", "abc")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	require.Equal(t, "job abc cancelled", rec["msg"])
	require.Equal(t, "WARN", rec["level"])
	require.Equal(t, "supervisor", rec["component"])
}

func TestNewWithOptionsRejectsUnknownFormat(t *testing.T) {
	_, err := NewWithOptions("", Options{Format: "xml"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
