// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFillsEmptyValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  bind: "127.0.0.1:9000"
ffmpeg:
  path: ""
  kill_timeout_seconds: 2
  output_block: ["^/etc/"]
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Bind)
	require.Equal(t, "ffmpeg", cfg.FFmpeg.Path)
	require.Equal(t, "ffprobe", cfg.FFmpeg.ProbePath)
	require.Equal(t, 2*time.Second, cfg.FFmpeg.KillTimeout())
	require.Equal(t, []string{"^/etc/"}, cfg.FFmpeg.OutputBlock)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, 500, cfg.Events.History)
	require.NotEmpty(t, cfg.Server.LockFile)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	var testCases = []struct {
		scenario string
		data     string
	}{
		{"negative kill timeout", "ffmpeg:\n  kill_timeout_seconds: -1\n"},
		{"unknown log format", "log:\n  format: xml\n"},
		{"broken yaml", "server: [\n"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}
