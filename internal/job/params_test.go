// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	require.Equal(t, KeyOf("/out/a.mkv"), KeyOf("/out/./a.mkv"))
	require.Equal(t, KeyOf("/out/a.mkv"), KeyOf("/out/x/../a.mkv"))
	require.NotEqual(t, KeyOf("/out/a.mkv"), KeyOf("/out/b.mkv"))
	require.Equal(t, "/out/a.mkv", KeyOf("/out//a.mkv").String())
}

func TestParamsValidate(t *testing.T) {
	var testCases = []struct {
		name   string
		params Params
		ok     bool
	}{
		{"valid", Params{InputPath: "/in/a.mp4", OutputPath: "/out/a.mkv"}, true},
		{"no input", Params{OutputPath: "/out/a.mkv"}, false},
		{"blank output", Params{InputPath: "/in/a.mp4", OutputPath: "  "}, false},
		{"same path", Params{InputPath: "/in/a.mp4", OutputPath: "/in/a.mp4"}, false},
		{"same path spelled differently", Params{InputPath: "/in/a.mp4", OutputPath: "/in/../in/a.mp4"}, false},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidParams)
			}
		})
	}
}

func TestCreateCommand(t *testing.T) {
	p := Params{InputPath: "in.mp4", OutputPath: "out.mkv"}
	require.Equal(t, []string{
		"-y", "-i", "in.mp4",
		"-progress", "pipe:1", "-nostats", "-loglevel", "error",
		"out.mkv",
	}, p.CreateCommand())

	p = Params{
		InputPath:    "in.mp4",
		OutputPath:   "out.mkv",
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		VideoOptions: map[string]string{"preset": "fast", "-crf": "23", " ": "x"},
		AudioOptions: map[string]string{"b:a": "128k"},
	}
	require.Equal(t, []string{
		"-y", "-i", "in.mp4",
		"-c:v", "libx264", "-crf", "23", "-preset", "fast",
		"-c:a", "aac", "-b:a", "128k",
		"-progress", "pipe:1", "-nostats", "-loglevel", "error",
		"out.mkv",
	}, p.CreateCommand())
}

func TestCreateCommandDropsOptionsWithoutCodec(t *testing.T) {
	p := Params{
		InputPath:    "in.mp4",
		OutputPath:   "out.mkv",
		AudioOptions: map[string]string{"b:a": "128k"},
	}
	require.NotContains(t, p.CreateCommand(), "-b:a")
	require.Equal(t, "out.mkv", p.CreateCommand()[len(p.CreateCommand())-1])
}
