// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"path/filepath"
	"sort"
	"strings"
)

// Key identifies a job by its output path.
type Key string

// KeyOf returns the key for an output path. Equivalent spellings of the same
// path map to the same key.
func KeyOf(outputPath string) Key {
	return Key(filepath.Clean(outputPath))
}

func (k Key) String() string { return string(k) }

// Params for a transcoding job. Immutable once the job is admitted.
type Params struct {
	InputPath    string            `json:"inputPath"`
	OutputPath   string            `json:"outputPath"`
	VideoCodec   string            `json:"videoCodec,omitempty"`
	AudioCodec   string            `json:"audioCodec,omitempty"`
	VideoOptions map[string]string `json:"videoCodecParams,omitempty"`
	AudioOptions map[string]string `json:"audioCodecParams,omitempty"`
}

// Key returns the job key of the output path.
func (p Params) Key() Key {
	return KeyOf(p.OutputPath)
}

// Validate checks the fields that every job needs.
func (p Params) Validate() error {
	if strings.TrimSpace(p.InputPath) == "" || strings.TrimSpace(p.OutputPath) == "" {
		return ErrInvalidParams
	}
	if filepath.Clean(p.InputPath) == filepath.Clean(p.OutputPath) {
		return ErrInvalidParams
	}
	return nil
}

// CreateCommand builds the ffmpeg arguments. Codec options follow their
// selector and are dropped when the selector is absent. Progress goes to
// stdout as key=value lines, only errors go to stderr, and the output path is
// always last.
func (p Params) CreateCommand() []string {
	cmd := []string{"-y", "-i", p.InputPath}

	if p.VideoCodec != "" {
		cmd = append(cmd, "-c:v", p.VideoCodec)
		cmd = appendOptions(cmd, p.VideoOptions)
	}
	if p.AudioCodec != "" {
		cmd = append(cmd, "-c:a", p.AudioCodec)
		cmd = appendOptions(cmd, p.AudioOptions)
	}

	cmd = append(cmd,
		"-progress", "pipe:1",
		"-nostats",
		"-loglevel", "error",
		p.OutputPath,
	)
	return cmd
}

func appendOptions(cmd []string, options map[string]string) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		flag := strings.TrimPrefix(strings.TrimSpace(k), "-")
		if flag == "" {
			continue
		}
		cmd = append(cmd, "-"+flag, options[k])
	}
	return cmd
}
