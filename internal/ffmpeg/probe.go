// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeArgs are the ffprobe arguments that print only the container duration.
func ProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

func (f *ffmpeg) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.probe, ProbeArgs(path)...)
	if f.env != nil {
		cmd.Env = f.env
	}

	out, err := cmd.Output()
	if err != nil {
		var exiterr *exec.ExitError
		if errors.As(err, &exiterr) && len(exiterr.Stderr) > 0 {
			return 0, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(exiterr.Stderr)))
		}
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return ParseDuration(string(out))
}

// ParseDuration parses ffprobe's bare duration output. Anything other than a
// single finite non-negative number is an error.
func ParseDuration(out string) (float64, error) {
	value := strings.TrimSpace(out)
	if value == "" {
		return 0, errors.New("ffprobe returned no duration")
	}
	d, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", value, err)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0, fmt.Errorf("ffprobe duration %q out of range", value)
	}
	return d, nil
}
