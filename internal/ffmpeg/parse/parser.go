// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package parse

import (
	"math"
	"strconv"
	"strings"
	"sync"
)

// OutTimeKey marks the elapsed output timestamp in `-progress` output.
const OutTimeKey = "out_time"

// Progress holds the latest values of an FFmpeg `-progress` stream
type Progress struct {
	Frame uint64  `json:"frame"`
	FPS   float64 `json:"fps"`
	Size  uint64  `json:"size_bytes"`
	Time  float64 `json:"time_seconds"`
	Speed float64 `json:"speed"`
	Done  bool    `json:"done"`
}

// ParseTimestamp converts an "HH:MM:SS.ffffff" token into seconds. It needs
// exactly three colon separated numeric components and reports false for
// anything else, e.g. "N/A", "01:30" or "aa:01:02".
func ParseTimestamp(token string) (float64, bool) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return 0, false
	}

	var v [3]float64
	for i, part := range parts {
		x, err := strconv.ParseFloat(part, 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		v[i] = x
	}
	return v[0]*3600 + v[1]*60 + v[2], true
}

// Percentage returns elapsed as a percentage of duration. An unknown or zero
// duration yields false rather than NaN or Inf, and so does a negative
// elapsed time, which ffmpeg reports before the first timestamp is known.
// Values above 100 are passed through.
func Percentage(elapsed, duration float64) (float64, bool) {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0, false
	}
	if elapsed < 0 {
		return 0, false
	}
	return elapsed / duration * 100, true
}

// Parser folds `-progress` key=value lines into a Progress snapshot.
type Parser interface {
	// Parse consumes one line and returns the elapsed seconds when the line
	// is a valid out_time entry.
	Parse(line string) (float64, bool)
	Progress() Progress
	Reset()
}

type parser struct {
	progress Progress
	lock     sync.RWMutex
}

// New creates a Parser
func New() Parser {
	return &parser{}
}

func (p *parser) Parse(line string) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	value = strings.TrimSpace(value)

	p.lock.Lock()
	defer p.lock.Unlock()

	switch key {
	case OutTimeKey:
		elapsed, ok := ParseTimestamp(value)
		if !ok {
			return 0, false
		}
		p.progress.Time = elapsed
		return elapsed, true
	case "frame":
		if x, err := strconv.ParseUint(value, 10, 64); err == nil {
			p.progress.Frame = x
		}
	case "fps":
		if x, err := strconv.ParseFloat(value, 64); err == nil {
			p.progress.FPS = x
		}
	case "total_size":
		if x, err := strconv.ParseUint(value, 10, 64); err == nil {
			p.progress.Size = x
		}
	case "speed":
		if x, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil {
			p.progress.Speed = x
		}
	case "progress":
		p.progress.Done = value == "end"
	}
	return 0, false
}

func (p *parser) Progress() Progress {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.progress
}

func (p *parser) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.progress = Progress{}
}
