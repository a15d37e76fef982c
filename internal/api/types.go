// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package api

import (
	"github.com/ZSC714725/transcodesupervisor/internal/job"
)

// StartRequest for POST /jobs
type StartRequest struct {
	InputPath        string            `json:"inputPath" binding:"required"`
	OutputPath       string            `json:"outputPath" binding:"required"`
	VideoCodec       string            `json:"videoCodec"`
	AudioCodec       string            `json:"audioCodec"`
	VideoCodecParams map[string]string `json:"videoCodecParams"`
	AudioCodecParams map[string]string `json:"audioCodecParams"`
}

func (r *StartRequest) params() job.Params {
	return job.Params{
		InputPath:    r.InputPath,
		OutputPath:   r.OutputPath,
		VideoCodec:   r.VideoCodec,
		AudioCodec:   r.AudioCodec,
		VideoOptions: r.VideoCodecParams,
		AudioOptions: r.AudioCodecParams,
	}
}

// CancelRequest for POST /jobs/cancel
type CancelRequest struct {
	OutputPath string `json:"outputPath" binding:"required"`
}

// JobResult is the terminal outcome of a start or cancel call
type JobResult struct {
	ID          string `json:"id,omitempty"`
	OutputPath  string `json:"outputPath"`
	Outcome     string `json:"outcome"`
	ExitCode    int    `json:"exit_code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Job represents an active job in API response
type Job struct {
	ID         string    `json:"id"`
	InputPath  string    `json:"inputPath"`
	OutputPath string    `json:"outputPath"`
	State      string    `json:"state"`
	Pid        int       `json:"pid,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	Runtime    int64     `json:"runtime_seconds"`
	Progress   *Progress `json:"progress"`
	Memory     uint64    `json:"memory_bytes"`
	CPU        float64   `json:"cpu_usage"`
}

// Progress from FFmpeg parser
type Progress struct {
	Frame uint64  `json:"frame"`
	FPS   float64 `json:"fps"`
	Size  uint64  `json:"size_bytes"`
	Time  float64 `json:"time_seconds"`
	Speed float64 `json:"speed"`
	Done  bool    `json:"done"`
}

// EventsResponse for GET /events
type EventsResponse struct {
	LastSeq int64               `json:"last_seq"`
	Events  []job.ProgressEvent `json:"events"`
}

// CloseResponse for POST /close
type CloseResponse struct {
	Cancelled int    `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse for API errors
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func resultToAPI(r job.Result) JobResult {
	return JobResult{
		ID:          r.ID,
		OutputPath:  r.Key.String(),
		Outcome:     string(r.Outcome),
		ExitCode:    r.ExitCode,
		Diagnostics: r.Diagnostics,
	}
}

func statusToAPI(s job.Status) Job {
	return Job{
		ID:         s.ID,
		InputPath:  s.InputPath,
		OutputPath: s.Key.String(),
		State:      s.State,
		Pid:        s.Pid,
		CreatedAt:  s.CreatedAt.Unix(),
		Runtime:    int64(s.Runtime.Seconds()),
		Progress: &Progress{
			Frame: s.Progress.Frame,
			FPS:   s.Progress.FPS,
			Size:  s.Progress.Size,
			Time:  s.Progress.Time,
			Speed: s.Progress.Speed,
			Done:  s.Progress.Done,
		},
		Memory: s.Memory,
		CPU:    s.CPU,
	}
}
