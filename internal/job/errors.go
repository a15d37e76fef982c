// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"errors"
	"fmt"

	"github.com/ZSC714725/transcodesupervisor/internal/process"
)

var (
	ErrNotFound             = errors.New("job not found")
	ErrAlreadyRunning       = errors.New("a job for this output is already running")
	ErrShuttingDown         = errors.New("supervisor is shutting down")
	ErrInvalidParams        = errors.New("invalid params: need distinct input and output paths")
	ErrInvalidInputAddress  = errors.New("invalid input address")
	ErrInvalidOutputAddress = errors.New("invalid output address")
)

// ProbeError means the input duration could not be obtained.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// SpawnError means ffmpeg could not be launched.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn ffmpeg: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// RuntimeError is a job that ran and failed: a bad exit status, non-empty
// diagnostics, or a stream that could not be read.
type RuntimeError struct {
	Status      process.ExitStatus
	Diagnostics string
	ReadErr     error
}

func (e *RuntimeError) Error() string {
	switch {
	case e.Diagnostics != "":
		return fmt.Sprintf("ffmpeg failed (%s): %s", e.Status, e.Diagnostics)
	case e.ReadErr != nil:
		return fmt.Sprintf("ffmpeg failed (%s): read output: %v", e.Status, e.ReadErr)
	default:
		return fmt.Sprintf("ffmpeg failed (%s)", e.Status)
	}
}

func (e *RuntimeError) Unwrap() error { return e.ReadErr }

// KillError means the termination signal could not be delivered. The process
// state is unknown, so no cleanup was attempted.
type KillError struct {
	Key Key
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill job %s: %v", e.Key, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }

// CleanupError means the partial output could not be removed.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("remove partial output %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
