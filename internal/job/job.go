// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"sync/atomic"
	"time"

	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg/parse"
	"github.com/ZSC714725/transcodesupervisor/internal/process"

	"github.com/lithammer/shortuuid/v4"
)

// State of a job
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is what Start or Cancel report to the caller.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeNotFound       Outcome = "not_found"
)

// Result of Start or Cancel
type Result struct {
	ID          string  `json:"id,omitempty"`
	Key         Key     `json:"outputPath"`
	Outcome     Outcome `json:"outcome"`
	Diagnostics string  `json:"diagnostics,omitempty"`
	ExitCode    int     `json:"exitCode"`
}

// ActiveJob is one admitted job. The registry owns it from admission until it
// is removed; the process handle is attached once ffmpeg has been spawned.
type ActiveJob struct {
	ID        string
	Params    Params
	CreatedAt time.Time

	key    Key
	proc   atomic.Pointer[process.Process]
	state  atomic.Int32
	parser parse.Parser
	done   chan struct{}

	// cleanupErr is written by the owning Start before done is closed
	cleanupErr error
}

func newActiveJob(params Params) *ActiveJob {
	j := &ActiveJob{
		ID:        shortuuid.New(),
		Params:    params,
		CreatedAt: time.Now(),
		key:       params.Key(),
		parser:    parse.New(),
		done:      make(chan struct{}),
	}
	j.state.Store(int32(StateIdle))
	return j
}

// Key of the job
func (j *ActiveJob) Key() Key { return j.key }

// Process returns the ffmpeg handle, or nil while the job is still starting.
func (j *ActiveJob) Process() *process.Process { return j.proc.Load() }

// State returns the current state
func (j *ActiveJob) State() State { return State(j.state.Load()) }

func (j *ActiveJob) setState(s State) { j.state.Store(int32(s)) }

// Progress returns the latest progress snapshot.
func (j *ActiveJob) Progress() parse.Progress { return j.parser.Progress() }

// Done is closed when the Start call that owns the job has returned.
func (j *ActiveJob) Done() <-chan struct{} { return j.done }

// Status is a point-in-time view of an active job.
type Status struct {
	ID        string         `json:"id"`
	Key       Key            `json:"outputPath"`
	InputPath string         `json:"inputPath"`
	State     string         `json:"state"`
	Pid       int            `json:"pid,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Runtime   time.Duration  `json:"runtime"`
	Progress  parse.Progress `json:"progress"`
	CPU       float64        `json:"cpu_usage"`
	Memory    uint64         `json:"memory_bytes"`
}

// Status samples the job. Resource usage is read from the OS, so callers
// must not hold the registry lock.
func (j *ActiveJob) Status() Status {
	s := Status{
		ID:        j.ID,
		Key:       j.key,
		InputPath: j.Params.InputPath,
		State:     j.State().String(),
		CreatedAt: j.CreatedAt,
		Runtime:   time.Since(j.CreatedAt),
		Progress:  j.Progress(),
	}
	if proc := j.Process(); proc != nil {
		usage := proc.Usage()
		s.Pid = proc.Pid()
		s.CPU = usage.CPU
		s.Memory = usage.Memory
	}
	return s
}
