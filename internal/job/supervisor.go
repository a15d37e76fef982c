// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg"
	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg/parse"
	"github.com/ZSC714725/transcodesupervisor/internal/logger"
	"github.com/ZSC714725/transcodesupervisor/internal/process"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs ffmpeg jobs, at most one per output path.
type Supervisor struct {
	ffmpeg   ffmpeg.FFmpeg
	registry *Registry
	sink     EventSink
	logger   logger.Logger

	// kill is swapped in tests
	kill func(*process.Process) error

	// inflight counts Start calls past the shutdown check
	inflight sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

// NewSupervisor creates a supervisor. A nil sink drops events and a nil
// logger discards logs.
func NewSupervisor(ff ffmpeg.FFmpeg, registry *Registry, sink EventSink, log logger.Logger) *Supervisor {
	if sink == nil {
		sink = nopSink{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Supervisor{
		ffmpeg:   ff,
		registry: registry,
		sink:     sink,
		logger:   log,
		kill:     (*process.Process).Kill,
	}
}

// Registry returns the registry the supervisor admits jobs into.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Jobs returns the status of every active job.
func (s *Supervisor) Jobs() []Status {
	jobs := s.registry.List()
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

// Start runs a job and blocks until it reaches a terminal state. Progress is
// published to the sink while it runs. A second Start for an output that is
// already being produced returns OutcomeAlreadyRunning and no error.
//
// ctx bounds the duration probe only; use Cancel to stop a running job.
func (s *Supervisor) Start(ctx context.Context, params Params) (Result, error) {
	res := Result{Key: params.Key(), Outcome: OutcomeFailed}

	if err := params.Validate(); err != nil {
		return res, err
	}
	if !s.ffmpeg.ValidateInput(params.InputPath) {
		return res, ErrInvalidInputAddress
	}
	if !s.ffmpeg.ValidateOutput(params.OutputPath) {
		return res, ErrInvalidOutputAddress
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res, ErrShuttingDown
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	j := newActiveJob(params)
	res.ID = j.ID

	if err := s.registry.TryAdmit(j); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Info("job %s: output %s is already being produced", j.ID, j.key)
			res.Outcome = OutcomeAlreadyRunning
			return res, nil
		}
		return res, err
	}
	defer close(j.done)

	s.logger.Info("job %s admitted: %s -> %s", j.ID, params.InputPath, j.key)

	duration, err := s.ffmpeg.Probe(ctx, params.InputPath)
	if err != nil {
		return s.abort(j, res, &ProbeError{Path: params.InputPath, Err: err})
	}
	if duration == 0 {
		s.logger.Warn("job %s: input has zero duration, no progress will be reported", j.ID)
	}

	proc, err := s.ffmpeg.Spawn(params.CreateCommand())
	if err != nil {
		return s.abort(j, res, &SpawnError{Err: err})
	}
	defer proc.Close()
	s.logger.Info("job %s spawned pid %d: %s", j.ID, proc.Pid(), proc.CommandLine())

	readers, diagnostics := s.startReaders(j, proc, duration)

	if !s.registry.Insert(j, proc) {
		// cancelled while starting: nobody else holds proc, so clean up here
		s.logger.Info("job %s was cancelled before it started running", j.ID)
		err := s.reap(j.ID, proc, params.OutputPath)
		var killErr *KillError
		if !errors.As(err, &killErr) {
			// the readers end with the process
			readers.Wait()
		}
		j.cleanupErr = err
		j.setState(StateCancelled)
		res.Outcome = OutcomeCancelled
		return res, err
	}

	status := proc.Wait()
	readErr := readers.Wait()

	if !s.registry.Release(j) {
		// the cancellation path removed the job and owns its cleanup
		j.setState(StateCancelled)
		s.logger.Info("job %s cancelled", j.ID)
		res.Outcome = OutcomeCancelled
		res.ExitCode = status.Code
		return res, nil
	}

	res.ExitCode = status.Code
	diag := diagnostics.String()
	if !status.Success() || diag != "" || readErr != nil {
		j.setState(StateFailed)
		res.Diagnostics = diag
		s.logger.Error("job %s failed after %s (%s): %s", j.ID, time.Since(j.CreatedAt).Round(time.Millisecond), status, diag)
		return res, &RuntimeError{Status: status, Diagnostics: diag, ReadErr: readErr}
	}

	j.setState(StateCompleted)
	res.Outcome = OutcomeSucceeded
	s.logger.Info("job %s completed in %s", j.ID, time.Since(j.CreatedAt).Round(time.Millisecond))
	return res, nil
}

// abort gives up a reservation before a process exists.
func (s *Supervisor) abort(j *ActiveJob, res Result, err error) (Result, error) {
	if !s.registry.Release(j) {
		j.setState(StateCancelled)
		res.Outcome = OutcomeCancelled
		return res, nil
	}
	j.setState(StateFailed)
	s.logger.Error("job %s: %v", j.ID, err)
	return res, err
}

// startReaders drains stdout for progress and stderr for diagnostics. The
// returned group finishes once both streams hit EOF, which happens when the
// process exits.
func (s *Supervisor) startReaders(j *ActiveJob, proc *process.Process, duration float64) (*errgroup.Group, *strings.Builder) {
	var g errgroup.Group
	diagnostics := &strings.Builder{}

	stdout, outErr := proc.TakeStdout()
	if outErr != nil {
		g.Go(func() error { return outErr })
	} else {
		g.Go(func() error { return s.readProgress(j, stdout, duration) })
	}

	stderr, errErr := proc.TakeStderr()
	if errErr != nil {
		g.Go(func() error { return errErr })
	} else {
		g.Go(func() error {
			defer stderr.Close()
			_, err := io.Copy(diagnostics, stderr)
			return err
		})
	}

	return &g, diagnostics
}

func (s *Supervisor) readProgress(j *ActiveJob, r io.ReadCloser, duration float64) error {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Split(process.ScanLines)

	for scanner.Scan() {
		elapsed, ok := j.parser.Parse(scanner.Text())
		if !ok {
			continue
		}
		pct, ok := parse.Percentage(elapsed, duration)
		if !ok {
			continue
		}
		s.sink.Publish(ProgressEvent{
			JobID:      j.ID,
			Key:        j.key,
			InputPath:  j.Params.InputPath,
			Percentage: pct,
			Timestamp:  time.Now(),
		})
	}

	if err := scanner.Err(); err != nil {
		// keep the pipe drained so ffmpeg never blocks on a full stdout
		io.Copy(io.Discard, r)
		return err
	}
	return nil
}
