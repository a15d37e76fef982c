// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/ZSC714725/transcodesupervisor/internal/process"
)

// Cancel stops the job producing outputPath and removes its partial output.
// Removal from the registry is the hand-off point: if the job finished first,
// Cancel reports OutcomeNotFound and touches nothing.
func (s *Supervisor) Cancel(outputPath string) (Result, error) {
	key := KeyOf(outputPath)

	j, ok := s.registry.Remove(key)
	if !ok {
		return Result{Key: key, Outcome: OutcomeNotFound}, nil
	}

	s.logger.Info("job %s: cancelling %s", j.ID, key)
	res := Result{ID: j.ID, Key: key, Outcome: OutcomeCancelled}

	if err := s.cleanup(j); err != nil {
		var killErr *KillError
		if errors.As(err, &killErr) {
			res.Outcome = OutcomeFailed
		}
		s.logger.Error("job %s: %v", j.ID, err)
		return res, err
	}
	return res, nil
}

// ShutdownAll cancels every active job and returns once all of them have
// exited and their partial outputs are gone. Jobs are cleaned up
// concurrently and independently; their errors are joined. Afterwards the
// supervisor admits no new jobs.
func (s *Supervisor) ShutdownAll() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	jobs := s.registry.DrainAll()
	if len(jobs) > 0 {
		s.logger.Info("shutting down %d active jobs", len(jobs))
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j *ActiveJob) {
			defer wg.Done()
			if err := s.cleanup(j); err != nil {
				s.logger.Error("job %s: %v", j.ID, err)
				errs[i] = err
			}
		}(i, j)
	}
	wg.Wait()

	// Start calls racing the drain clean up after themselves
	s.inflight.Wait()

	return errors.Join(errs...)
}

// cleanup finishes a job that was removed from the registry by the caller.
func (s *Supervisor) cleanup(j *ActiveJob) error {
	proc := j.Process()
	if proc == nil {
		// still starting: the Start call sees the missing reservation and
		// reaps whatever it spawned
		<-j.Done()
		return j.cleanupErr
	}
	return s.reap(j.ID, proc, j.Params.OutputPath)
}

// reap kills proc, waits for it to exit and then deletes the output. When
// the kill fails the process may still be writing, so the output is left
// alone.
func (s *Supervisor) reap(id string, proc *process.Process, outputPath string) error {
	if err := s.kill(proc); err != nil {
		return &KillError{Key: KeyOf(outputPath), Err: err}
	}
	status := proc.Wait()
	s.logger.Debug("job %s: pid %d exited (%s)", id, proc.Pid(), status)

	if err := removeOutput(outputPath); err != nil {
		return err
	}
	s.logger.Info("job %s: removed partial output %s", id, outputPath)
	return nil
}

func removeOutput(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &CleanupError{Path: path, Err: err}
}
