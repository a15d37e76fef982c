// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具
//
// Package process wraps exec.Cmd for supervising one external process whose
// handle is shared between a waiter, stream readers and a canceller.

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrStreamTaken is returned when stdout or stderr was already handed out.
	ErrStreamTaken = errors.New("stream already taken")
	// ErrNoBinary is returned by Spawn without a binary.
	ErrNoBinary = errors.New("no valid binary given")
)

// Config for a process
type Config struct {
	Binary string
	Args   []string
	// Env replaces the environment when non-nil.
	Env []string
	// KillTimeout is how long Kill waits after the interrupt before it
	// force-kills. Zero disables the escalation.
	KillTimeout time.Duration
	Sampler     Sampler
	Logger      Logger
}

// Logger interface
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Err == nil && !s.Signaled && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("wait failed: %v", s.Err)
	case s.Signaled:
		return "killed by signal"
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

// Usage is a point-in-time resource sample of a running process.
type Usage struct {
	CPU    float64
	Memory uint64
}

// Process is a running external process. Kill, Wait and Done may be called
// from any goroutine; stdout and stderr can each be taken exactly once, also
// after the process has exited.
type Process struct {
	binary    string
	args      []string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	streams struct {
		stdout io.ReadCloser
		stderr io.ReadCloser
		lock   sync.Mutex
	}

	done   chan struct{}
	status ExitStatus

	kill struct {
		timeout time.Duration
		timer   *time.Timer
		exited  bool
		lock    sync.Mutex
	}

	sampler Sampler
	logger  Logger
}

// Spawn starts the binary with stdout and stderr connected to pipes owned by
// the returned handle.
func Spawn(config Config) (*Process, error) {
	if len(config.Binary) == 0 {
		return nil, ErrNoBinary
	}

	p := &Process{
		binary:  config.Binary,
		args:    append([]string(nil), config.Args...),
		sampler: config.Sampler,
		logger:  config.Logger,
		done:    make(chan struct{}),
	}
	p.kill.timeout = config.KillTimeout

	if p.sampler == nil {
		p.sampler = NewNullSampler()
	}
	if p.logger == nil {
		p.logger = &nopLogger{}
	}

	// 使用 os.Pipe 而不是 StdoutPipe: Wait 不会关闭读端, 读取与等待可以并发进行
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p.cmd = exec.Command(p.binary, p.args...)
	if config.Env != nil {
		p.cmd.Env = config.Env
	}
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW

	if err := p.cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}

	// the child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)

	p.pid = p.cmd.Process.Pid
	p.startedAt = time.Now()
	p.streams.stdout = stdoutR
	p.streams.stderr = stderrR

	if err := p.sampler.Start(p.pid); err != nil {
		p.logger.Debug("sampler for pid %d: %v", p.pid, err)
	}

	go p.waiter()

	return p, nil
}

// Pid of the process.
func (p *Process) Pid() int { return p.pid }

// StartedAt is when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Args returns a copy of the arguments.
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// CommandLine renders binary and arguments for logs.
func (p *Process) CommandLine() string {
	return strings.Join(append([]string{p.binary}, p.args...), " ")
}

// TakeStdout hands over ownership of the stdout stream.
func (p *Process) TakeStdout() (io.ReadCloser, error) {
	return p.take(&p.streams.stdout)
}

// TakeStderr hands over ownership of the stderr stream.
func (p *Process) TakeStderr() (io.ReadCloser, error) {
	return p.take(&p.streams.stderr)
}

func (p *Process) take(stream *io.ReadCloser) (io.ReadCloser, error) {
	p.streams.lock.Lock()
	defer p.streams.lock.Unlock()

	r := *stream
	if r == nil {
		return nil, ErrStreamTaken
	}
	*stream = nil
	return r, nil
}

// Close releases the streams that were never taken. Data still buffered in
// them is lost, so the owner calls it once it has taken what it needs. Taken
// streams are closed by whoever took them.
func (p *Process) Close() {
	p.streams.lock.Lock()
	defer p.streams.lock.Unlock()

	for _, s := range []*io.ReadCloser{&p.streams.stdout, &p.streams.stderr} {
		if *s != nil {
			(*s).Close()
			*s = nil
		}
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits. Safe to call concurrently.
func (p *Process) Wait() ExitStatus {
	<-p.done
	return p.status
}

// Exited reports whether the process has already been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Usage samples CPU and resident memory. Zero after exit.
func (p *Process) Usage() Usage {
	cpu, memory := p.sampler.Current()
	return Usage{CPU: cpu, Memory: memory}
}

// Kill asks the process to terminate. On unix it sends an interrupt and, if
// the process is still alive after the kill timeout, kills it. Killing an
// already exited process is not an error.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}

	var err error
	if runtime.GOOS == "windows" {
		err = p.cmd.Process.Kill()
	} else {
		err = p.cmd.Process.Signal(os.Interrupt)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("interrupt pid %d: %v, killing", p.pid, err)
			err = p.cmd.Process.Kill()
		} else if err == nil {
			p.armKillTimer()
		}
	}

	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) armKillTimer() {
	p.kill.lock.Lock()
	defer p.kill.lock.Unlock()

	if p.kill.timeout <= 0 || p.kill.exited || p.kill.timer != nil {
		return
	}
	p.kill.timer = time.AfterFunc(p.kill.timeout, func() {
		p.logger.Warn("pid %d ignored interrupt for %s, killing", p.pid, p.kill.timeout)
		p.cmd.Process.Kill()
	})
}

func (p *Process) waiter() {
	err := p.cmd.Wait()

	var status ExitStatus
	if err != nil {
		var exiterr *exec.ExitError
		if errors.As(err, &exiterr) {
			status.Code = exiterr.ExitCode()
			if ws, ok := exiterr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signaled = true
			}
		} else {
			status.Code = -1
			status.Err = err
		}
	}

	p.kill.lock.Lock()
	p.kill.exited = true
	if p.kill.timer != nil {
		p.kill.timer.Stop()
		p.kill.timer = nil
	}
	p.kill.lock.Unlock()

	p.sampler.Stop()

	p.status = status
	close(p.done)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type nopLogger struct{}

func (l *nopLogger) Debug(format string, args ...interface{}) {}
func (l *nopLogger) Info(format string, args ...interface{})  {}
func (l *nopLogger) Warn(format string, args ...interface{})  {}
func (l *nopLogger) Error(format string, args ...interface{}) {}
