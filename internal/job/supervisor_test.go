// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg"
	"github.com/ZSC714725/transcodesupervisor/internal/process"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const helperEnv = "JOB_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(helper(os.Args[1:]))
	}
	goleak.VerifyTestMain(m)
}

// helper plays ffprobe and ffmpeg inside the re-executed test binary. The
// behaviour is picked by the input file name.
func helper(args []string) int {
	if slices.Contains(args, "-show_entries") {
		switch filepath.Base(args[len(args)-1]) {
		case "noduration.mp4":
			fmt.Println("N/A")
		case "zero.mp4":
			fmt.Println("0.000000")
		default:
			fmt.Println("120.000000")
		}
		return 0
	}

	i := slices.Index(args, "-i")
	if i < 0 || i+1 >= len(args) {
		return 99
	}
	input, output := filepath.Base(args[i+1]), args[len(args)-1]

	switch input {
	case "fail.mp4":
		return 1
	case "noisy.mp4":
		fmt.Fprintln(os.Stderr, "Invalid data found when processing input")
		return 0
	case "hang.mp4":
		if err := os.WriteFile(output, []byte("partial"), 0o644); err != nil {
			return 98
		}
		fmt.Println("out_time=00:00:06.000000")
		fmt.Println("progress=continue")
		time.Sleep(time.Hour)
		return 0
	case "idle.mp4":
		fmt.Println("out_time=00:00:06.000000")
		time.Sleep(time.Hour)
		return 0
	}

	if err := os.WriteFile(output, []byte("transcoded"), 0o644); err != nil {
		return 98
	}
	fmt.Println("out_time=-577014:32:22.775808")
	fmt.Println("frame=750")
	fmt.Println("out_time=00:00:30.000000")
	fmt.Println("progress=continue")
	fmt.Println("not a progress line")
	fmt.Println("out_time=N/A")
	fmt.Print("out_time=00:01:00.000000\r")
	fmt.Println("speed=2.5x")
	fmt.Println("progress=end")
	return 0
}

// stubFFmpeg overrides single methods of the helper backed FFmpeg.
type stubFFmpeg struct {
	ffmpeg.FFmpeg
	probe func(ctx context.Context, path string) (float64, error)
	spawn func(args []string) (*process.Process, error)
}

func (s *stubFFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	if s.probe != nil {
		return s.probe(ctx, path)
	}
	return s.FFmpeg.Probe(ctx, path)
}

func (s *stubFFmpeg) Spawn(args []string) (*process.Process, error) {
	if s.spawn != nil {
		return s.spawn(args)
	}
	return s.FFmpeg.Spawn(args)
}

func newTestFFmpeg(t *testing.T, config ffmpeg.Config) ffmpeg.FFmpeg {
	t.Helper()
	config.Binary = os.Args[0]
	config.ProbeBinary = os.Args[0]
	config.Env = append(os.Environ(), helperEnv+"=1")
	config.KillTimeout = 2 * time.Second
	config.NewSampler = process.NewNullSampler
	ff, err := ffmpeg.New(config)
	require.NoError(t, err)
	return ff
}

type collector struct {
	events []ProgressEvent
	lock   sync.Mutex
}

func (c *collector) Publish(e ProgressEvent) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) Events() []ProgressEvent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]ProgressEvent(nil), c.events...)
}

func newTestSupervisor(t *testing.T, ff ffmpeg.FFmpeg) (*Supervisor, *collector) {
	t.Helper()
	if ff == nil {
		ff = newTestFFmpeg(t, ffmpeg.Config{})
	}
	sink := &collector{}
	return NewSupervisor(ff, NewRegistry(), sink, nil), sink
}

type startResult struct {
	res Result
	err error
}

func startAsync(s *Supervisor, params Params) <-chan startResult {
	ch := make(chan startResult, 1)
	go func() {
		res, err := s.Start(context.Background(), params)
		ch <- startResult{res, err}
	}()
	return ch
}

// waitRunning waits until the job for output has a process and has written
// its partial output.
func waitRunning(t *testing.T, s *Supervisor, output string) *ActiveJob {
	t.Helper()
	var j *ActiveJob
	require.Eventually(t, func() bool {
		var ok bool
		j, ok = s.Registry().Get(KeyOf(output))
		if !ok || j.Process() == nil {
			return false
		}
		_, err := os.Stat(output)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	return j
}

func TestStartSucceeds(t *testing.T) {
	s, sink := newTestSupervisor(t, nil)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "ok.mp4"),
		OutputPath: output,
		VideoCodec: "libx264",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	require.Equal(t, KeyOf(output), res.Key)
	require.NotEmpty(t, res.ID)
	require.Zero(t, res.ExitCode)

	events := sink.Events()
	require.Len(t, events, 2)
	require.InDelta(t, 25.0, events[0].Percentage, 1e-9)
	require.InDelta(t, 50.0, events[1].Percentage, 1e-9)
	for _, e := range events {
		require.Equal(t, res.ID, e.JobID)
		require.Equal(t, KeyOf(output), e.Key)
		require.Equal(t, filepath.Join(dir, "ok.mp4"), e.InputPath)
	}

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, "transcoded", string(data))

	_, ok := s.Registry().Get(KeyOf(output))
	require.False(t, ok)
	require.Zero(t, s.Registry().Len())
}

func TestStartWithZeroDurationReportsNoProgress(t *testing.T) {
	s, sink := newTestSupervisor(t, nil)
	dir := t.TempDir()

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "zero.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	require.Empty(t, sink.Events())
}

func TestStartFailsOnExitCode(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "fail.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 1, res.ExitCode)

	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	require.Equal(t, 1, runtimeErr.Status.Code)
	require.Zero(t, s.Registry().Len())
}

func TestStartFailsOnDiagnostics(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "noisy.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Contains(t, res.Diagnostics, "Invalid data found")

	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	require.True(t, runtimeErr.Status.Success())
	require.ErrorContains(t, err, "Invalid data found")
}

func TestStartProbeError(t *testing.T) {
	s, sink := newTestSupervisor(t, nil)
	dir := t.TempDir()

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "noduration.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.Equal(t, OutcomeFailed, res.Outcome)

	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	require.Equal(t, filepath.Join(dir, "noduration.mp4"), probeErr.Path)
	require.Zero(t, s.Registry().Len())
	require.Empty(t, sink.Events())
}

func TestStartSpawnError(t *testing.T) {
	boom := errors.New("exec format error")
	ff := &stubFFmpeg{
		FFmpeg: newTestFFmpeg(t, ffmpeg.Config{}),
		spawn:  func([]string) (*process.Process, error) { return nil, boom },
	}
	s, _ := newTestSupervisor(t, ff)
	dir := t.TempDir()

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "ok.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.Equal(t, OutcomeFailed, res.Outcome)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.ErrorIs(t, err, boom)
	require.Zero(t, s.Registry().Len())

	// the key is free again
	ff.spawn = nil
	res, err = s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "ok.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, res.Outcome)
}

func TestStartRejectsInvalidParams(t *testing.T) {
	in, err := ffmpeg.NewValidator([]string{`\.mp4$`}, nil)
	require.NoError(t, err)
	out, err := ffmpeg.NewValidator(nil, []string{`^/etc/`})
	require.NoError(t, err)

	s, _ := newTestSupervisor(t, newTestFFmpeg(t, ffmpeg.Config{
		ValidatorInput:  in,
		ValidatorOutput: out,
	}))
	ctx := context.Background()

	_, err = s.Start(ctx, Params{InputPath: "/media/a.mp4", OutputPath: "/media/./a.mp4"})
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = s.Start(ctx, Params{InputPath: "", OutputPath: "/tmp/out.mkv"})
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = s.Start(ctx, Params{InputPath: "/media/a.txt", OutputPath: "/tmp/out.mkv"})
	require.ErrorIs(t, err, ErrInvalidInputAddress)

	_, err = s.Start(ctx, Params{InputPath: "/media/a.mp4", OutputPath: "/etc/out.mkv"})
	require.ErrorIs(t, err, ErrInvalidOutputAddress)

	require.Zero(t, s.Registry().Len())
}

func TestConcurrentStartAdmitsOne(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()
	params := Params{
		InputPath:  filepath.Join(dir, "hang.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	}

	const n = 5
	results := make([]<-chan startResult, n)
	for i := range results {
		results[i] = startAsync(s, params)
	}

	// every caller but the admitted one returns right away
	var running <-chan startResult
	alreadyRunning := 0
	for _, ch := range results {
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			require.Equal(t, OutcomeAlreadyRunning, r.res.Outcome)
			alreadyRunning++
		case <-time.After(2 * time.Second):
			require.Nil(t, running, "more than one job admitted")
			running = ch
		}
	}
	require.Equal(t, n-1, alreadyRunning)
	require.NotNil(t, running)

	waitRunning(t, s, params.OutputPath)
	res, err := s.Cancel(params.OutputPath)
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)

	r := <-running
	require.NoError(t, r.err)
	require.Equal(t, OutcomeCancelled, r.res.Outcome)
}

func TestCancelRunningJob(t *testing.T) {
	s, sink := newTestSupervisor(t, nil)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	started := startAsync(s, Params{
		InputPath:  filepath.Join(dir, "hang.mp4"),
		OutputPath: output,
	})
	j := waitRunning(t, s, output)
	require.Equal(t, StateRunning, j.State())

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.InDelta(t, 5.0, sink.Events()[0].Percentage, 1e-9)

	// an equivalent spelling of the output addresses the same job
	res, err := s.Cancel(filepath.Join(dir, ".", "out.mkv"))
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Equal(t, j.ID, res.ID)

	require.True(t, j.Process().Exited())
	_, err = os.Stat(output)
	require.ErrorIs(t, err, os.ErrNotExist)

	r := <-started
	require.NoError(t, r.err)
	require.Equal(t, OutcomeCancelled, r.res.Outcome)
	require.Equal(t, StateCancelled, j.State())

	_, ok := s.Registry().Get(KeyOf(output))
	require.False(t, ok)
}

func TestCancelUnknownJob(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()

	// a file at the path of an unknown job is left alone
	output := filepath.Join(dir, "out.mkv")
	require.NoError(t, os.WriteFile(output, []byte("keep"), 0o644))

	res, err := s.Cancel(output)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, res.Outcome)

	_, err = os.Stat(output)
	require.NoError(t, err)
}

func TestCancelFinishedJobIsNotFound(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "ok.mp4"),
		OutputPath: output,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	res, err = s.Cancel(output)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, res.Outcome)

	_, err = os.Stat(output)
	require.NoError(t, err)
}

func TestCancelWhileStarting(t *testing.T) {
	release := make(chan struct{})
	base := newTestFFmpeg(t, ffmpeg.Config{})
	ff := &stubFFmpeg{
		FFmpeg: base,
		probe: func(ctx context.Context, path string) (float64, error) {
			<-release
			return base.Probe(ctx, path)
		},
	}
	s, _ := newTestSupervisor(t, ff)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	started := startAsync(s, Params{
		InputPath:  filepath.Join(dir, "hang.mp4"),
		OutputPath: output,
	})
	require.Eventually(t, func() bool {
		j, ok := s.Registry().Get(KeyOf(output))
		return ok && j.State() == StateStarting
	}, 5*time.Second, 10*time.Millisecond)

	cancelled := make(chan startResult, 1)
	go func() {
		res, err := s.Cancel(output)
		cancelled <- startResult{res, err}
	}()
	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	close(release)

	r := <-started
	require.NoError(t, r.err)
	require.Equal(t, OutcomeCancelled, r.res.Outcome)

	c := <-cancelled
	require.NoError(t, c.err)
	require.Equal(t, OutcomeCancelled, c.res.Outcome)

	_, err := os.Stat(output)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestShutdownAll(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()

	var outputs []string
	var started []<-chan startResult
	for i := 0; i < 3; i++ {
		output := filepath.Join(dir, fmt.Sprintf("out-%d.mkv", i))
		outputs = append(outputs, output)
		started = append(started, startAsync(s, Params{
			InputPath:  filepath.Join(dir, "hang.mp4"),
			OutputPath: output,
		}))
	}
	for _, output := range outputs {
		waitRunning(t, s, output)
	}
	require.Len(t, s.Jobs(), 3)

	require.NoError(t, s.ShutdownAll())

	for _, output := range outputs {
		_, err := os.Stat(output)
		require.ErrorIs(t, err, os.ErrNotExist)
	}
	for _, ch := range started {
		r := <-ch
		require.NoError(t, r.err)
		require.Equal(t, OutcomeCancelled, r.res.Outcome)
	}
	require.Zero(t, s.Registry().Len())

	_, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "ok.mp4"),
		OutputPath: filepath.Join(dir, "late.mkv"),
	})
	require.ErrorIs(t, err, ErrShuttingDown)

	// nothing left to do the second time
	require.NoError(t, s.ShutdownAll())
}

func TestJobsReportsStatus(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	started := startAsync(s, Params{
		InputPath:  filepath.Join(dir, "hang.mp4"),
		OutputPath: output,
	})
	j := waitRunning(t, s, output)

	require.Eventually(t, func() bool {
		return j.Progress().Time == 6
	}, 5*time.Second, 10*time.Millisecond)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, j.ID, jobs[0].ID)
	require.Equal(t, "running", jobs[0].State)
	require.Equal(t, j.Process().Pid(), jobs[0].Pid)
	require.Equal(t, filepath.Join(dir, "hang.mp4"), jobs[0].InputPath)

	_, err := s.Cancel(output)
	require.NoError(t, err)
	<-started
	require.Empty(t, s.Jobs())
}

func TestStartAfterProcessAlreadyExited(t *testing.T) {
	base := newTestFFmpeg(t, ffmpeg.Config{})
	ff := &stubFFmpeg{
		FFmpeg: base,
		spawn: func(args []string) (*process.Process, error) {
			p, err := base.Spawn(args)
			if err != nil {
				return nil, err
			}
			<-p.Done()
			return p, nil
		},
	}
	s, sink := newTestSupervisor(t, ff)
	dir := t.TempDir()

	res, err := s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "ok.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	events := sink.Events()
	require.Len(t, events, 2)
	require.InDelta(t, 25.0, events[0].Percentage, 1e-9)
	require.InDelta(t, 50.0, events[1].Percentage, 1e-9)

	res, err = s.Start(context.Background(), Params{
		InputPath:  filepath.Join(dir, "noisy.mp4"),
		OutputPath: filepath.Join(dir, "out.mkv"),
	})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Contains(t, res.Diagnostics, "Invalid data found")

	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	require.NoError(t, runtimeErr.ReadErr)
}

func TestCancelKillFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	s.kill = func(*process.Process) error { return errors.New("operation not permitted") }
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	started := startAsync(s, Params{
		InputPath:  filepath.Join(dir, "hang.mp4"),
		OutputPath: output,
	})
	j := waitRunning(t, s, output)

	res, err := s.Cancel(output)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, j.ID, res.ID)

	var killErr *KillError
	require.ErrorAs(t, err, &killErr)
	require.Equal(t, KeyOf(output), killErr.Key)
	require.ErrorContains(t, err, "operation not permitted")

	// the process may still be writing, so its output stays
	require.False(t, j.Process().Exited())
	_, err = os.Stat(output)
	require.NoError(t, err)
	_, ok := s.Registry().Get(KeyOf(output))
	require.False(t, ok)

	require.NoError(t, j.Process().Kill())
	r := <-started
	require.NoError(t, r.err)
	require.Equal(t, OutcomeCancelled, r.res.Outcome)
}

func TestCancelCleanupFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	dir := t.TempDir()

	// a non-empty directory cannot be removed with os.Remove
	output := filepath.Join(dir, "out.mkv")
	require.NoError(t, os.Mkdir(output, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(output, "keep"), nil, 0o644))

	started := startAsync(s, Params{
		InputPath:  filepath.Join(dir, "idle.mp4"),
		OutputPath: output,
	})
	j := waitRunning(t, s, output)

	res, err := s.Cancel(output)
	require.Equal(t, OutcomeCancelled, res.Outcome)

	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	require.Equal(t, output, cleanupErr.Path)
	require.True(t, j.Process().Exited())

	r := <-started
	require.NoError(t, r.err)
	require.Equal(t, OutcomeCancelled, r.res.Outcome)
	require.Zero(t, s.Registry().Len())
}

func TestCancelWhileStartingKillFailure(t *testing.T) {
	release := make(chan struct{})
	spawned := make(chan *process.Process, 1)
	base := newTestFFmpeg(t, ffmpeg.Config{})
	ff := &stubFFmpeg{
		FFmpeg: base,
		probe: func(ctx context.Context, path string) (float64, error) {
			<-release
			return base.Probe(ctx, path)
		},
		spawn: func(args []string) (*process.Process, error) {
			p, err := base.Spawn(args)
			if err == nil {
				spawned <- p
			}
			return p, err
		},
	}
	s, _ := newTestSupervisor(t, ff)
	s.kill = func(*process.Process) error { return errors.New("operation not permitted") }
	dir := t.TempDir()
	output := filepath.Join(dir, "out.mkv")

	started := startAsync(s, Params{
		InputPath:  filepath.Join(dir, "idle.mp4"),
		OutputPath: output,
	})
	require.Eventually(t, func() bool {
		j, ok := s.Registry().Get(KeyOf(output))
		return ok && j.State() == StateStarting
	}, 5*time.Second, 10*time.Millisecond)

	cancelled := make(chan startResult, 1)
	go func() {
		res, err := s.Cancel(output)
		cancelled <- startResult{res, err}
	}()
	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	close(release)

	var killErr *KillError
	r := <-started
	require.Equal(t, OutcomeCancelled, r.res.Outcome)
	require.ErrorAs(t, r.err, &killErr)

	c := <-cancelled
	require.Equal(t, OutcomeFailed, c.res.Outcome)
	require.ErrorAs(t, c.err, &killErr)

	proc := <-spawned
	require.False(t, proc.Exited())
	require.NoError(t, proc.Kill())
	proc.Wait()
}
