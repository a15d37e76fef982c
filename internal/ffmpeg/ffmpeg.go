// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg/skills"
	"github.com/ZSC714725/transcodesupervisor/internal/logger"
	"github.com/ZSC714725/transcodesupervisor/internal/process"
)

// FFmpeg manages the ffmpeg/ffprobe binaries
type FFmpeg interface {
	// Spawn starts ffmpeg with the given arguments.
	Spawn(args []string) (*process.Process, error)
	// Probe returns the media duration of path in seconds.
	Probe(ctx context.Context, path string) (float64, error)
	ValidateInput(path string) bool
	ValidateOutput(path string) bool
	Skills() (skills.Skills, error)
	ReloadSkills() error
}

// Config for FFmpeg
type Config struct {
	Binary          string
	ProbeBinary     string
	KillTimeout     time.Duration
	Env             []string
	ValidatorInput  Validator
	ValidatorOutput Validator
	Logger          logger.Logger
	// NewSampler creates a resource sampler per process. Defaults to gopsutil.
	NewSampler func() process.Sampler
}

type ffmpeg struct {
	binary       string
	probe        string
	killTimeout  time.Duration
	env          []string
	validatorIn  Validator
	validatorOut Validator
	logger       logger.Logger
	newSampler   func() process.Sampler

	skills     *skills.Skills
	skillsLock sync.Mutex
}

// New resolves both binaries and creates FFmpeg. Capability detection is
// deferred until Skills is first called.
func New(config Config) (FFmpeg, error) {
	binary, err := exec.LookPath(config.Binary)
	if err != nil {
		return nil, fmt.Errorf("invalid ffmpeg binary: %w", err)
	}
	probe, err := exec.LookPath(config.ProbeBinary)
	if err != nil {
		return nil, fmt.Errorf("invalid ffprobe binary: %w", err)
	}

	f := &ffmpeg{
		binary:      binary,
		probe:       probe,
		killTimeout: config.KillTimeout,
		env:         config.Env,
		logger:      config.Logger,
		newSampler:  config.NewSampler,
	}

	if f.logger == nil {
		f.logger = logger.Nop()
	}
	if f.newSampler == nil {
		f.newSampler = process.NewSysSampler
	}

	if config.ValidatorInput != nil {
		f.validatorIn = config.ValidatorInput
	} else {
		f.validatorIn, _ = NewValidator(nil, nil)
	}
	if config.ValidatorOutput != nil {
		f.validatorOut = config.ValidatorOutput
	} else {
		f.validatorOut, _ = NewValidator(nil, nil)
	}

	return f, nil
}

func (f *ffmpeg) Spawn(args []string) (*process.Process, error) {
	return process.Spawn(process.Config{
		Binary:      f.binary,
		Args:        args,
		Env:         f.env,
		KillTimeout: f.killTimeout,
		Sampler:     f.newSampler(),
		Logger:      f.logger,
	})
}

func (f *ffmpeg) ValidateInput(path string) bool {
	return f.validatorIn.IsValid(path)
}

func (f *ffmpeg) ValidateOutput(path string) bool {
	return f.validatorOut.IsValid(path)
}

func (f *ffmpeg) Skills() (skills.Skills, error) {
	f.skillsLock.Lock()
	defer f.skillsLock.Unlock()

	if f.skills == nil {
		s, err := skills.New(f.binary, f.env)
		if err != nil {
			return skills.Skills{}, err
		}
		f.skills = &s
	}
	return *f.skills, nil
}

func (f *ffmpeg) ReloadSkills() error {
	s, err := skills.New(f.binary, f.env)
	if err != nil {
		return fmt.Errorf("reload skills: %w", err)
	}
	f.skillsLock.Lock()
	f.skills = &s
	f.skillsLock.Unlock()
	return nil
}
