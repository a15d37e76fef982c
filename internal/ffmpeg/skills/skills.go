// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Encoder is one entry of `ffmpeg -encoders`
type Encoder struct {
	Id   string
	Name string
}

// Library represents a linked av library
type Library struct {
	Name     string
	Compiled string
	Linked   string
}

// Info is what `ffmpeg -version` reports
type Info struct {
	Version       string
	Compiler      string
	Configuration string
	Libraries     []Library
}

// Skills are the detected capabilities of FFmpeg
type Skills struct {
	FFmpeg   Info
	Encoders struct {
		Audio []Encoder
		Video []Encoder
	}
}

// HasVideoEncoder reports whether id is a known video encoder.
func (s Skills) HasVideoEncoder(id string) bool {
	return hasEncoder(s.Encoders.Video, id)
}

// HasAudioEncoder reports whether id is a known audio encoder.
func (s Skills) HasAudioEncoder(id string) bool {
	return hasEncoder(s.Encoders.Audio, id)
}

func hasEncoder(list []Encoder, id string) bool {
	for _, e := range list {
		if e.Id == id {
			return true
		}
	}
	return false
}

var (
	reVersion       = regexp.MustCompile(`^ffmpeg version ([0-9]+\.[0-9]+(\.[0-9]+)?)`)
	reCompiler      = regexp.MustCompile(`(?m)^\s*built with (.*)$`)
	reConfiguration = regexp.MustCompile(`(?m)^\s*configuration: (.*)$`)
	reLibrary       = regexp.MustCompile(`(?m)^\s*(lib(?:[a-z]+))\s+([0-9]+\.\s*[0-9]+\.\s*[0-9]+) /\s+([0-9]+\.\s*[0-9]+\.\s*[0-9]+)`)
	reEncoder       = regexp.MustCompile(`^\s([VAS])[F.][S.][X.][B.][D.] ([0-9A-Za-z_\-]+)\s+(.*)$`)
)

// New runs `ffmpeg -version` and `ffmpeg -encoders`. A binary that does not
// answer with a parseable version is treated as unavailable.
func New(binary string, env []string) (Skills, error) {
	c := Skills{}

	ff, err := getVersion(binary, env)
	if ff.Version == "" || err != nil {
		if err != nil {
			return Skills{}, fmt.Errorf("can't parse ffmpeg version: %w", err)
		}
		return Skills{}, fmt.Errorf("can't parse ffmpeg version")
	}
	c.FFmpeg = ff

	out, _ := command(binary, env, "-hide_banner", "-encoders").Output()
	c.Encoders.Audio, c.Encoders.Video = parseEncoders(out)

	return c, nil
}

func command(binary string, env []string, args ...string) *exec.Cmd {
	cmd := exec.Command(binary, args...)
	if env != nil {
		cmd.Env = env
	}
	return cmd
}

func getVersion(binary string, env []string) (Info, error) {
	out, err := command(binary, env, "-version").CombinedOutput()
	if err != nil {
		return Info{}, err
	}
	return parseVersion(out), nil
}

func parseVersion(data []byte) Info {
	f := Info{}

	if m := reVersion.FindSubmatch(data); m != nil {
		f.Version = string(m[1])
		if len(m[2]) == 0 {
			f.Version += ".0"
		}
	}
	if m := reCompiler.FindSubmatch(data); m != nil {
		f.Compiler = string(m[1])
	}
	if m := reConfiguration.FindSubmatch(data); m != nil {
		f.Configuration = string(m[1])
	}
	for _, m := range reLibrary.FindAllSubmatch(data, -1) {
		f.Libraries = append(f.Libraries, Library{
			Name:     string(m[1]),
			Compiled: string(m[2]),
			Linked:   string(m[3]),
		})
	}
	return f
}

func parseEncoders(data []byte) (audio, video []Encoder) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		m := reEncoder.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		e := Encoder{Id: m[2], Name: strings.TrimSpace(m[3])}
		switch m[1] {
		case "V":
			video = append(video, e)
		case "A":
			audio = append(audio, e)
		}
	}
	return audio, video
}
