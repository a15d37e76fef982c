// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server ServerConfig `yaml:"server"`
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
	Log    LogConfig    `yaml:"log"`
	Events EventsConfig `yaml:"events"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Bind     string `yaml:"bind"`
	LockFile string `yaml:"lock_file"`
}

// FFmpegConfig FFmpeg/FFprobe 配置
type FFmpegConfig struct {
	Path               string   `yaml:"path"`
	ProbePath          string   `yaml:"probe_path"`
	KillTimeoutSeconds int      `yaml:"kill_timeout_seconds"`
	InputAllow         []string `yaml:"input_allow"`
	InputBlock         []string `yaml:"input_block"`
	OutputAllow        []string `yaml:"output_allow"`
	OutputBlock        []string `yaml:"output_block"`
}

// KillTimeout is the grace period between the interrupt and the forced kill.
func (c FFmpegConfig) KillTimeout() time.Duration {
	return time.Duration(c.KillTimeoutSeconds) * time.Second
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventsConfig 进度事件缓冲配置
type EventsConfig struct {
	History          int `yaml:"history"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

const (
	defaultBind             = ":8080"
	defaultFFmpeg           = "ffmpeg"
	defaultFFprobe          = "ffprobe"
	defaultKillTimeout      = 5
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
	defaultHistory          = 500
	defaultSubscriberBuffer = 64
)

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:     defaultBind,
			LockFile: defaultLockFile(),
		},
		FFmpeg: FFmpegConfig{
			Path:               defaultFFmpeg,
			ProbePath:          defaultFFprobe,
			KillTimeoutSeconds: defaultKillTimeout,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Events: EventsConfig{
			History:          defaultHistory,
			SubscriberBuffer: defaultSubscriberBuffer,
		},
	}
}

// Load 从 YAML 文件加载配置
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// 填充空值
	cfg.fill()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fill() {
	if c.Server.Bind == "" {
		c.Server.Bind = defaultBind
	}
	if c.Server.LockFile == "" {
		c.Server.LockFile = defaultLockFile()
	}
	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = defaultFFmpeg
	}
	if c.FFmpeg.ProbePath == "" {
		c.FFmpeg.ProbePath = defaultFFprobe
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if c.Events.History <= 0 {
		c.Events.History = defaultHistory
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = defaultSubscriberBuffer
	}
}

// Validate checks values that cannot be back-filled.
func (c *Config) Validate() error {
	if c.FFmpeg.KillTimeoutSeconds < 0 {
		return fmt.Errorf("ffmpeg.kill_timeout_seconds must not be negative, got %d", c.FFmpeg.KillTimeoutSeconds)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unsupported value %q", c.Log.Format)
	}
	return nil
}

func defaultLockFile() string {
	return filepath.Join(os.TempDir(), "transcodesupervisor.lock")
}
