// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZSC714725/transcodesupervisor/internal/api"
	"github.com/ZSC714725/transcodesupervisor/internal/config"
	"github.com/ZSC714725/transcodesupervisor/internal/events"
	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg"
	"github.com/ZSC714725/transcodesupervisor/internal/job"
	"github.com/ZSC714725/transcodesupervisor/internal/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	bind := flag.String("bind", "", "Bind address (overrides config)")
	ffmpegBin := flag.String("ffmpeg", "", "FFmpeg binary path (overrides config)")
	ffprobeBin := flag.String("ffprobe", "", "FFprobe binary path (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Load config: %v", err)
		}
	}

	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *ffmpegBin != "" {
		cfg.FFmpeg.Path = *ffmpegBin
	}
	if *ffprobeBin != "" {
		cfg.FFmpeg.ProbePath = *ffprobeBin
	}

	if err := run(cfg); err != nil {
		log.Fatalf("TranscodeSupervisor: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger, err := logger.NewWithOptions("transcodesupervisor", logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}

	// 单实例: 两个进程共享输出目录时会互相删除对方的半成品
	lock := flock.New(cfg.Server.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another instance holds %s", cfg.Server.LockFile)
	}
	defer lock.Unlock()

	validatorIn, err := ffmpeg.NewValidator(cfg.FFmpeg.InputAllow, cfg.FFmpeg.InputBlock)
	if err != nil {
		return fmt.Errorf("input validator: %w", err)
	}
	validatorOut, err := ffmpeg.NewValidator(cfg.FFmpeg.OutputAllow, cfg.FFmpeg.OutputBlock)
	if err != nil {
		return fmt.Errorf("output validator: %w", err)
	}

	ff, err := ffmpeg.New(ffmpeg.Config{
		Binary:          cfg.FFmpeg.Path,
		ProbeBinary:     cfg.FFmpeg.ProbePath,
		KillTimeout:     cfg.FFmpeg.KillTimeout(),
		ValidatorInput:  validatorIn,
		ValidatorOutput: validatorOut,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("ffmpeg init: %w", err)
	}

	hub := events.NewHub(cfg.Events.History, cfg.Events.SubscriberBuffer, logger)
	supervisor := job.NewSupervisor(ff, job.NewRegistry(), hub, logger)

	closeRequested := make(chan struct{}, 1)
	handler := api.NewHandler(supervisor, hub, ff, logger, func() {
		select {
		case closeRequested <- struct{}{}:
		default:
		}
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default())
	handler.Register(r.Group("/api/v3"))

	srv := &http.Server{
		Addr:    cfg.Server.Bind,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("TranscodeSupervisor listening on %s", cfg.Server.Bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			logger.Info("signal received, shutting down")
		case <-closeRequested:
			logger.Info("close requested, shutting down")
		}

		// cancel jobs first: their start requests hold connections open
		jerr := supervisor.ShutdownAll()
		if jerr != nil {
			logger.Error("shutdown jobs: %v", jerr)
		}
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		serr := srv.Shutdown(shutdownCtx)

		return errors.Join(serr, jerr)
	})

	return g.Wait()
}
