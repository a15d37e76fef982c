// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ZSC714725/transcodesupervisor/internal/events"
	"github.com/ZSC714725/transcodesupervisor/internal/ffmpeg"
	"github.com/ZSC714725/transcodesupervisor/internal/job"
	"github.com/ZSC714725/transcodesupervisor/internal/logger"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// Handler holds dependencies
type Handler struct {
	supervisor *job.Supervisor
	hub        *events.Hub
	ffmpeg     ffmpeg.FFmpeg
	logger     logger.Logger

	// onClose is called after a close request was answered. It must not
	// block on the HTTP server.
	onClose func()
}

// NewHandler creates API handler
func NewHandler(supervisor *job.Supervisor, hub *events.Hub, ff ffmpeg.FFmpeg, log logger.Logger, onClose func()) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	if onClose == nil {
		onClose = func() {}
	}
	return &Handler{
		supervisor: supervisor,
		hub:        hub,
		ffmpeg:     ff,
		logger:     log,
		onClose:    onClose,
	}
}

// Register mounts the routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ffmpeg", h.FFmpeg)
	r.POST("/ffmpeg/reload", h.ReloadFFmpeg)

	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.StartJob)
	r.POST("/jobs/cancel", h.CancelJob)

	r.GET("/events", h.Events)
	r.GET("/events/stream", h.EventStream)

	r.POST("/close", h.Close)
}

func errResp(c *gin.Context, code int, msg, detail string) {
	c.JSON(code, ErrorResponse{Code: code, Message: msg, Detail: detail})
}

// StartJob POST /api/v3/jobs
//
// Blocks until the job has reached a terminal state.
func (h *Handler) StartJob(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	res, err := h.supervisor.Start(c.Request.Context(), req.params())
	if err != nil {
		h.startError(c, res, err)
		return
	}

	switch res.Outcome {
	case job.OutcomeSucceeded:
		c.JSON(http.StatusOK, resultToAPI(res))
	case job.OutcomeAlreadyRunning:
		errResp(c, http.StatusConflict, "Job already running", res.Key.String())
	case job.OutcomeCancelled:
		errResp(c, http.StatusConflict, "Job cancelled", res.Key.String())
	default:
		c.JSON(http.StatusInternalServerError, resultToAPI(res))
	}
}

func (h *Handler) startError(c *gin.Context, res job.Result, err error) {
	var (
		runtimeErr *job.RuntimeError
		probeErr   *job.ProbeError
		spawnErr   *job.SpawnError
	)

	switch {
	case errors.Is(err, job.ErrInvalidParams):
		errResp(c, http.StatusBadRequest, "Invalid params", err.Error())
	case errors.Is(err, job.ErrInvalidInputAddress), errors.Is(err, job.ErrInvalidOutputAddress):
		errResp(c, http.StatusBadRequest, "Invalid address", err.Error())
	case errors.Is(err, job.ErrShuttingDown):
		errResp(c, http.StatusServiceUnavailable, "Shutting down", err.Error())
	case errors.As(err, &runtimeErr):
		detail := runtimeErr.Diagnostics
		if detail == "" {
			detail = err.Error()
		}
		errResp(c, http.StatusUnprocessableEntity, "Transcode failed", detail)
	case errors.As(err, &probeErr):
		errResp(c, http.StatusInternalServerError, "Probe failed", err.Error())
	case errors.As(err, &spawnErr):
		errResp(c, http.StatusInternalServerError, "Spawn failed", err.Error())
	default:
		errResp(c, http.StatusInternalServerError, "Job "+string(res.Outcome), err.Error())
	}
}

// CancelJob POST /api/v3/jobs/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	res, err := h.supervisor.Cancel(req.OutputPath)
	if err != nil {
		errResp(c, http.StatusInternalServerError, "Cancel failed", err.Error())
		return
	}
	if res.Outcome == job.OutcomeNotFound {
		errResp(c, http.StatusNotFound, "No job for output", res.Key.String())
		return
	}

	c.JSON(http.StatusOK, resultToAPI(res))
}

// ListJobs GET /api/v3/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	statuses := h.supervisor.Jobs()
	jobs := make([]Job, 0, len(statuses))
	for _, s := range statuses {
		jobs = append(jobs, statusToAPI(s))
	}
	c.JSON(http.StatusOK, jobs)
}

// Close POST /api/v3/close
//
// Cancels every job, waits for their cleanup and then asks the server to stop.
func (h *Handler) Close(c *gin.Context) {
	active := h.supervisor.Registry().Len()
	h.logger.Info("close requested with %d active jobs", active)

	resp := CloseResponse{Cancelled: active}
	err := h.supervisor.ShutdownAll()
	h.hub.Close()
	if err != nil {
		resp.Error = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
	} else {
		c.JSON(http.StatusOK, resp)
	}

	h.onClose()
}

// Events GET /api/v3/events?since=N
func (h *Handler) Events(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, EventsResponse{
		LastSeq: h.hub.LastSeq(),
		Events:  h.hub.Since(since),
	})
}

// EventStream GET /api/v3/events/stream?since=N
//
// Replays buffered events after since, then streams live ones as SSE.
func (h *Handler) EventStream(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}

	// subscribe before reading history so nothing falls between the two
	ch, cancel := h.hub.Subscribe()
	defer cancel()

	last := since
	var backlog []job.ProgressEvent
	if c.Query("since") != "" {
		backlog = h.hub.Since(since)
	}

	send := func(e job.ProgressEvent) {
		if e.Seq <= last {
			return
		}
		last = e.Seq
		c.Render(-1, sse.Event{
			Id:    strconv.FormatInt(e.Seq, 10),
			Event: "progress",
			Data:  e,
		})
	}

	c.Stream(func(w io.Writer) bool {
		if len(backlog) > 0 {
			for _, e := range backlog {
				send(e)
			}
			backlog = nil
			return true
		}

		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			send(e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func parseSince(c *gin.Context) (int64, bool) {
	raw := c.DefaultQuery("since", "0")
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		errResp(c, http.StatusBadRequest, "Invalid since", raw)
		return 0, false
	}
	return since, true
}

// FFmpeg GET /api/v3/ffmpeg
func (h *Handler) FFmpeg(c *gin.Context) {
	sk, err := h.ffmpeg.Skills()
	if err != nil {
		c.JSON(http.StatusOK, FFmpegResponse{Available: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, skillsToAPI(sk))
}

// ReloadFFmpeg POST /api/v3/ffmpeg/reload
func (h *Handler) ReloadFFmpeg(c *gin.Context) {
	if err := h.ffmpeg.ReloadSkills(); err != nil {
		errResp(c, http.StatusInternalServerError, "Reload failed", err.Error())
		return
	}
	sk, err := h.ffmpeg.Skills()
	if err != nil {
		errResp(c, http.StatusInternalServerError, "Reload failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, skillsToAPI(sk))
}
