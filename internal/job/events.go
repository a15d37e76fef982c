// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import "time"

// ProgressEvent reports how far a job has got.
type ProgressEvent struct {
	Seq        int64     `json:"seq,omitempty"`
	JobID      string    `json:"id"`
	Key        Key       `json:"outputPath"`
	InputPath  string    `json:"filePath"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventSink receives progress events. Publish is called from the job's
// progress reader; a blocking sink slows that job down and nothing else.
type EventSink interface {
	Publish(event ProgressEvent)
}

// ChanSink delivers events to a channel with the channel's back-pressure.
type ChanSink chan<- ProgressEvent

func (c ChanSink) Publish(event ProgressEvent) { c <- event }

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ProgressEvent)

func (f SinkFunc) Publish(event ProgressEvent) { f(event) }

type nopSink struct{}

func (nopSink) Publish(ProgressEvent) {}
