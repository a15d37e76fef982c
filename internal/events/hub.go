// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具
//
// Package events fans progress events out to HTTP clients. It keeps a
// bounded history for incremental polling and feeds live subscribers.

package events

import (
	"sync"
	"time"

	"github.com/ZSC714725/transcodesupervisor/internal/job"
	"github.com/ZSC714725/transcodesupervisor/internal/logger"
)

// Hub stores recent events and forwards new ones to subscribers. It
// implements job.EventSink and never blocks the publisher: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []job.ProgressEvent

	buffer      int
	nextID      int
	subscribers map[int]chan job.ProgressEvent
	dropped     int64
	closed      bool

	logger logger.Logger
}

// NewHub creates a hub keeping maxEvents events of history. Each subscriber
// gets a channel with room for buffer events.
func NewHub(maxEvents, buffer int, log logger.Logger) *Hub {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Hub{
		maxEvents:   maxEvents,
		events:      make([]job.ProgressEvent, 0, maxEvents),
		buffer:      buffer,
		subscribers: make(map[int]chan job.ProgressEvent),
		logger:      log,
	}
}

// Publish assigns the next sequence number, records the event and hands it
// to every subscriber.
func (h *Hub) Publish(event job.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event.Seq = h.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	h.events = append(h.events, event)
	if len(h.events) > h.maxEvents {
		trim := len(h.events) - h.maxEvents
		h.events = append([]job.ProgressEvent(nil), h.events[trim:]...)
	}

	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.dropped++
			h.logger.Debug("subscriber %d is full, dropped event %d", id, event.Seq)
		}
	}
}

// Since returns events with sequence strictly greater than seq.
func (h *Hub) Since(seq int64) []job.ProgressEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]job.ProgressEvent, 0, len(h.events))
	for _, event := range h.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event.
func (h *Hub) LastSeq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextSeq
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Subscribe registers a live subscriber. The channel is closed by the
// returned cancel function or by Close, whichever comes first.
func (h *Hub) Subscribe() (<-chan job.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan job.ProgressEvent, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close ends every subscription. Publishing after Close still records
// history.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
