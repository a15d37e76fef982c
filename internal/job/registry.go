// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package job

import (
	"sort"
	"sync"

	"github.com/ZSC714725/transcodesupervisor/internal/process"
)

// Registry maps output keys to active jobs. It holds at most one job per key
// and is the only record of which outputs are being produced. Every method
// holds the lock for the map mutation only.
type Registry struct {
	jobs   map[Key]*ActiveJob
	sealed bool
	mu     sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[Key]*ActiveJob)}
}

// TryAdmit reserves the job's key. The reservation is a placeholder without a
// process until Insert attaches one.
func (r *Registry) TryAdmit(j *ActiveJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrShuttingDown
	}
	if _, exists := r.jobs[j.key]; exists {
		return ErrAlreadyRunning
	}
	r.jobs[j.key] = j
	j.setState(StateStarting)
	return nil
}

// Insert attaches a spawned process to a reservation. It reports false when
// the reservation was removed in the meantime; the caller then owns proc and
// its cleanup.
func (r *Registry) Insert(j *ActiveJob, proc *process.Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[j.key] != j {
		return false
	}
	j.proc.Store(proc)
	j.setState(StateRunning)
	return true
}

// Get returns the job for key.
func (r *Registry) Get(key Key) (*ActiveJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[key]
	return j, ok
}

// Remove takes the job for key out of the registry. Only one caller can
// obtain a given job; later calls report false.
func (r *Registry) Remove(key Key) (*ActiveJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[key]
	if ok {
		delete(r.jobs, key)
	}
	return j, ok
}

// Release removes j only if it is still the job registered for its key.
func (r *Registry) Release(j *ActiveJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[j.key] != j {
		return false
	}
	delete(r.jobs, j.key)
	return true
}

// DrainAll removes every job in one step and seals the registry so no new
// job can be admitted.
func (r *Registry) DrainAll() []*ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ActiveJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.jobs = make(map[Key]*ActiveJob)
	r.sealed = true
	return out
}

// List returns the active jobs ordered by key.
func (r *Registry) List() []*ActiveJob {
	r.mu.Lock()
	out := make([]*ActiveJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].key < out[b].key })
	return out
}

// Len returns the number of active jobs, placeholders included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
