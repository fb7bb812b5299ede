//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package plan

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExecMode selects how a plan's tasks are scheduled.
type ExecMode string

// Execution modes.
const (
	// ExecParallel runs up to MaxConcurrency tasks at once.
	ExecParallel ExecMode = "parallel"
	// ExecSequential runs one task at a time, in plan order.
	ExecSequential ExecMode = "sequential"
)

// ParseExecMode normalizes a user-supplied mode string. Prefixes are
// accepted ("para", "seq") so automated callers with abbreviated output
// still schedule correctly.
func ParseExecMode(s string) (ExecMode, bool) {
	switch {
	case s == "", strings.HasPrefix(strings.ToLower(s), "para"):
		return ExecParallel, true
	case strings.HasPrefix(strings.ToLower(s), "seq"):
		return ExecSequential, true
	}
	return "", false
}

// liveHandle tracks one running task body: its cancel function and a
// channel closed once the body's bookkeeping (status update, handle
// removal) is finished.
type liveHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the bookkeeping for a plan's tasks and their live execution
// handles. Tasks are cleared en masse on replan or reset, never deleted
// individually. Live handles are excluded from serialization.
type Registry struct {
	mu             sync.Mutex
	tasks          map[string]*Task
	order          []string
	handles        map[string]*liveHandle
	mode           ExecMode
	maxConcurrency int
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:   make(map[string]*Task),
		handles: make(map[string]*liveHandle),
		mode:    ExecParallel,
	}
}

// Reset discards all tasks and installs a new scheduling configuration.
// Callers must cancel running tasks first; see CancelAllRunning.
func (r *Registry) Reset(mode ExecMode, maxConcurrency int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*Task)
	r.order = nil
	r.mode = mode
	r.maxConcurrency = maxConcurrency
}

// Register adds a task in plan order.
func (r *Registry) Register(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; !exists {
		r.order = append(r.order, t.ID)
	}
	r.tasks[t.ID] = t.Clone()
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in plan order.
func (r *Registry) Tasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

// update applies a mutation to a task under the registry lock.
func (r *Registry) update(id string, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// MarkRunning transitions a task to running, stamping the start time and
// incrementing the attempt counter.
func (r *Registry) MarkRunning(id string) bool {
	return r.update(id, func(t *Task) {
		t.Status = StatusRunning
		t.StartedAt = time.Now().UTC()
		t.Duration = 0
		t.Error = ""
		t.Attempt++
	})
}

// MarkCompleted transitions a task to completed with its answer.
func (r *Registry) MarkCompleted(id, answer, think string) bool {
	return r.update(id, func(t *Task) {
		t.Status = StatusCompleted
		t.Answer = answer
		t.Think = think
		t.Duration = time.Since(t.StartedAt)
	})
}

// MarkFailed transitions a task to failed with the error message.
func (r *Registry) MarkFailed(id, errMsg string) bool {
	return r.update(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = errMsg
		if !t.StartedAt.IsZero() {
			t.Duration = time.Since(t.StartedAt)
		}
	})
}

// MarkCancelled transitions a task to cancelled.
func (r *Registry) MarkCancelled(id string) bool {
	return r.update(id, func(t *Task) {
		t.Status = StatusCancelled
		if !t.StartedAt.IsZero() {
			t.Duration = time.Since(t.StartedAt)
		}
	})
}

// MarkCancelledIfRunning transitions a task to cancelled only if it is
// still running. A task whose body settled in the meantime keeps its
// terminal status and answer.
func (r *Registry) MarkCancelledIfRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		return false
	}
	t.Status = StatusCancelled
	if !t.StartedAt.IsZero() {
		t.Duration = time.Since(t.StartedAt)
	}
	return true
}

// MarkPending resets a task to pending for a respawn, clearing every
// artifact of the prior attempt.
func (r *Registry) MarkPending(id string) bool {
	return r.update(id, func(t *Task) {
		t.Status = StatusPending
		t.Answer = ""
		t.Think = ""
		t.Error = ""
		t.Duration = 0
	})
}

// attach records a live handle for a running task body and returns the
// release function the body must defer: it removes the handle and then
// closes the done channel, so waiters observe final bookkeeping.
func (r *Registry) attach(id string, cancel context.CancelFunc) func() {
	h := &liveHandle{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.handles, id)
		r.mu.Unlock()
		close(h.done)
	}
}

// HasLiveHandle reports whether a task has a live execution handle.
func (r *Registry) HasLiveHandle(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// LiveHandleIDs returns the ids with live handles, sorted.
func (r *Registry) LiveHandleIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelRunning signals one running task's handle and blocks until the
// task's cleanup path has marked it cancelled and dropped the handle.
func (r *Registry) CancelRunning(id string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// CancelAllRunning cancels every outstanding handle and blocks until the
// bookkeeping reflects it, returning the number of tasks cancelled.
func (r *Registry) CancelAllRunning() int {
	r.mu.Lock()
	handles := make([]*liveHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
	return len(handles)
}

// RunningCount returns the number of tasks currently marked running.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// CountByStatus returns the number of tasks per status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// HasActive reports whether any task is in a non-terminal status.
func (r *Registry) HasActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			return true
		}
	}
	return false
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Mode returns the scheduling mode of the current plan.
func (r *Registry) Mode() ExecMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// MaxConcurrency returns the concurrency bound of the current plan.
func (r *Registry) MaxConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxConcurrency
}

// StatusSignature returns a stable fingerprint of the plan's state: sorted
// (id, status) pairs. Progress checks use it to detect "nothing changed".
func (r *Registry) StatusSignature() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	pairs := make([]string, 0, len(r.tasks))
	for id, t := range r.tasks {
		pairs = append(pairs, id+"="+string(t.Status))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Export serializes the registry contents. Live handles are excluded.
func (r *Registry) Export() *RegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return nil
	}
	snap := &RegistrySnapshot{
		Mode:           r.mode,
		MaxConcurrency: r.maxConcurrency,
		Tasks:          make([]Task, 0, len(r.order)),
	}
	for _, id := range r.order {
		snap.Tasks = append(snap.Tasks, *r.tasks[id].Clone())
	}
	return snap
}

// Restore replaces the registry contents from a snapshot. Restored tasks
// may claim to be running without a live handle; Reconcile repairs that.
func (r *Registry) Restore(snap *RegistrySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*Task)
	r.order = nil
	if snap == nil {
		return
	}
	r.mode = snap.Mode
	r.maxConcurrency = snap.MaxConcurrency
	for i := range snap.Tasks {
		t := snap.Tasks[i].Clone()
		r.tasks[t.ID] = t
		r.order = append(r.order, t.ID)
	}
}
