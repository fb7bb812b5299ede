//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns all in-flight execution frames, keyed by frame id.
//
// The registry only guards its own map: updates to a given frame follow a
// single-writer contract enforced by callers, and UpdateFrame is a
// last-write-wins replace by id.
type Registry struct {
	mu     sync.RWMutex
	frames map[string]*ExecutionFrame
}

// NewRegistry creates an empty frame registry.
func NewRegistry() *Registry {
	return &Registry{frames: make(map[string]*ExecutionFrame)}
}

// CreateFrame creates a new running frame with pointer 0 and inserts it.
func (r *Registry) CreateFrame() *ExecutionFrame {
	now := time.Now().UTC()
	frame := &ExecutionFrame{
		ID:        uuid.New().String(),
		Status:    FrameRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[frame.ID] = frame
	return frame.Clone()
}

// GetFrame returns a copy of the frame with the given id.
func (r *Registry) GetFrame(id string) (*ExecutionFrame, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	frame, ok := r.frames[id]
	if !ok {
		return nil, ErrFrameNotFound
	}
	return frame.Clone(), nil
}

// UpdateFrame replaces the stored record for the frame's id.
func (r *Registry) UpdateFrame(frame *ExecutionFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.frames[frame.ID]; !ok {
		return ErrFrameNotFound
	}
	updated := frame.Clone()
	updated.UpdatedAt = time.Now().UTC()
	r.frames[frame.ID] = updated
	return nil
}

// RemoveFrame drops a frame from the registry.
func (r *Registry) RemoveFrame(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frames, id)
}

// FrameIDs returns the ids of all registered frames, sorted.
func (r *Registry) FrameIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.frames))
	for id := range r.frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
