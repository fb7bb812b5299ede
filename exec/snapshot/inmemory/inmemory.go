//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides in-memory snapshot storage for execution state
// persistence and recovery. This is suitable for testing and debugging but
// not for surviving a process restart.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/stepflow-ai/stepflow/exec"
)

// DefaultMaxSnapshotsPerFrame limits how many snapshots are retained per
// frame before the oldest are evicted.
const DefaultMaxSnapshotsPerFrame = 1000

// Store provides an in-memory implementation of exec.SnapshotStore.
type Store struct {
	mu sync.RWMutex
	// byID indexes every stored snapshot.
	byID map[string]*exec.Snapshot
	// byFrame holds per-frame snapshot ids in insertion order.
	byFrame map[string][]string
	// maxPerFrame limits the number of snapshots per frame.
	maxPerFrame int
}

// New creates a new in-memory snapshot store.
func New() *Store {
	return &Store{
		byID:        make(map[string]*exec.Snapshot),
		byFrame:     make(map[string][]string),
		maxPerFrame: DefaultMaxSnapshotsPerFrame,
	}
}

// WithMaxSnapshotsPerFrame sets the retention cap per frame.
func (s *Store) WithMaxSnapshotsPerFrame(max int) *Store {
	if max > 0 {
		s.maxPerFrame = max
	}
	return s
}

// Save persists a deep copy of the snapshot and returns its id. When the
// frame's retention cap is exceeded, the oldest snapshots are evicted first.
func (s *Store) Save(_ context.Context, snapshot *exec.Snapshot) (string, error) {
	if snapshot == nil {
		return "", errors.New("snapshot is nil")
	}
	if snapshot.ID == "" || snapshot.FrameID == "" {
		return "", errors.New("snapshot id and frame id are required")
	}
	stored := snapshot.Copy()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[stored.ID]; !exists {
		s.byFrame[stored.FrameID] = append(s.byFrame[stored.FrameID], stored.ID)
	}
	s.byID[stored.ID] = stored
	for len(s.byFrame[stored.FrameID]) > s.maxPerFrame {
		oldest := s.byFrame[stored.FrameID][0]
		s.byFrame[stored.FrameID] = s.byFrame[stored.FrameID][1:]
		delete(s.byID, oldest)
	}
	return stored.ID, nil
}

// Load returns a copy of the snapshot with the given id.
func (s *Store) Load(_ context.Context, id string) (*exec.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, exec.ErrSnapshotNotFound
	}
	return snap.Copy(), nil
}

// List returns copies of all snapshots for a frame, newest first.
func (s *Store) List(_ context.Context, frameID string) ([]*exec.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byFrame[frameID]
	out := make([]*exec.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.byID[id]; ok {
			out = append(out, snap.Copy())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// DeleteFrame removes all snapshots belonging to a frame.
func (s *Store) DeleteFrame(_ context.Context, frameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byFrame[frameID] {
		delete(s.byID, id)
	}
	delete(s.byFrame, frameID)
	return nil
}

// Close releases resources. The in-memory store holds none.
func (s *Store) Close() error {
	return nil
}
