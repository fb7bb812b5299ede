//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-ai/stepflow/cow"
	"github.com/stepflow-ai/stepflow/plan"
)

// Snapshot sources record how a snapshot came to be.
const (
	// SnapshotSourceInput is the initial snapshot taken at frame creation.
	SnapshotSourceInput = "input"
	// SnapshotSourceStep is a snapshot taken after a successful step.
	SnapshotSourceStep = "step"
	// SnapshotSourceInterrupt is a snapshot taken when a block requested
	// external intervention.
	SnapshotSourceInterrupt = "interrupt"
	// SnapshotSourcePause is a snapshot taken by an explicit pause.
	SnapshotSourcePause = "pause"
	// SnapshotSourceError is a snapshot taken at the point of an unhandled
	// step error, for post-mortem inspection.
	SnapshotSourceError = "error"
)

// Snapshot is an immutable serialized capture of frame state at one
// instant: all variable bindings, the conversational buffer, and the task
// registry contents. Live task handles are deliberately excluded; they are
// reconciled after a restore (see plan.Orchestrator.Reconcile).
type Snapshot struct {
	// ID uniquely identifies the snapshot.
	ID string `json:"id"`
	// FrameID is the frame this snapshot belongs to.
	FrameID string `json:"frame_id"`
	// ParentID is the previous snapshot in the frame's chain, if any.
	ParentID string `json:"parent_id,omitempty"`
	// Source records how the snapshot was created.
	Source string `json:"source"`
	// Step is the block pointer at capture time.
	Step int `json:"step"`
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"ts"`
	// Vars holds all variable bindings.
	Vars map[string]any `json:"vars"`
	// Messages holds the conversational buffer.
	Messages []Message `json:"messages,omitempty"`
	// Plan holds the serialized task registry, if a plan exists.
	Plan *plan.RegistrySnapshot `json:"plan,omitempty"`
}

// NewSnapshot captures frame state into a fresh snapshot record.
func NewSnapshot(frameID, parentID, source string, step int) *Snapshot {
	return &Snapshot{
		ID:        uuid.New().String(),
		FrameID:   frameID,
		ParentID:  parentID,
		Source:    source,
		Step:      step,
		Timestamp: time.Now().UTC(),
		Vars:      make(map[string]any),
	}
}

// Copy returns a deep copy of the snapshot so stored records can never be
// mutated through a returned reference.
func (s *Snapshot) Copy() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Vars = make(map[string]any, len(s.Vars))
	for k, v := range s.Vars {
		out.Vars[k] = cow.CloneValue(v)
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	out.Plan = s.Plan.Copy()
	return &out
}

// SnapshotStore is append-only persistence of serialized execution state,
// keyed by snapshot id. Stored snapshots are never mutated in place.
type SnapshotStore interface {
	// Save persists a snapshot and returns its id.
	Save(ctx context.Context, snapshot *Snapshot) (string, error)
	// Load returns the snapshot with the given id, or ErrSnapshotNotFound.
	Load(ctx context.Context, id string) (*Snapshot, error)
	// List returns all snapshots for a frame, newest first.
	List(ctx context.Context, frameID string) ([]*Snapshot, error)
	// DeleteFrame removes all snapshots belonging to a frame.
	DeleteFrame(ctx context.Context, frameID string) error
	// Close releases resources held by the store.
	Close() error
}
