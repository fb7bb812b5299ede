//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import "time"

// FrameStatus is the lifecycle state of an execution frame.
type FrameStatus string

// Frame statuses.
const (
	// FrameRunning means the frame accepts further steps.
	FrameRunning FrameStatus = "running"
	// FrameWaiting means the frame is paused on an external intervention and
	// holds a current wait snapshot that a resume handle must match.
	FrameWaiting FrameStatus = "waiting_for_intervention"
	// FrameCompleted means the block sequence is exhausted. Terminal.
	FrameCompleted FrameStatus = "completed"
	// FrameFailed means a step raised an unhandled error. Terminal.
	FrameFailed FrameStatus = "failed"
)

// Terminal reports whether the status accepts no further steps.
func (s FrameStatus) Terminal() bool {
	return s == FrameCompleted || s == FrameFailed
}

// Error types recorded on a frame.
const (
	// ErrorTypeToolInterrupt marks an expected intervention request, not a
	// failure.
	ErrorTypeToolInterrupt = "ToolInterrupt"
	// ErrorTypeStepError marks an unhandled error raised by block execution.
	ErrorTypeStepError = "StepError"
)

// FrameError describes why a frame is waiting or failed. For a tool
// interrupt it carries the requested tool and arguments; for a failure it
// carries the message and the id of the error snapshot captured at the
// point of failure.
type FrameError struct {
	Type       string         `json:"type"`
	Message    string         `json:"message,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
}

// ExecutionFrame is one resumable in-flight script execution. A frame is
// mutated only by the single stepper driving it; the registry replaces the
// whole record on update (last-write-wins).
type ExecutionFrame struct {
	// ID uniquely identifies the frame.
	ID string `json:"id"`
	// Status is the current lifecycle state.
	Status FrameStatus `json:"status"`
	// BlockPointer is the index of the next block to execute. It never
	// decreases across a failed step.
	BlockPointer int `json:"block_pointer"`
	// SnapshotID is the id of the frame's current snapshot. While waiting
	// for intervention this is the wait snapshot a resume handle must match.
	SnapshotID string `json:"snapshot_id"`
	// Error is set while waiting (tool interrupt) or after a failure.
	Error *FrameError `json:"error,omitempty"`
	// WaitReason is a human-readable reason while waiting.
	WaitReason string `json:"wait_reason,omitempty"`
	// CreatedAt is when the frame was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the frame was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the frame safe to hand to callers.
func (f *ExecutionFrame) Clone() *ExecutionFrame {
	if f == nil {
		return nil
	}
	clone := *f
	if f.Error != nil {
		errCopy := *f.Error
		if f.Error.ToolArgs != nil {
			errCopy.ToolArgs = make(map[string]any, len(f.Error.ToolArgs))
			for k, v := range f.Error.ToolArgs {
				errCopy.ToolArgs[k] = v
			}
		}
		clone.Error = &errCopy
	}
	return &clone
}
