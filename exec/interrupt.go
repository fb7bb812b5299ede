//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import (
	"errors"
	"fmt"
	"time"
)

// InterruptError is the distinguished "needs external intervention" signal.
// It is expected control flow, not a failure: the executor absorbs it into a
// WAITING_FOR_INTERVENTION transition and issues a resume handle.
type InterruptError struct {
	// ToolName is the tool whose execution needs external input.
	ToolName string
	// ToolArgs are the arguments the tool was invoked with.
	ToolArgs map[string]any
	// Timestamp is when the interrupt was raised.
	Timestamp time.Time
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("execution interrupted: tool %s requires intervention", e.ToolName)
}

// NewInterruptError creates an interrupt signal for the given tool call.
func NewInterruptError(toolName string, toolArgs map[string]any) *InterruptError {
	return &InterruptError{
		ToolName:  toolName,
		ToolArgs:  toolArgs,
		Timestamp: time.Now().UTC(),
	}
}

// IsInterruptError checks whether err is an interrupt signal.
func IsInterruptError(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}

// AsInterruptError extracts the interrupt signal from err.
func AsInterruptError(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// ResumeHandle is a one-shot capability permitting exactly one resume of a
// specific frame. It is valid only while its SnapshotID equals the frame's
// current wait snapshot; a stale handle is rejected, never silently
// accepted.
type ResumeHandle struct {
	FrameID    string `json:"frame_id"`
	SnapshotID string `json:"snapshot_id"`
	Token      string `json:"token"`
}

// Updates carries optional state changes applied on resume. Variables are
// direct overrides of the restored bindings. UserMessage, when non-empty,
// is appended as a new user turn to the conversational buffer instead of
// overwriting a variable, and is staged as the resume value for the
// interrupted block.
type Updates struct {
	Variables   map[string]any
	UserMessage string
}
