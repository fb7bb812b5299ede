//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import "errors"

// Errors.
var (
	// ErrFrameNotFound is returned when a frame id is not registered.
	ErrFrameNotFound = errors.New("execution frame not found")
	// ErrSnapshotNotFound is returned when a snapshot id has no stored record.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrStaleResumeHandle is returned when a resume handle does not match
	// the frame's current wait snapshot. The frame is left unchanged.
	ErrStaleResumeHandle = errors.New("stale or invalid resume handle")
	// ErrFrameTerminal is returned when stepping a completed or failed frame.
	ErrFrameTerminal = errors.New("frame is in a terminal state")
	// ErrFrameNotRunning is returned by operations valid only on a running
	// frame, such as pause.
	ErrFrameNotRunning = errors.New("frame is not running")
	// ErrFrameWaiting is returned when stepping a frame that is waiting for
	// external intervention; it must be resumed first.
	ErrFrameWaiting = errors.New("frame is waiting for intervention")
	// ErrNoParser is returned by StartCoroutine when no block parser is
	// configured.
	ErrNoParser = errors.New("no block parser configured")
	// ErrEmptyScript is returned when a script parses to zero blocks.
	ErrEmptyScript = errors.New("script contains no executable blocks")
)
