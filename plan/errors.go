//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package plan

import "errors"

// Errors.
var (
	// ErrNestedPlanning is returned when Plan is invoked from within a
	// copy-on-write child scope: a sub-task may read plan state but never
	// start a nested plan of its own.
	ErrNestedPlanning = errors.New("planning is not allowed inside a sub-task context")
	// ErrTaskNotFound is returned when a task id is not registered.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCompleted is returned by GetTaskOutput for tasks that have
	// not completed.
	ErrTaskNotCompleted = errors.New("task is not completed")
	// ErrTaskNotRunning is returned by KillTask for tasks that are not
	// running.
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrTaskNotRetryable is returned by RetryTask for tasks that are
	// neither failed nor cancelled.
	ErrTaskNotRetryable = errors.New("task is not in a retryable status")
)
