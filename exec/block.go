//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import (
	"context"

	"github.com/stepflow-ai/stepflow/cow"
)

// Block is one opaque steppable unit of a parsed script. Beyond having a
// position and executing one step at a time, the engine knows nothing about
// block content.
type Block interface {
	// Execute runs the block's single step against the scope and reports
	// the outcome. Implementations may mutate the scope directly or return
	// an update map on completion; they signal an intervention request by
	// returning an Interrupted outcome (or a Failed outcome wrapping an
	// *InterruptError, which the engine normalizes).
	Execute(ctx context.Context, scope cow.Scope) StepOutcome
	// Pos returns the block's position in the source script, for
	// diagnostics.
	Pos() int
}

// Parser turns script text into an ordered block sequence. It is an
// external collaborator; package script ships a reference implementation.
type Parser interface {
	Parse(script string) ([]Block, error)
}

// OutcomeKind tags a step outcome.
type OutcomeKind int

// Outcome kinds.
const (
	// OutcomeCompleted means the block finished normally.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeInterrupted means the block requested external intervention.
	OutcomeInterrupted
	// OutcomeFailed means the block raised an unhandled error.
	OutcomeFailed
)

// StepOutcome is the tagged result of executing one block. The engine
// matches on Kind rather than dispatching on error types.
type StepOutcome struct {
	Kind OutcomeKind
	// Update holds variable updates to apply on completion, if any.
	Update map[string]any
	// ToolName and ToolArgs describe the requested intervention.
	ToolName string
	ToolArgs map[string]any
	// Err is the failure cause.
	Err error
}

// Completed returns a successful outcome with no updates.
func Completed() StepOutcome {
	return StepOutcome{Kind: OutcomeCompleted}
}

// CompletedWith returns a successful outcome carrying variable updates for
// the engine to apply to the scope.
func CompletedWith(update map[string]any) StepOutcome {
	return StepOutcome{Kind: OutcomeCompleted, Update: update}
}

// Interrupted returns an intervention-request outcome.
func Interrupted(toolName string, toolArgs map[string]any) StepOutcome {
	return StepOutcome{Kind: OutcomeInterrupted, ToolName: toolName, ToolArgs: toolArgs}
}

// Failed returns a failure outcome.
func Failed(err error) StepOutcome {
	return StepOutcome{Kind: OutcomeFailed, Err: err}
}
