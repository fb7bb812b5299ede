//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package script

import (
	"context"
	"fmt"

	"github.com/stepflow-ai/stepflow/cow"
	"github.com/stepflow-ai/stepflow/exec"
)

// assignBlock evaluates an expression and binds the result to a variable.
type assignBlock struct {
	line   int
	target string
	value  expr
}

func (b *assignBlock) Pos() int { return b.line }

func (b *assignBlock) Execute(_ context.Context, scope cow.Scope) exec.StepOutcome {
	v, err := b.value.eval(scope)
	if err != nil {
		return exec.Failed(fmt.Errorf("line %d: %w", b.line, err))
	}
	return exec.CompletedWith(map[string]any{b.target: v})
}

// toolArg is one named tool argument in source order.
type toolArg struct {
	key   string
	value expr
}

// toolBlock requests an external intervention. On first execution it
// evaluates its arguments and interrupts; after a resume it re-executes,
// consumes the staged resume value, and completes with it.
type toolBlock struct {
	line   int
	name   string
	args   []toolArg
	target string
}

func (b *toolBlock) Pos() int { return b.line }

func (b *toolBlock) Execute(_ context.Context, scope cow.Scope) exec.StepOutcome {
	if v, ok := exec.ResumeValue(scope); ok {
		if b.target == "" {
			return exec.Completed()
		}
		return exec.CompletedWith(map[string]any{b.target: v})
	}
	args := make(map[string]any, len(b.args))
	for _, a := range b.args {
		v, err := a.value.eval(scope)
		if err != nil {
			return exec.Failed(fmt.Errorf("line %d: tool %s argument %s: %w", b.line, b.name, a.key, err))
		}
		args[a.key] = v
	}
	return exec.Interrupted(b.name, args)
}

// condBlock is a compiled if/else: one steppable unit that evaluates its
// condition and runs exactly one branch.
type condBlock struct {
	line int
	cond expr
	then exec.Block
	alt  exec.Block
}

func (b *condBlock) Pos() int { return b.line }

func (b *condBlock) Execute(ctx context.Context, scope cow.Scope) exec.StepOutcome {
	v, err := b.cond.eval(scope)
	if err != nil {
		return exec.Failed(fmt.Errorf("line %d: %w", b.line, err))
	}
	if truthy(v) {
		return b.then.Execute(ctx, scope)
	}
	if b.alt == nil {
		return exec.Completed()
	}
	return b.alt.Execute(ctx, scope)
}

// waitBlock sleeps for a fixed number of seconds, staying responsive to
// cancellation.
type waitBlock struct {
	line    int
	seconds float64
}

func (b *waitBlock) Pos() int { return b.line }

func (b *waitBlock) Execute(ctx context.Context, _ cow.Scope) exec.StepOutcome {
	if err := exec.Wait(ctx, b.seconds); err != nil {
		return exec.Failed(fmt.Errorf("line %d: wait: %w", b.line, err))
	}
	return exec.Completed()
}
