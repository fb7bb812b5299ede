//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package exec implements the resumable execution core: execution frames,
// immutable snapshots, and the executor that steps a frame through its
// block sequence with pause/resume and a distinguished intervention
// protocol.
package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stepflow-ai/stepflow/cow"
	itelemetry "github.com/stepflow-ai/stepflow/internal/telemetry"
	"github.com/stepflow-ai/stepflow/log"
	"github.com/stepflow-ai/stepflow/plan"
	"github.com/stepflow-ai/stepflow/telemetry/trace"
)

const (
	// defaultMaxSteps bounds RunToCompletion against runaway scripts.
	defaultMaxSteps = 100
	// waitTick is the granularity at which Wait checks for cancellation.
	waitTick = 100 * time.Millisecond
)

// PlannerProvider builds a task orchestrator bound to a frame's root store.
// When set on the executor, every frame gets its own orchestrator whose
// registry contents ride along in the frame's snapshots.
type PlannerProvider func(root *cow.Store) *plan.Orchestrator

// Executor steps frames through their block sequences. A given frame must
// not be stepped concurrently: the single-writer contract is enforced by
// callers, not by a per-frame lock.
type Executor struct {
	registry  *Registry
	snapshots SnapshotStore
	parser    Parser
	planners  PlannerProvider
	maxSteps  int
	pollEvery time.Duration
	logger    log.Logger

	mu       sync.RWMutex
	runtimes map[string]*frameRuntime
}

// frameRuntime is the in-memory, non-persisted side of a frame: parsed
// blocks, the live variable store, the conversational buffer, the optional
// orchestrator, and the current one-shot resume token.
type frameRuntime struct {
	blocks      []Block
	scope       *cow.Store
	messages    []Message
	planner     *plan.Orchestrator
	resumeToken string
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxSteps sets the anti-infinite-loop valve for RunToCompletion.
func WithMaxSteps(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithPlannerProvider attaches a task orchestrator factory; each started
// frame gets an orchestrator forked sub-tasks run against.
func WithPlannerProvider(p PlannerProvider) Option {
	return func(e *Executor) { e.planners = p }
}

// WithPollInterval sets how often RunToCompletion polls an active plan
// after the block sequence is exhausted.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollEvery = d
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over the given parser and snapshot store.
func NewExecutor(parser Parser, snapshots SnapshotStore, opts ...Option) (*Executor, error) {
	if parser == nil {
		return nil, ErrNoParser
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	e := &Executor{
		registry:  NewRegistry(),
		snapshots: snapshots,
		parser:    parser,
		maxSteps:  defaultMaxSteps,
		pollEvery: 200 * time.Millisecond,
		logger:    log.Default,
		runtimes:  make(map[string]*frameRuntime),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry exposes the frame registry.
func (e *Executor) Registry() *Registry { return e.registry }

// StartCoroutine parses the script, creates a running frame with pointer 0,
// persists the initial snapshot, and returns the frame.
func (e *Executor) StartCoroutine(ctx context.Context, script string) (*ExecutionFrame, error) {
	blocks, err := e.parser.Parse(script)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(blocks) == 0 {
		return nil, ErrEmptyScript
	}
	frame := e.registry.CreateFrame()
	rt := &frameRuntime{blocks: blocks, scope: cow.NewStore()}
	if e.planners != nil {
		rt.planner = e.planners(rt.scope)
	}
	e.mu.Lock()
	e.runtimes[frame.ID] = rt
	e.mu.Unlock()

	snap := e.capture(rt, frame, "", SnapshotSourceInput)
	id, err := e.snapshots.Save(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("save initial snapshot: %w", err)
	}
	frame.SnapshotID = id
	if err := e.registry.UpdateFrame(frame); err != nil {
		return nil, err
	}
	e.logger.Debugf("started frame %s with %d blocks", frame.ID, len(blocks))
	return frame, nil
}

// RestoreCoroutine reconstructs a frame from a persisted snapshot after a
// process restart. The script must be the one the snapshot was taken from.
// The returned handle permits one ResumeCoroutine call to continue
// execution from exactly the captured point; tasks recorded as running in
// the snapshot are reconciled on the next progress check.
func (e *Executor) RestoreCoroutine(ctx context.Context, script, snapshotID string) (*ExecutionFrame, ResumeHandle, error) {
	var none ResumeHandle
	blocks, err := e.parser.Parse(script)
	if err != nil {
		return nil, none, fmt.Errorf("parse script: %w", err)
	}
	snap, err := e.snapshots.Load(ctx, snapshotID)
	if err != nil {
		return nil, none, err
	}
	frame := e.registry.CreateFrame()
	frame.BlockPointer = snap.Step
	frame.SnapshotID = snap.ID
	frame.Status = FrameWaiting
	frame.WaitReason = "restored from snapshot"

	rt := &frameRuntime{blocks: blocks, scope: cow.NewStore(), resumeToken: uuid.New().String()}
	rt.scope.Replace(snap.Vars)
	rt.messages = append([]Message(nil), snap.Messages...)
	if e.planners != nil {
		rt.planner = e.planners(rt.scope)
		rt.planner.Restore(snap.Plan)
	}
	e.mu.Lock()
	e.runtimes[frame.ID] = rt
	e.mu.Unlock()
	if err := e.registry.UpdateFrame(frame); err != nil {
		return nil, none, err
	}
	e.logger.Infof("restored frame %s at block %d from snapshot %s", frame.ID, snap.Step, snap.ID)
	return frame, ResumeHandle{FrameID: frame.ID, SnapshotID: snap.ID, Token: rt.resumeToken}, nil
}

// StepCoroutine executes the frame's next pending block. It returns true
// once the block sequence is exhausted and the frame is completed. A tool
// interrupt transitions the frame to WAITING_FOR_INTERVENTION and returns
// (false, nil); the handle is available via ResumeHandleFor. An unhandled
// step error marks the frame FAILED, captures an error snapshot, and
// propagates the error.
func (e *Executor) StepCoroutine(ctx context.Context, frameID string) (bool, error) {
	frame, err := e.registry.GetFrame(frameID)
	if err != nil {
		return false, err
	}
	if frame.Status.Terminal() {
		return frame.Status == FrameCompleted, fmt.Errorf("%w: %s", ErrFrameTerminal, frame.Status)
	}
	if frame.Status == FrameWaiting {
		return false, ErrFrameWaiting
	}
	rt := e.runtime(frameID)
	if rt == nil {
		return false, ErrFrameNotFound
	}
	if frame.BlockPointer >= len(rt.blocks) {
		frame.Status = FrameCompleted
		return true, e.registry.UpdateFrame(frame)
	}

	block := rt.blocks[frame.BlockPointer]
	ctx, span := trace.Tracer.Start(ctx,
		fmt.Sprintf("%s %d", itelemetry.SpanNamePrefixExecuteBlock, frame.BlockPointer))
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyFrameID, frame.ID),
		attribute.Int(itelemetry.KeyBlockPointer, frame.BlockPointer),
	)

	outcome := block.Execute(ctx, rt.scope)
	// Blocks may surface an interrupt either as a tagged outcome or as a
	// wrapped *InterruptError; normalize before matching.
	if outcome.Kind == OutcomeFailed {
		if ie, ok := AsInterruptError(outcome.Err); ok {
			outcome = Interrupted(ie.ToolName, ie.ToolArgs)
		}
	}

	switch outcome.Kind {
	case OutcomeInterrupted:
		return false, e.absorbInterrupt(ctx, frame, rt, outcome)
	case OutcomeFailed:
		return false, e.failStep(ctx, frame, rt, outcome.Err)
	default:
		return e.completeStep(ctx, frame, rt, outcome)
	}
}

// absorbInterrupt converts an intervention request into the waiting state
// plus a fresh wait snapshot and one-shot resume token.
func (e *Executor) absorbInterrupt(ctx context.Context, frame *ExecutionFrame, rt *frameRuntime, outcome StepOutcome) error {
	snap := e.capture(rt, frame, frame.SnapshotID, SnapshotSourceInterrupt)
	id, err := e.snapshots.Save(ctx, snap)
	if err != nil {
		return fmt.Errorf("save interrupt snapshot: %w", err)
	}
	frame.SnapshotID = id
	frame.Status = FrameWaiting
	frame.WaitReason = fmt.Sprintf("tool %s requires intervention", outcome.ToolName)
	frame.Error = &FrameError{
		Type:       ErrorTypeToolInterrupt,
		ToolName:   outcome.ToolName,
		ToolArgs:   outcome.ToolArgs,
		SnapshotID: id,
	}
	rt.resumeToken = uuid.New().String()
	if err := e.registry.UpdateFrame(frame); err != nil {
		return err
	}
	e.logger.Infof("frame %s waiting for intervention: tool %s", frame.ID, outcome.ToolName)
	return nil
}

// failStep captures an error snapshot, marks the frame failed, and
// propagates the error. The block pointer does not move.
func (e *Executor) failStep(ctx context.Context, frame *ExecutionFrame, rt *frameRuntime, cause error) error {
	snap := e.capture(rt, frame, frame.SnapshotID, SnapshotSourceError)
	id, saveErr := e.snapshots.Save(ctx, snap)
	if saveErr != nil {
		e.logger.Errorf("frame %s: error snapshot not saved: %v", frame.ID, saveErr)
	}
	frame.Status = FrameFailed
	frame.Error = &FrameError{
		Type:       ErrorTypeStepError,
		Message:    cause.Error(),
		SnapshotID: id,
	}
	if err := e.registry.UpdateFrame(frame); err != nil {
		return err
	}
	return fmt.Errorf("step %d failed: %w", frame.BlockPointer, cause)
}

// completeStep applies the outcome's updates, advances the pointer, and
// persists a new snapshot chained to the previous one.
func (e *Executor) completeStep(ctx context.Context, frame *ExecutionFrame, rt *frameRuntime, outcome StepOutcome) (bool, error) {
	for k, v := range outcome.Update {
		rt.scope.Set(k, v)
	}
	prev := frame.SnapshotID
	frame.BlockPointer++
	snap := e.capture(rt, frame, prev, SnapshotSourceStep)
	id, err := e.snapshots.Save(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("save step snapshot: %w", err)
	}
	frame.SnapshotID = id
	done := frame.BlockPointer >= len(rt.blocks)
	if done {
		frame.Status = FrameCompleted
	}
	if err := e.registry.UpdateFrame(frame); err != nil {
		return false, err
	}
	return done, nil
}

// PauseCoroutine snapshots a running frame and returns a one-shot handle
// bound to that snapshot. The frame stays RUNNING; the caller simply stops
// stepping until it resumes.
func (e *Executor) PauseCoroutine(ctx context.Context, frameID string) (ResumeHandle, error) {
	var none ResumeHandle
	frame, err := e.registry.GetFrame(frameID)
	if err != nil {
		return none, err
	}
	if frame.Status != FrameRunning {
		return none, fmt.Errorf("%w: %s", ErrFrameNotRunning, frame.Status)
	}
	rt := e.runtime(frameID)
	if rt == nil {
		return none, ErrFrameNotFound
	}
	snap := e.capture(rt, frame, frame.SnapshotID, SnapshotSourcePause)
	id, err := e.snapshots.Save(ctx, snap)
	if err != nil {
		return none, fmt.Errorf("save pause snapshot: %w", err)
	}
	frame.SnapshotID = id
	rt.resumeToken = uuid.New().String()
	if err := e.registry.UpdateFrame(frame); err != nil {
		return none, err
	}
	return ResumeHandle{FrameID: frame.ID, SnapshotID: id, Token: rt.resumeToken}, nil
}

// ResumeHandleFor returns the handle for a frame that is waiting for
// intervention.
func (e *Executor) ResumeHandleFor(frameID string) (ResumeHandle, error) {
	var none ResumeHandle
	frame, err := e.registry.GetFrame(frameID)
	if err != nil {
		return none, err
	}
	if frame.Status != FrameWaiting {
		return none, fmt.Errorf("%w: %s", ErrFrameNotRunning, frame.Status)
	}
	rt := e.runtime(frameID)
	if rt == nil || rt.resumeToken == "" {
		return none, ErrStaleResumeHandle
	}
	return ResumeHandle{FrameID: frame.ID, SnapshotID: frame.SnapshotID, Token: rt.resumeToken}, nil
}

// ResumeCoroutine validates the handle against the frame's current wait
// snapshot, restores state from that snapshot, applies the updates, clears
// the frame error, and sets the frame RUNNING. A mismatched or already-used
// handle fails with ErrStaleResumeHandle and mutates nothing.
func (e *Executor) ResumeCoroutine(ctx context.Context, handle ResumeHandle, updates *Updates) (*ExecutionFrame, error) {
	frame, err := e.registry.GetFrame(handle.FrameID)
	if err != nil {
		return nil, err
	}
	if frame.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrFrameTerminal, frame.Status)
	}
	rt := e.runtime(handle.FrameID)
	if rt == nil {
		return nil, ErrFrameNotFound
	}
	if handle.Token == "" || handle.Token != rt.resumeToken || handle.SnapshotID != frame.SnapshotID {
		return nil, ErrStaleResumeHandle
	}
	snap, err := e.snapshots.Load(ctx, handle.SnapshotID)
	if err != nil {
		return nil, err
	}

	wasWaiting := frame.Status == FrameWaiting
	rt.scope.Replace(snap.Vars)
	rt.messages = append([]Message(nil), snap.Messages...)
	if rt.planner != nil {
		rt.planner.Restore(snap.Plan)
	}
	if updates != nil {
		for k, v := range updates.Variables {
			rt.scope.Set(k, v)
		}
		if updates.UserMessage != "" {
			rt.messages = append(rt.messages, Message{Role: RoleUser, Content: updates.UserMessage})
			if wasWaiting {
				// Stage the text as the resume value the interrupted block
				// consumes on re-execution.
				rt.scope.Set(StateKeyResume, updates.UserMessage)
			}
		}
	}
	rt.resumeToken = ""
	frame.Error = nil
	frame.WaitReason = ""
	frame.Status = FrameRunning
	if err := e.registry.UpdateFrame(frame); err != nil {
		return nil, err
	}
	e.logger.Debugf("resumed frame %s at block %d", frame.ID, frame.BlockPointer)
	return frame, nil
}

// IsWaitingForIntervention reports whether the frame is paused on an
// intervention request.
func (e *Executor) IsWaitingForIntervention(frameID string) (bool, error) {
	frame, err := e.registry.GetFrame(frameID)
	if err != nil {
		return false, err
	}
	return frame.Status == FrameWaiting, nil
}

// RunToCompletion steps the frame until it completes, interrupts, or fails,
// bounded by the max-steps valve. When the block sequence finishes while a
// plan is still active, it keeps polling task progress until every task
// reaches a terminal status; active sub-tasks are never abandoned by an
// early return.
func (e *Executor) RunToCompletion(ctx context.Context, frameID string) (*ExecutionFrame, error) {
	for i := 0; i < e.maxSteps; i++ {
		done, err := e.StepCoroutine(ctx, frameID)
		if err != nil {
			frame, _ := e.registry.GetFrame(frameID)
			return frame, err
		}
		if done {
			break
		}
		if waiting, _ := e.IsWaitingForIntervention(frameID); waiting {
			return e.registry.GetFrame(frameID)
		}
	}
	rt := e.runtime(frameID)
	if rt != nil && rt.planner != nil {
		for i := 0; i < e.maxSteps && rt.planner.HasActivePlan(); i++ {
			rt.planner.CheckProgress()
			if err := Wait(ctx, e.pollEvery.Seconds()); err != nil {
				return e.registry.GetFrame(frameID)
			}
		}
	}
	return e.registry.GetFrame(frameID)
}

// Variables returns a deep-copied view of the frame's current bindings.
func (e *Executor) Variables(frameID string) (map[string]any, error) {
	rt := e.runtime(frameID)
	if rt == nil {
		return nil, ErrFrameNotFound
	}
	return rt.scope.Export(), nil
}

// Messages returns a copy of the frame's conversational buffer.
func (e *Executor) Messages(frameID string) ([]Message, error) {
	rt := e.runtime(frameID)
	if rt == nil {
		return nil, ErrFrameNotFound
	}
	return append([]Message(nil), rt.messages...), nil
}

// AppendMessage appends a turn to the frame's conversational buffer.
func (e *Executor) AppendMessage(frameID string, msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[frameID]
	if !ok {
		return ErrFrameNotFound
	}
	rt.messages = append(rt.messages, msg)
	return nil
}

// Planner returns the orchestrator bound to the frame, if any.
func (e *Executor) Planner(frameID string) *plan.Orchestrator {
	rt := e.runtime(frameID)
	if rt == nil {
		return nil
	}
	return rt.planner
}

// capture serializes the frame's current state into a fresh snapshot.
func (e *Executor) capture(rt *frameRuntime, frame *ExecutionFrame, parentID, source string) *Snapshot {
	snap := NewSnapshot(frame.ID, parentID, source, frame.BlockPointer)
	snap.Vars = rt.scope.Export()
	if len(rt.messages) > 0 {
		snap.Messages = append([]Message(nil), rt.messages...)
	}
	if rt.planner != nil {
		snap.Plan = rt.planner.Export()
	}
	return snap
}

func (e *Executor) runtime(frameID string) *frameRuntime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runtimes[frameID]
}

// Wait sleeps for the given number of seconds while remaining responsive
// to cancellation: the deadline is checked at sub-second granularity
// rather than sleeping the whole duration uninterruptibly.
func Wait(ctx context.Context, seconds float64) error {
	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		tick := waitTick
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}
	}
}
