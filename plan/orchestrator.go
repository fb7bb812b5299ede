//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package plan implements the task-orchestration layer: a registry of named
// sub-tasks with individual lifecycles, and an orchestrator that runs them
// concurrently against isolated copy-on-write contexts with bounded
// concurrency, cancellation, and post-restore reconciliation.
package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stepflow-ai/stepflow/cow"
	itelemetry "github.com/stepflow-ai/stepflow/internal/telemetry"
	"github.com/stepflow-ai/stepflow/log"
	"github.com/stepflow-ai/stepflow/telemetry/trace"
)

const (
	// defaultMaxConcurrency bounds parallel sub-tasks when the caller does
	// not specify a value.
	defaultMaxConcurrency = 3
	// defaultDebounce is the window within which an unchanged progress
	// check returns a throttled message.
	defaultDebounce = 2 * time.Second
)

// TaskRunner executes one sub-task against its isolated context and returns
// the answer (and optional reasoning). The runner must honor ctx
// cancellation; returning context.Canceled marks the task cancelled rather
// than failed.
type TaskRunner func(ctx context.Context, task Task, scope *cow.Context) (answer, think string, err error)

// Orchestrator spawns, polls, cancels, and retries concurrent sub-tasks.
// Each task forks a copy-on-write context from the root store, runs in
// isolation on a bounded worker pool, and on completion merges only its
// designated output variables back to the parent.
type Orchestrator struct {
	registry *Registry
	root     *cow.Store
	runner   TaskRunner
	logger   log.Logger
	debounce time.Duration

	mu             sync.Mutex
	pool           *ants.Pool
	planCtx        context.Context
	planCancel     context.CancelFunc
	lastSig        string
	lastCheck      time.Time
	outputsEmitted bool

	// mergeMu serializes MergeToParent calls from concurrently completing
	// tasks: the store's own lock covers single keys, this keeps a
	// multi-key merge atomic against other merges.
	mergeMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDebounce overrides the progress-check debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator over the given root store and task runner.
func New(root *cow.Store, runner TaskRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: NewRegistry(),
		root:     root,
		runner:   runner,
		logger:   log.Default,
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry exposes the task registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Plan validates the requested tasks and, on success, discards any prior
// plan (cancelling its running tasks), registers the new tasks as pending,
// and starts execution: parallel mode runs up to maxConcurrency tasks at
// once with the remainder waiting for freed slots; sequential mode runs one
// at a time in plan order.
//
// Malformed input is reported through the returned ValidationResult, never
// as an error, so an automated caller can read the problems and
// self-correct. Plan rejects child scopes with ErrNestedPlanning.
func (o *Orchestrator) Plan(scope cow.Scope, specs []Spec, execMode string, maxConcurrency int) (ValidationResult, error) {
	if scope != nil && scope.IsChild() {
		return ValidationResult{}, ErrNestedPlanning
	}
	result := ValidateSpecs(specs)
	mode, ok := ParseExecMode(execMode)
	if !ok {
		result.OK = false
		result.Problems = append(result.Problems,
			fmt.Sprintf("unknown exec_mode %q: use %q or %q", execMode, ExecParallel, ExecSequential))
	}
	if !result.OK {
		return result, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if err := o.resetPlan(mode, maxConcurrency); err != nil {
		return ValidationResult{}, err
	}

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		o.registry.Register(&Task{
			ID:         spec.ID,
			Name:       spec.Name,
			Prompt:     spec.Prompt,
			Status:     StatusPending,
			OutputKeys: append([]string(nil), spec.OutputKeys...),
			DependsOn:  append([]string(nil), spec.DependsOn...),
		})
		ids = append(ids, spec.ID)
	}
	o.logger.Infof("plan started: %d tasks, mode=%s, max_concurrency=%d", len(ids), mode, maxConcurrency)

	o.mu.Lock()
	planCtx, pool := o.planCtx, o.pool
	o.mu.Unlock()
	go o.dispatch(planCtx, pool, ids)
	return result, nil
}

// resetPlan cancels the previous plan and installs a fresh worker pool and
// plan context.
func (o *Orchestrator) resetPlan(mode ExecMode, maxConcurrency int) error {
	o.mu.Lock()
	cancel, pool := o.planCancel, o.pool
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	cancelled := o.registry.CancelAllRunning()
	if cancelled > 0 {
		o.logger.Infof("replan cancelled %d running tasks", cancelled)
	}
	if pool != nil {
		pool.Release()
	}

	size := maxConcurrency
	if mode == ExecSequential {
		size = 1
	}
	newPool, err := ants.NewPool(size)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	planCtx, planCancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.pool = newPool
	o.planCtx = planCtx
	o.planCancel = planCancel
	o.lastSig = ""
	o.lastCheck = time.Time{}
	o.outputsEmitted = false
	o.mu.Unlock()
	o.registry.Reset(mode, maxConcurrency)
	return nil
}

// dispatch submits task bodies to the pool in plan order. Submit blocks
// while the pool is full, so only maxConcurrency tasks run at once and each
// freed slot admits the next pending task.
func (o *Orchestrator) dispatch(planCtx context.Context, pool *ants.Pool, ids []string) {
	for _, id := range ids {
		if planCtx.Err() != nil {
			return
		}
		taskID := id
		if err := pool.Submit(func() { o.runTask(planCtx, taskID) }); err != nil {
			if errors.Is(err, ants.ErrPoolClosed) {
				return
			}
			o.registry.MarkFailed(taskID, fmt.Sprintf("submit task: %v", err))
		}
	}
}

// runTask is the spawned task body: fork an isolated context, run the
// runner, record the outcome, and merge designated outputs back.
func (o *Orchestrator) runTask(planCtx context.Context, id string) {
	task, ok := o.registry.Get(id)
	if !ok || task.Status != StatusPending {
		return
	}
	taskCtx, cancel := context.WithCancel(planCtx)
	release := o.registry.attach(id, cancel)
	defer release()
	defer cancel()
	o.registry.MarkRunning(id)

	ctx, span := trace.Tracer.Start(taskCtx, fmt.Sprintf("%s %s", itelemetry.SpanNamePrefixRunTask, id))
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyTaskID, id),
		attribute.String(itelemetry.KeyTaskName, task.Name),
	)

	child := o.root.Fork(id)
	answer, think, err := o.safeRun(ctx, *task, child)

	switch {
	case taskCtx.Err() != nil || errors.Is(err, context.Canceled):
		o.registry.MarkCancelled(id)
		o.logger.Infof("task %s cancelled", id)
	case err != nil:
		o.registry.MarkFailed(id, err.Error())
		o.logger.Warnf("task %s failed: %v", id, err)
	default:
		o.registry.MarkCompleted(id, answer, think)
		if len(task.OutputKeys) > 0 {
			o.mergeMu.Lock()
			child.MergeToParent(task.OutputKeys...)
			o.mergeMu.Unlock()
		}
		o.logger.Debugf("task %s completed", id)
	}
}

// safeRun invokes the runner, converting panics into failures so one bad
// sub-task never takes down the pool worker.
func (o *Orchestrator) safeRun(ctx context.Context, task Task, scope *cow.Context) (answer, think string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return o.runner(ctx, task, scope)
}

// GetTaskOutput returns a completed task's answer.
func (o *Orchestrator) GetTaskOutput(id string) (string, error) {
	task, ok := o.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != StatusCompleted {
		return "", fmt.Errorf("%w: %s is %s", ErrTaskNotCompleted, id, task.Status)
	}
	return task.Answer, nil
}

// KillTask cancels a running task's live handle and blocks until its
// cleanup path has marked it cancelled. Restored tasks that claim to run
// without a live handle are marked cancelled directly.
func (o *Orchestrator) KillTask(id string) error {
	task, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotRunning, id, task.Status)
	}
	if !o.registry.CancelRunning(id) {
		// No live handle: either the task survives a restore on paper only,
		// or its body finished between the status check and the cancel. Only
		// the former may be forced to cancelled.
		if !o.registry.MarkCancelledIfRunning(id) {
			task, _ = o.registry.Get(id)
			return fmt.Errorf("%w: %s is %s", ErrTaskNotRunning, id, task.Status)
		}
	}
	return nil
}

// RetryTask resets a failed or cancelled task to pending and respawns it.
func (o *Orchestrator) RetryTask(id string) error {
	task, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != StatusFailed && task.Status != StatusCancelled {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotRetryable, id, task.Status)
	}
	o.registry.MarkPending(id)
	o.respawn(id)
	return nil
}

// HasActivePlan reports whether any task is in a non-terminal status.
// Callers driving a script must treat this as a hard constraint against
// premature termination.
func (o *Orchestrator) HasActivePlan() bool {
	return o.registry.HasActive()
}

// CancelAll cancels every running task and returns the cancelled count.
func (o *Orchestrator) CancelAll() int {
	return o.registry.CancelAllRunning()
}

// Reconcile detects tasks recorded as running with no live handle (the
// signature of a restore: handles are never serialized) and respawns each
// from its original prompt. The restarted attempt begins from scratch;
// partial progress is discarded and any side effects of the lost attempt
// are not undone. No task is ever silently abandoned.
func (o *Orchestrator) Reconcile() []string {
	var respawned []string
	for _, task := range o.registry.Tasks() {
		if task.Status != StatusRunning || o.registry.HasLiveHandle(task.ID) {
			continue
		}
		o.registry.MarkPending(task.ID)
		o.respawn(task.ID)
		respawned = append(respawned, task.ID)
		o.logger.Warnf("task %s had no live handle after restore; respawned from its prompt", task.ID)
	}
	return respawned
}

// respawn submits a pending task to the pool, creating the pool lazily
// when the orchestrator was reconstructed from a snapshot.
func (o *Orchestrator) respawn(id string) {
	o.mu.Lock()
	if o.pool == nil || o.pool.IsClosed() {
		size := o.registry.MaxConcurrency()
		if size <= 0 {
			size = defaultMaxConcurrency
		}
		if o.registry.Mode() == ExecSequential {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			o.mu.Unlock()
			o.registry.MarkFailed(id, fmt.Sprintf("create worker pool: %v", err))
			return
		}
		planCtx, planCancel := context.WithCancel(context.Background())
		o.pool = pool
		o.planCtx = planCtx
		o.planCancel = planCancel
	}
	planCtx, pool := o.planCtx, o.pool
	o.mu.Unlock()
	// Submit from a goroutine: it blocks while the pool is saturated.
	go func() {
		if err := pool.Submit(func() { o.runTask(planCtx, id) }); err != nil && !errors.Is(err, ants.ErrPoolClosed) {
			o.registry.MarkFailed(id, fmt.Sprintf("submit task: %v", err))
		}
	}()
}

// Export serializes the registry contents for embedding in a snapshot.
func (o *Orchestrator) Export() *RegistrySnapshot {
	return o.registry.Export()
}

// Restore replaces the registry contents from a snapshot and resets the
// progress-check bookkeeping. Tasks recorded as running are repaired on
// the next Reconcile or CheckProgress.
func (o *Orchestrator) Restore(snap *RegistrySnapshot) {
	o.registry.Restore(snap)
	o.mu.Lock()
	o.lastSig = ""
	o.lastCheck = time.Time{}
	o.outputsEmitted = false
	o.mu.Unlock()
}

// Close cancels all running tasks and releases the worker pool.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	cancel, pool := o.planCancel, o.pool
	o.planCancel, o.pool = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.registry.CancelAllRunning()
	if pool != nil {
		pool.Release()
	}
}
