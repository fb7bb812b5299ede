//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package plan

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses.
const (
	// StatusPending means the task is registered but not yet started.
	StatusPending Status = "pending"
	// StatusRunning means the task has a live execution handle.
	StatusRunning Status = "running"
	// StatusCompleted means the task finished with an answer.
	StatusCompleted Status = "completed"
	// StatusFailed means the task finished with an error.
	StatusFailed Status = "failed"
	// StatusCancelled means the task was killed before finishing.
	StatusCancelled Status = "cancelled"
	// StatusSkipped means the task was intentionally not run.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Task is one independently-tracked sub-goal of a plan. Tasks are owned by
// the registry; live execution handles are tracked separately and are never
// serialized.
type Task struct {
	// ID uniquely identifies the task within the plan.
	ID string `json:"id"`
	// Name is a short human-readable label.
	Name string `json:"name"`
	// Prompt is the instruction the sub-task executes.
	Prompt string `json:"prompt"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Answer is the task's output once completed.
	Answer string `json:"answer,omitempty"`
	// Think is optional reasoning captured alongside the answer.
	Think string `json:"think,omitempty"`
	// Error is the failure message once failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when the task last started running.
	StartedAt time.Time `json:"started_at,omitempty"`
	// Duration is the elapsed run time once terminal.
	Duration time.Duration `json:"duration,omitempty"`
	// Attempt counts how many times the task has started running.
	Attempt int `json:"attempt"`
	// OutputKeys names the variables merged back to the parent store on
	// completion. Only these keys ever cross the isolation boundary.
	OutputKeys []string `json:"output_keys,omitempty"`
	// DependsOn is reserved for dependency scheduling. It is serialized but
	// not yet enforced.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Clone returns a copy of the task safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.OutputKeys = append([]string(nil), t.OutputKeys...)
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	return &clone
}

// Elapsed returns the task's run time: the recorded duration once terminal,
// otherwise time since it started.
func (t *Task) Elapsed() time.Duration {
	if t.Status.Terminal() || t.StartedAt.IsZero() {
		return t.Duration
	}
	return time.Since(t.StartedAt)
}

// Spec describes one task of a requested plan.
type Spec struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Prompt     string   `json:"prompt"`
	OutputKeys []string `json:"output_keys,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// ValidationResult is the structured, non-throwing description of plan
// input problems. It is returned (never raised) so an automated caller can
// read the problems and self-correct.
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Problems []string `json:"problems,omitempty"`
}

// Message renders the problems as actionable guidance text.
func (v ValidationResult) Message() string {
	if v.OK {
		return "plan accepted"
	}
	return "plan rejected:\n- " + strings.Join(v.Problems, "\n- ")
}

// ValidateSpecs checks that the plan input is well formed: non-empty, and
// every task has a unique id, a name, and a prompt.
func ValidateSpecs(specs []Spec) ValidationResult {
	var problems []string
	if len(specs) == 0 {
		problems = append(problems, "a plan requires at least one task")
	}
	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		switch {
		case spec.ID == "":
			problems = append(problems, fmt.Sprintf("task #%d has no id", i+1))
		default:
			if _, dup := seen[spec.ID]; dup {
				problems = append(problems, fmt.Sprintf("duplicate task id %q", spec.ID))
			}
			seen[spec.ID] = struct{}{}
		}
		if spec.Name == "" {
			problems = append(problems, fmt.Sprintf("task #%d has no name", i+1))
		}
		if spec.Prompt == "" {
			problems = append(problems, fmt.Sprintf("task #%d has no prompt", i+1))
		}
	}
	return ValidationResult{OK: len(problems) == 0, Problems: problems}
}

// RegistrySnapshot is the serialized form of the task registry embedded in
// execution snapshots. Live handles are deliberately absent: after a
// restore they are reconciled, not resumed.
type RegistrySnapshot struct {
	Mode           ExecMode `json:"exec_mode"`
	MaxConcurrency int      `json:"max_concurrency"`
	Tasks          []Task   `json:"tasks"`
}

// Copy returns a deep copy of the snapshot. Nil-safe.
func (r *RegistrySnapshot) Copy() *RegistrySnapshot {
	if r == nil {
		return nil
	}
	out := &RegistrySnapshot{
		Mode:           r.Mode,
		MaxConcurrency: r.MaxConcurrency,
		Tasks:          make([]Task, len(r.Tasks)),
	}
	for i := range r.Tasks {
		out.Tasks[i] = *r.Tasks[i].Clone()
	}
	return out
}
