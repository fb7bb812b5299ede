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

// errPreviewLimit caps how much of a failed task's error is shown in a
// progress report.
const errPreviewLimit = 120

// CheckProgress reconciles the registry and renders a progress report.
// Repeated calls within the debounce window that observe no status change
// return a throttled hint instead of the full report, so a caller polling
// in a tight loop gets pushed toward backing off. Once every task is
// terminal the report includes each task's output exactly once; later
// calls state that the plan is finished without repeating the outputs.
func (o *Orchestrator) CheckProgress() string {
	o.Reconcile()

	sig := o.registry.StatusSignature()
	now := time.Now()

	o.mu.Lock()
	unchanged := sig == o.lastSig && !o.lastCheck.IsZero() && now.Sub(o.lastCheck) < o.debounce
	since := now.Sub(o.lastCheck)
	if !unchanged {
		o.lastSig = sig
		o.lastCheck = now
	}
	emitted := o.outputsEmitted
	o.mu.Unlock()

	if unchanged {
		return fmt.Sprintf("no change since the last check %s ago; wait before checking again",
			since.Round(100*time.Millisecond))
	}

	tasks := o.registry.Tasks()
	report := renderProgress(tasks)
	if !o.registry.HasActive() && len(tasks) > 0 {
		if emitted {
			return report + "\nall tasks finished; outputs were already reported"
		}
		o.mu.Lock()
		o.outputsEmitted = true
		o.mu.Unlock()
		return report + "\n" + renderOutputs(tasks)
	}
	return report
}

// renderProgress formats per-status counts and a line per task.
func renderProgress(tasks []*Task) string {
	counts := make(map[Status]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "plan progress: %d tasks", len(tasks))
	for _, s := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped} {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(&b, ", %d %s", n, s)
		}
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n[%s] %s (%s", t.Status, t.ID, t.Name)
		if elapsed := t.Elapsed(); elapsed > 0 {
			fmt.Fprintf(&b, ", %s", elapsed.Round(100*time.Millisecond))
		}
		b.WriteString(")")
		if t.Status == StatusFailed && t.Error != "" {
			fmt.Fprintf(&b, ": %s", preview(t.Error, errPreviewLimit))
		}
	}
	return b.String()
}

// renderOutputs formats the one-shot final outputs block.
func renderOutputs(tasks []*Task) string {
	var b strings.Builder
	b.WriteString("task outputs:")
	for _, t := range tasks {
		switch t.Status {
		case StatusCompleted:
			fmt.Fprintf(&b, "\n%s: %s", t.ID, t.Answer)
		case StatusFailed:
			fmt.Fprintf(&b, "\n%s: failed: %s", t.ID, preview(t.Error, errPreviewLimit))
		default:
			fmt.Fprintf(&b, "\n%s: %s", t.ID, t.Status)
		}
	}
	return b.String()
}

func preview(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
