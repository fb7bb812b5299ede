//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/cow"
)

func specs(n int) []Spec {
	out := make([]Spec, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%d", i+1)
		out = append(out, Spec{ID: id, Name: "task " + id, Prompt: "work on " + id})
	}
	return out
}

// waitIdle polls until no task is active.
func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !o.HasActivePlan() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("plan did not settle in time")
}

// waitStatus polls until the task reaches the wanted status.
func waitStatus(t *testing.T, o *Orchestrator, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := o.Registry().Get(id); ok && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := o.Registry().Get(id)
	t.Fatalf("task %s never became %s (last seen %+v)", id, want, task)
}

func TestPlanRejectsChildScope(t *testing.T) {
	root := cow.NewStore()
	o := New(root, func(context.Context, Task, *cow.Context) (string, string, error) {
		return "", "", nil
	})
	defer o.Close()

	child := root.Fork("sub")
	_, err := o.Plan(child, specs(1), "parallel", 1)
	assert.ErrorIs(t, err, ErrNestedPlanning)
}

func TestPlanValidationIsNonThrowing(t *testing.T) {
	root := cow.NewStore()
	o := New(root, func(context.Context, Task, *cow.Context) (string, string, error) {
		return "", "", nil
	})
	defer o.Close()

	result, err := o.Plan(root, []Spec{{ID: "", Name: "", Prompt: ""}}, "parallel", 2)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Problems)
	// A rejected plan registers nothing.
	assert.Equal(t, 0, o.Registry().Len())

	result, err = o.Plan(root, specs(1), "sideways", 2)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Message(), "exec_mode")
}

func TestParallelRespectsMaxConcurrency(t *testing.T) {
	var cur, peak int32
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		n := atomic.AddInt32(&cur, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return "done " + task.ID, "", nil
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	result, err := o.Plan(root, specs(5), "parallel", 2)
	require.NoError(t, err)
	require.True(t, result.OK)
	waitIdle(t, o)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	for _, task := range o.Registry().Tasks() {
		assert.Equal(t, StatusCompleted, task.Status)
		assert.Equal(t, "done "+task.ID, task.Answer)
	}
}

func TestSequentialRunsInPlanOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return "ok", "", nil
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(4), "sequential", 3)
	require.NoError(t, err)
	waitIdle(t, o)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, order)
}

func TestOutputKeysMergeOnCompletion(t *testing.T) {
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		scope.Set("result", "merged value")
		scope.Set("scratch", "stays local")
		return "ok", "", nil
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, []Spec{
		{ID: "t1", Name: "writer", Prompt: "write", OutputKeys: []string{"result"}},
	}, "parallel", 1)
	require.NoError(t, err)
	waitIdle(t, o)

	v, ok := root.Get("result")
	require.True(t, ok)
	assert.Equal(t, "merged value", v)
	_, ok = root.Get("scratch")
	assert.False(t, ok)
}

func TestFailedTaskRecordsError(t *testing.T) {
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		return "", "", errors.New("tool unavailable")
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(1), "parallel", 1)
	require.NoError(t, err)
	waitIdle(t, o)

	task, ok := o.Registry().Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.Error, "tool unavailable")

	_, err = o.GetTaskOutput("t1")
	assert.ErrorIs(t, err, ErrTaskNotCompleted)
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		panic("unexpected")
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(1), "parallel", 1)
	require.NoError(t, err)
	waitIdle(t, o)

	task, _ := o.Registry().Get("t1")
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.Error, "panicked")
}

func TestPlanConcurrentWithRootStoreWrites(t *testing.T) {
	// The frame's stepper keeps writing and exporting the root store while
	// pool goroutines read it through forked contexts and merge outputs
	// back. Run with -race.
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		for i := 0; i < 50; i++ {
			topic, _ := scope.Get("topic")
			scope.Set(task.ID+"_result", fmt.Sprintf("%v#%d", topic, i))
		}
		return "ok", "", nil
	}
	root := cow.NewStore()
	root.Set("topic", "shared")
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, []Spec{
		{ID: "t1", Name: "a", Prompt: "p", OutputKeys: []string{"t1_result"}},
		{ID: "t2", Name: "b", Prompt: "p", OutputKeys: []string{"t2_result"}},
		{ID: "t3", Name: "c", Prompt: "p", OutputKeys: []string{"t3_result"}},
	}, "parallel", 3)
	require.NoError(t, err)

	for i := 0; o.HasActivePlan() && i < 10000; i++ {
		root.Set("step", i)
		_ = root.Export()
	}
	waitIdle(t, o)

	for _, id := range []string{"t1", "t2", "t3"} {
		v, ok := root.Get(id + "_result")
		require.True(t, ok, "output of %s was merged", id)
		assert.Contains(t, v, "shared")
	}
}

func TestKillTask(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", "", ctx.Err()
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(1), "parallel", 1)
	require.NoError(t, err)
	<-started

	waitStatus(t, o, "t1", StatusRunning)
	require.NoError(t, o.KillTask("t1"))

	task, _ := o.Registry().Get("t1")
	assert.Equal(t, StatusCancelled, task.Status)

	assert.ErrorIs(t, o.KillTask("t1"), ErrTaskNotRunning)
	assert.ErrorIs(t, o.KillTask("missing"), ErrTaskNotFound)
}

func TestKillTaskRunningOnPaperOnly(t *testing.T) {
	o := New(cow.NewStore(), func(context.Context, Task, *cow.Context) (string, string, error) {
		return "", "", nil
	})
	defer o.Close()

	// A restored snapshot claims t1 is running; no live handle backs it.
	o.Restore(&RegistrySnapshot{
		Mode:           ExecParallel,
		MaxConcurrency: 1,
		Tasks:          []Task{{ID: "t1", Name: "a", Prompt: "p", Status: StatusRunning, Attempt: 1}},
	})

	require.NoError(t, o.KillTask("t1"))
	task, _ := o.Registry().Get("t1")
	assert.Equal(t, StatusCancelled, task.Status)
}

func TestRetryTask(t *testing.T) {
	var attempts int32
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return "", "", errors.New("flaky")
		}
		return "second time lucky", "", nil
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(1), "parallel", 1)
	require.NoError(t, err)
	waitStatus(t, o, "t1", StatusFailed)

	assert.ErrorIs(t, o.RetryTask("missing"), ErrTaskNotFound)
	require.NoError(t, o.RetryTask("t1"))
	waitStatus(t, o, "t1", StatusCompleted)

	task, _ := o.Registry().Get("t1")
	assert.Equal(t, 2, task.Attempt)
	out, err := o.GetTaskOutput("t1")
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", out)

	assert.ErrorIs(t, o.RetryTask("t1"), ErrTaskNotRetryable)
}

func TestReplanCancelsRunningTasks(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-release:
			return "ok", "", nil
		}
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(2), "parallel", 2)
	require.NoError(t, err)
	waitStatus(t, o, "t1", StatusRunning)

	// A new plan discards the old tasks entirely.
	_, err = o.Plan(root, []Spec{{ID: "fresh", Name: "fresh", Prompt: "p"}}, "parallel", 1)
	require.NoError(t, err)

	_, ok := o.Registry().Get("t1")
	assert.False(t, ok)
	_, ok = o.Registry().Get("fresh")
	assert.True(t, ok)

	close(release)
	waitIdle(t, o)
}

func TestReconcileRespawnsHandleLessRunningTasks(t *testing.T) {
	var ran int32
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		atomic.AddInt32(&ran, 1)
		return "recovered", "", nil
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	// A snapshot taken mid-plan claims t1 was running. After a restore there
	// is no live handle behind it.
	o.Restore(&RegistrySnapshot{
		Mode:           ExecParallel,
		MaxConcurrency: 2,
		Tasks: []Task{
			{ID: "t1", Name: "a", Prompt: "p", Status: StatusRunning, Attempt: 1},
			{ID: "t2", Name: "b", Prompt: "p", Status: StatusCompleted, Answer: "done"},
		},
	})

	respawned := o.Reconcile()
	assert.Equal(t, []string{"t1"}, respawned)
	waitStatus(t, o, "t1", StatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))

	// The completed task was left alone.
	task, _ := o.Registry().Get("t2")
	assert.Equal(t, "done", task.Answer)
	out, err := o.GetTaskOutput("t1")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
}

func TestCheckProgressDebounceAndOneShotOutputs(t *testing.T) {
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		return "answer " + task.ID, "", nil
	}
	root := cow.NewStore()
	o := New(root, runner, WithDebounce(300*time.Millisecond))
	defer o.Close()

	_, err := o.Plan(root, specs(2), "parallel", 2)
	require.NoError(t, err)
	waitIdle(t, o)

	first := o.CheckProgress()
	assert.Contains(t, first, "task outputs:")
	assert.Contains(t, first, "answer t1")
	assert.Contains(t, first, "answer t2")

	// Unchanged state inside the window is throttled.
	second := o.CheckProgress()
	assert.Contains(t, second, "no change")

	// After the window the report returns, but outputs are not repeated.
	time.Sleep(350 * time.Millisecond)
	third := o.CheckProgress()
	assert.Contains(t, third, "already reported")
	assert.NotContains(t, third, "answer t1")
}

func TestCancelAll(t *testing.T) {
	runner := func(ctx context.Context, task Task, scope *cow.Context) (string, string, error) {
		<-ctx.Done()
		return "", "", ctx.Err()
	}
	root := cow.NewStore()
	o := New(root, runner)
	defer o.Close()

	_, err := o.Plan(root, specs(2), "parallel", 2)
	require.NoError(t, err)
	waitStatus(t, o, "t1", StatusRunning)
	waitStatus(t, o, "t2", StatusRunning)

	cancelled := o.CancelAll()
	assert.Equal(t, 2, cancelled)
	task, _ := o.Registry().Get("t1")
	assert.Equal(t, StatusCancelled, task.Status)
	assert.False(t, o.HasActivePlan())
}
