//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package cow

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBasics(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)
	s.Set("b", "two")

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, []string{"a", "b"}, s.Keys())
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.IsChild())

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestStoreExportIsDeepCopy(t *testing.T) {
	s := NewStore()
	s.Set("cfg", map[string]any{"retries": 3})

	exported := s.Export()
	exported["cfg"].(map[string]any)["retries"] = 99

	v, _ := s.Get("cfg")
	assert.Equal(t, 3, v.(map[string]any)["retries"])
}

func TestStoreReplaceCopiesInput(t *testing.T) {
	s := NewStore()
	vars := map[string]any{"items": []any{"a", "b"}}
	s.Replace(vars)

	vars["items"].([]any)[0] = "mutated"
	v, _ := s.Get("items")
	assert.Equal(t, "a", v.([]any)[0])
}

func TestContextWritesStayLocalUntilMerged(t *testing.T) {
	root := NewStore()
	root.Set("shared", "original")

	child := root.Fork("task-1")
	assert.True(t, child.IsChild())
	assert.Equal(t, "task-1", child.TaskID())

	child.Set("shared", "modified")
	child.Set("result", 42)

	// Parent and sibling views are untouched.
	v, _ := root.Get("shared")
	assert.Equal(t, "original", v)
	sibling := root.Fork("task-2")
	_, ok := sibling.Get("result")
	assert.False(t, ok)

	// Child reads its own overlay.
	v, _ = child.Get("shared")
	assert.Equal(t, "modified", v)

	child.MergeToParent()
	v, _ = root.Get("shared")
	assert.Equal(t, "modified", v)
	v, _ = root.Get("result")
	assert.Equal(t, 42, v)
}

func TestContextMergeSelectedKeys(t *testing.T) {
	root := NewStore()
	child := root.Fork("t")
	child.Set("wanted", "yes")
	child.Set("scratch", "no")

	child.MergeToParent("wanted")

	_, ok := root.Get("scratch")
	assert.False(t, ok)
	v, _ := root.Get("wanted")
	assert.Equal(t, "yes", v)
}

func TestContextDeleteMasksParent(t *testing.T) {
	root := NewStore()
	root.Set("gone", 1)
	root.Set("kept", 2)

	child := root.Fork("t")
	child.Delete("gone")

	_, ok := child.Get("gone")
	assert.False(t, ok)
	assert.Equal(t, []string{"kept"}, child.Keys())
	assert.Equal(t, []string{"gone"}, child.DeletedKeys())

	// Parent still has it until the delete is merged.
	_, ok = root.Get("gone")
	assert.True(t, ok)

	child.MergeToParent()
	_, ok = root.Get("gone")
	assert.False(t, ok)
}

func TestContextSetAfterDeleteRebinds(t *testing.T) {
	root := NewStore()
	root.Set("k", "old")
	child := root.Fork("t")
	child.Delete("k")
	child.Set("k", "new")

	v, ok := child.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Empty(t, child.DeletedKeys())
}

func TestContextCopyOnReadIsolation(t *testing.T) {
	root := NewStore()
	root.Set("doc", map[string]any{"title": "draft"})

	child := root.Fork("t")
	v, _ := child.Get("doc")
	v.(map[string]any)["title"] = "mutated in child"

	parentV, _ := root.Get("doc")
	assert.Equal(t, "draft", parentV.(map[string]any)["title"])
}

func TestContextLocalChanges(t *testing.T) {
	root := NewStore()
	child := root.Fork("t")
	child.Set("a", 1)
	child.Set("b", 2)

	changes := child.LocalChanges()
	assert.Len(t, changes, 2)

	// Mutating the returned map does not affect the overlay.
	delete(changes, "a")
	v, ok := child.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

type sharedResource struct {
	hits int
}

func (*sharedResource) Unclonable() {}

func TestUnclonableSharedByReference(t *testing.T) {
	root := NewStore()
	res := &sharedResource{}
	root.Set("res", res)

	child := root.Fork("t")
	v, ok := child.Get("res")
	require.True(t, ok)
	assert.Same(t, res, v)
}

func TestStoreConcurrentAccess(t *testing.T) {
	// The stepper exports the store for snapshots while forked children read
	// it and merge outputs back from other goroutines. Run with -race.
	root := NewStore()
	root.Set("topic", "shared")

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			child := root.Fork(fmt.Sprintf("task-%d", g))
			for i := 0; i < 200; i++ {
				_, _ = child.Get("topic")
				child.Set(fmt.Sprintf("out-%d", g), i)
				child.MergeToParent(fmt.Sprintf("out-%d", g))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			root.Set("step", i)
			_ = root.Export()
			_ = root.Keys()
		}
	}()
	wg.Wait()

	for g := 0; g < 4; g++ {
		v, ok := root.Get(fmt.Sprintf("out-%d", g))
		require.True(t, ok)
		assert.Equal(t, 199, v)
	}
}
