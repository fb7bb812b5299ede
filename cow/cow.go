//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package cow provides the shared variable store for script execution and
// copy-on-write child views of it for isolated sub-task execution.
//
// The root Store is shared between the owning frame's stepper and the
// goroutines running sub-tasks, so its accessors are guarded by an internal
// RWMutex. Child contexts are confined to their task's goroutine: they
// buffer every write locally and never touch the parent until merged.
package cow

import (
	"sort"
	"sync"
)

// Scope is the variable access surface shared by the root store and
// copy-on-write children. Blocks execute against a Scope without knowing
// whether they run in the main frame or in an isolated sub-task.
type Scope interface {
	// Get returns the value bound to key, or false if absent.
	Get(key string) (any, bool)
	// Set binds key to value in this scope.
	Set(key string, value any)
	// Delete removes key from this scope's view.
	Delete(key string)
	// Keys returns the keys visible in this scope, sorted.
	Keys() []string
	// IsChild reports whether this scope is a copy-on-write child.
	// Plan-initiating operations are rejected on child scopes.
	IsChild() bool
}

// Store is the root mutable variable store of an execution frame. It is
// safe for concurrent use: the stepper snapshots it while merged sub-task
// outputs land from pool goroutines.
type Store struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewStore creates an empty root store.
func NewStore() *Store {
	return &Store{vars: make(map[string]any)}
}

// Get returns the value bound to key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// Set binds key to value.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = value
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, key)
}

// Keys returns all bound keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsChild reports false: the root store is never a child view.
func (s *Store) IsChild() bool { return false }

// Len returns the number of bound variables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}

// Export returns a deep copy of all bindings, suitable for embedding in an
// immutable snapshot.
func (s *Store) Export() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = CloneValue(v)
	}
	return out
}

// Replace discards all bindings and installs the given ones wholesale.
// Used when restoring from a snapshot; the input is deep-copied so the
// snapshot stays immutable.
func (s *Store) Replace(vars map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars = make(map[string]any, len(vars))
	for k, v := range vars {
		s.vars[k] = CloneValue(v)
	}
}

// Fork creates a copy-on-write child view keyed by taskID.
func (s *Store) Fork(taskID string) *Context {
	return &Context{
		parent:  s,
		taskID:  taskID,
		writes:  make(map[string]any),
		deletes: make(map[string]struct{}),
	}
}

// Context is a copy-on-write child view of a Store. Reads fall through to
// the parent; writes and deletes land in a local overlay. The parent is
// mutated only by MergeToParent.
type Context struct {
	parent  *Store
	taskID  string
	writes  map[string]any
	deletes map[string]struct{}
}

// TaskID returns the sub-task identifier this context was forked for.
func (c *Context) TaskID() string { return c.taskID }

// IsChild reports true.
func (c *Context) IsChild() bool { return true }

// Get resolves key in overlay order: local deletes, local writes, parent.
// Mutable container values read from the parent are deep-copied so the
// child cannot alias parent state; values marked Unclonable are returned by
// direct reference.
func (c *Context) Get(key string) (any, bool) {
	if _, deleted := c.deletes[key]; deleted {
		return nil, false
	}
	if v, ok := c.writes[key]; ok {
		return v, true
	}
	v, ok := c.parent.Get(key)
	if !ok {
		return nil, false
	}
	if isMutableContainer(v) {
		return CloneValue(v), true
	}
	return v, true
}

// Set records a local write. The parent is untouched.
func (c *Context) Set(key string, value any) {
	delete(c.deletes, key)
	c.writes[key] = value
}

// Delete records a local delete, masking any parent binding.
func (c *Context) Delete(key string) {
	delete(c.writes, key)
	c.deletes[key] = struct{}{}
}

// Keys returns the keys visible to this context, sorted.
func (c *Context) Keys() []string {
	seen := make(map[string]struct{})
	for _, k := range c.parent.Keys() {
		if _, deleted := c.deletes[k]; deleted {
			continue
		}
		seen[k] = struct{}{}
	}
	for k := range c.writes {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LocalChanges returns a copy of the local write overlay for inspection.
// Local deletes are not included; see DeletedKeys.
func (c *Context) LocalChanges() map[string]any {
	out := make(map[string]any, len(c.writes))
	for k, v := range c.writes {
		out[k] = v
	}
	return out
}

// DeletedKeys returns the keys locally deleted in this context, sorted.
func (c *Context) DeletedKeys() []string {
	keys := make([]string, 0, len(c.deletes))
	for k := range c.deletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeToParent applies local writes and deletes for the given keys onto
// the parent store. With no keys, the whole overlay is merged. This is the
// only point at which a child mutates its parent; unmerged writes are never
// visible to the parent or to sibling children.
func (c *Context) MergeToParent(keys ...string) {
	if len(keys) == 0 {
		keys = make([]string, 0, len(c.writes)+len(c.deletes))
		for k := range c.writes {
			keys = append(keys, k)
		}
		for k := range c.deletes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		if _, deleted := c.deletes[k]; deleted {
			c.parent.Delete(k)
			continue
		}
		if v, ok := c.writes[k]; ok {
			c.parent.Set(k, v)
		}
	}
}
