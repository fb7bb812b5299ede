//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/cow"
)

func TestInterruptErrorDetection(t *testing.T) {
	ie := NewInterruptError("send_email", map[string]any{"to": "ops"})
	assert.True(t, IsInterruptError(ie))
	assert.Contains(t, ie.Error(), "send_email")

	// Detection survives wrapping.
	wrapped := fmt.Errorf("block failed: %w", ie)
	assert.True(t, IsInterruptError(wrapped))
	got, ok := AsInterruptError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "send_email", got.ToolName)
	assert.False(t, got.Timestamp.IsZero())

	assert.False(t, IsInterruptError(errors.New("plain")))
	_, ok = AsInterruptError(nil)
	assert.False(t, ok)
}

func TestResumeValueIsConsumedOnce(t *testing.T) {
	scope := cow.NewStore()
	_, ok := ResumeValue(scope)
	assert.False(t, ok)

	scope.Set(StateKeyResume, "answer")
	v, ok := ResumeValue(scope)
	require.True(t, ok)
	assert.Equal(t, "answer", v)

	// The staged value is cleared by the first read.
	_, ok = ResumeValue(scope)
	assert.False(t, ok)
	_, present := scope.Get(StateKeyResume)
	assert.False(t, present)
}

func TestSnapshotCopyIsDeep(t *testing.T) {
	snap := NewSnapshot("frame", "", SnapshotSourceStep, 2)
	snap.Vars["cfg"] = map[string]any{"n": 1}
	snap.Messages = []Message{{Role: RoleUser, Content: "hi"}}

	copied := snap.Copy()
	copied.Vars["cfg"].(map[string]any)["n"] = 99
	copied.Messages[0].Content = "mutated"

	assert.Equal(t, 1, snap.Vars["cfg"].(map[string]any)["n"])
	assert.Equal(t, "hi", snap.Messages[0].Content)
}
