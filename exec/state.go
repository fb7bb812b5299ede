//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package exec

import "github.com/stepflow-ai/stepflow/cow"

// Message roles in the conversational buffer.
const (
	// RoleUser marks turns supplied by the human or calling system.
	RoleUser = "user"
	// RoleAssistant marks turns produced by script execution.
	RoleAssistant = "assistant"
	// RoleTool marks turns produced by tool results.
	RoleTool = "tool"
)

// StateKeyResume is the scope key under which a resume value is staged for
// the block that raised the interrupt. The block consumes and clears it on
// its next execution; see ResumeValue.
const StateKeyResume = "__resume__"

// Message is one turn of the running conversational buffer. The buffer is
// part of frame state and is captured in every snapshot.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResumeValue reads and clears the staged resume value from a scope.
// Interrupted blocks call this on re-execution: if a value is present the
// intervention has been answered and the block completes with it.
func ResumeValue(scope cow.Scope) (any, bool) {
	v, ok := scope.Get(StateKeyResume)
	if !ok {
		return nil, false
	}
	scope.Delete(StateKeyResume)
	return v, true
}
