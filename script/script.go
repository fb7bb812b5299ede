//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package script is the reference parser for the line-oriented agent script
// dialect. It turns script text into the opaque block sequence the execution
// engine steps through; the engine itself never inspects script syntax.
//
// The dialect has four statement forms:
//
//	EXPR -> var                 bind an expression result to a variable
//	@tool(arg=EXPR, ...) -> var request an intervention, bind the reply
//	/if/ COND: STMT             conditional with optional else branch,
//	else: STMT                  closed by /end/; compiles to one block
//	/end/
//	/wait/ SECONDS              sleep, responsive to cancellation
//
// Blank lines and lines starting with # are ignored.
package script

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stepflow-ai/stepflow/exec"
)

// Parser is the reference exec.Parser implementation.
type Parser struct{}

// New creates a script parser.
func New() *Parser { return &Parser{} }

// Parse compiles script text into an ordered block sequence. Errors carry
// the one-based source line number.
func (p *Parser) Parse(src string) ([]exec.Block, error) {
	lines := strings.Split(src, "\n")
	var blocks []exec.Block
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		lineNo := i + 1
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "/if/"):
			block, next, err := parseCond(lines, i)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
			i = next
		case strings.HasPrefix(line, "/wait/"):
			block, err := parseWait(line, lineNo)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		case line == "/end/" || strings.HasPrefix(line, "else:"):
			return nil, fmt.Errorf("line %d: %q outside a conditional", lineNo, line)
		default:
			block, err := parseStatement(line, lineNo)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

// parseCond consumes a conditional starting at lines[start] and returns the
// compiled block plus the index of its /end/ line.
func parseCond(lines []string, start int) (exec.Block, int, error) {
	header := strings.TrimSpace(lines[start])
	lineNo := start + 1
	rest := strings.TrimSpace(strings.TrimPrefix(header, "/if/"))
	condText, thenText, ok := splitColon(rest)
	if !ok {
		return nil, 0, fmt.Errorf("line %d: conditional needs a %q after its condition", lineNo, ":")
	}
	cond, err := parseExpr(condText)
	if err != nil {
		return nil, 0, fmt.Errorf("line %d: %w", lineNo, err)
	}
	then, err := parseStatement(strings.TrimSpace(thenText), lineNo)
	if err != nil {
		return nil, 0, err
	}
	block := &condBlock{line: lineNo, cond: cond, then: then}

	i := start + 1
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "else:") {
			if block.alt != nil {
				return nil, 0, fmt.Errorf("line %d: duplicate else branch", i+1)
			}
			alt, err := parseStatement(strings.TrimSpace(strings.TrimPrefix(line, "else:")), i+1)
			if err != nil {
				return nil, 0, err
			}
			block.alt = alt
			continue
		}
		if line == "/end/" {
			return block, i, nil
		}
		return nil, 0, fmt.Errorf("line %d: expected %q or %q inside conditional, got %q", i+1, "else:", "/end/", line)
	}
	return nil, 0, fmt.Errorf("line %d: conditional is never closed with /end/", lineNo)
}

// parseWait parses a "/wait/ SECONDS" line.
func parseWait(line string, lineNo int) (exec.Block, error) {
	arg := strings.TrimSpace(strings.TrimPrefix(line, "/wait/"))
	seconds, err := strconv.ParseFloat(arg, 64)
	if err != nil || seconds < 0 {
		return nil, fmt.Errorf("line %d: wait needs a non-negative number of seconds, got %q", lineNo, arg)
	}
	return &waitBlock{line: lineNo, seconds: seconds}, nil
}

// parseStatement parses an assignment or a tool call.
func parseStatement(s string, lineNo int) (exec.Block, error) {
	if s == "" {
		return nil, fmt.Errorf("line %d: empty statement", lineNo)
	}
	if strings.HasPrefix(s, "@") {
		return parseToolCall(s, lineNo)
	}
	exprText, target, ok := splitArrow(s)
	if !ok {
		return nil, fmt.Errorf("line %d: statement needs %q to name its target variable", lineNo, "->")
	}
	if !isIdentifier(target) {
		return nil, fmt.Errorf("line %d: invalid target variable %q", lineNo, target)
	}
	value, err := parseExpr(exprText)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo, err)
	}
	return &assignBlock{line: lineNo, target: target, value: value}, nil
}

// parseToolCall parses "@name(arg=EXPR, ...)" with an optional "-> var".
func parseToolCall(s string, lineNo int) (exec.Block, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return nil, fmt.Errorf("line %d: tool call needs an argument list, got %q", lineNo, s)
	}
	name := s[1:open]
	if !isIdentifier(name) {
		return nil, fmt.Errorf("line %d: invalid tool name %q", lineNo, name)
	}
	closing := matchParen(s, open)
	if closing < 0 {
		return nil, fmt.Errorf("line %d: tool call %s is missing its closing parenthesis", lineNo, name)
	}
	block := &toolBlock{line: lineNo, name: name}

	argText := s[open+1 : closing]
	if strings.TrimSpace(argText) != "" {
		for _, part := range splitTopLevel(argText, ',') {
			key, valueText, ok := splitAssign(part)
			if !ok {
				return nil, fmt.Errorf("line %d: tool argument %q is not key=value", lineNo, strings.TrimSpace(part))
			}
			if !isIdentifier(key) {
				return nil, fmt.Errorf("line %d: invalid tool argument name %q", lineNo, key)
			}
			value, err := parseExpr(valueText)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			block.args = append(block.args, toolArg{key: key, value: value})
		}
	}

	tail := strings.TrimSpace(s[closing+1:])
	if tail != "" {
		if !strings.HasPrefix(tail, "->") {
			return nil, fmt.Errorf("line %d: unexpected %q after tool call", lineNo, tail)
		}
		target := strings.TrimSpace(strings.TrimPrefix(tail, "->"))
		if !isIdentifier(target) {
			return nil, fmt.Errorf("line %d: invalid target variable %q", lineNo, target)
		}
		block.target = target
	}
	return block, nil
}

// splitArrow splits on the last top-level "->".
func splitArrow(s string) (left, right string, ok bool) {
	idx := -1
	inQuote := false
	for i := 0; i < len(s)-1; i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && s[i] == '-' && s[i+1] == '>':
			idx = i
		}
	}
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+2:]), true
}

// splitColon splits on the first top-level ":".
func splitColon(s string) (left, right string, ok bool) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && s[i] == ':':
			return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
		}
	}
	return "", "", false
}

// splitAssign splits "key=value" on the first "=" that is not part of a
// comparison operator.
func splitAssign(s string) (key, value string, ok bool) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && s[i] == '=':
			if i+1 < len(s) && s[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.ContainsRune("<>!=", rune(s[i-1])) {
				continue
			}
			return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
		}
	}
	return "", "", false
}

// matchParen returns the index of the parenthesis closing s[open], honoring
// quotes and nesting.
func matchParen(s string, open int) int {
	depth := 0
	inQuote := false
	for i := open; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case inQuote:
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits on a separator outside quotes and parentheses.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case inQuote:
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
		case s[i] == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
