//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package script

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/stepflow-ai/stepflow/cow"
)

// expr is a parsed expression evaluated against a scope at execution time.
type expr interface {
	eval(scope cow.Scope) (any, error)
}

// litExpr is a literal value: number, quoted string, or boolean.
type litExpr struct {
	value any
}

func (e litExpr) eval(cow.Scope) (any, error) { return e.value, nil }

// varExpr reads a variable from the scope.
type varExpr struct {
	name string
}

func (e varExpr) eval(scope cow.Scope) (any, error) {
	v, ok := scope.Get(e.name)
	if !ok {
		return nil, fmt.Errorf("undefined variable %q", e.name)
	}
	return v, nil
}

// cmpExpr compares two sub-expressions.
type cmpExpr struct {
	op    string
	left  expr
	right expr
}

func (e cmpExpr) eval(scope cow.Scope) (any, error) {
	l, err := e.left.eval(scope)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return compare(e.op, l, r)
}

// cmpOps in match order: two-character operators first so ">=" is not
// split as ">" then "=".
var cmpOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// parseExpr parses a literal, a variable reference, or a binary comparison.
func parseExpr(s string) (expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if op, l, r, found := splitComparison(s); found {
		left, err := parseExpr(l)
		if err != nil {
			return nil, err
		}
		right, err := parseExpr(r)
		if err != nil {
			return nil, err
		}
		return cmpExpr{op: op, left: left, right: right}, nil
	}
	return parseOperand(s)
}

// splitComparison finds the first comparison operator outside quotes.
func splitComparison(s string) (op, left, right string, found bool) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote:
			for _, candidate := range cmpOps {
				if strings.HasPrefix(s[i:], candidate) {
					return candidate, s[:i], s[i+len(candidate):], true
				}
			}
		}
	}
	return "", "", "", false
}

func parseOperand(s string) (expr, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, fmt.Errorf("empty operand")
	case s == "true":
		return litExpr{value: true}, nil
	case s == "false":
		return litExpr{value: false}, nil
	case strings.HasPrefix(s, "\""):
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("malformed string literal %s", s)
		}
		return litExpr{value: unquoted}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return litExpr{value: int(n)}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return litExpr{value: f}, nil
	}
	if !isIdentifier(s) {
		return nil, fmt.Errorf("malformed expression %q", s)
	}
	return varExpr{name: s}, nil
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return len(s) > 0
}

// compare applies a comparison operator. Numbers compare numerically across
// int and float representations; persisted snapshots round-trip through
// JSON, so an int written before a restart may read back as float64.
func compare(op string, l, r any) (bool, error) {
	lf, lNum := asFloat(l)
	rf, rNum := asFloat(r)
	if lNum && rNum {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, lStr := l.(string)
	rs, rStr := r.(string)
	if lStr && rStr {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	switch op {
	case "==":
		return reflect.DeepEqual(l, r), nil
	case "!=":
		return !reflect.DeepEqual(l, r), nil
	}
	return false, fmt.Errorf("cannot order %T and %T with %s", l, r, op)
}

// asFloat widens any numeric value to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// truthy reports whether a condition value counts as true: booleans
// directly, numbers when non-zero, strings when non-empty, nil never.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}
