//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/cow"
)

func evalIn(t *testing.T, src string, scope cow.Scope) any {
	t.Helper()
	e, err := parseExpr(src)
	require.NoError(t, err)
	v, err := e.eval(scope)
	require.NoError(t, err)
	return v
}

func TestParseLiterals(t *testing.T) {
	scope := cow.NewStore()
	assert.Equal(t, 42, evalIn(t, "42", scope))
	assert.Equal(t, -7, evalIn(t, "-7", scope))
	assert.Equal(t, 2.5, evalIn(t, "2.5", scope))
	assert.Equal(t, "quoted", evalIn(t, `"quoted"`, scope))
	assert.Equal(t, `with "escape"`, evalIn(t, `"with \"escape\""`, scope))
	assert.Equal(t, true, evalIn(t, "true", scope))
	assert.Equal(t, false, evalIn(t, "false", scope))
}

func TestParseComparisonOperators(t *testing.T) {
	scope := cow.NewStore()
	scope.Set("n", 10)
	cases := map[string]bool{
		"n>5":       true,
		"n<5":       false,
		"n>=10":     true,
		"n<=9":      false,
		"n==10":     true,
		"n!=10":     false,
		`"a"<"b"`:   true,
		`"a"=="a"`:  true,
		`"a"!="b"`:  true,
		"2.5>2":     true,
		"true==true": true,
	}
	for src, want := range cases {
		assert.Equal(t, want, evalIn(t, src, scope), "expression %q", src)
	}
}

func TestNumericComparisonAcrossTypes(t *testing.T) {
	scope := cow.NewStore()
	// A restored snapshot may hand back float64 where an int was written.
	scope.Set("count", float64(3))
	assert.Equal(t, true, evalIn(t, "count==3", scope))
	assert.Equal(t, true, evalIn(t, "count>2", scope))
}

func TestOrderingMixedTypesFails(t *testing.T) {
	scope := cow.NewStore()
	scope.Set("s", "text")
	e, err := parseExpr("s>1")
	require.NoError(t, err)
	_, err = e.eval(scope)
	assert.Error(t, err)
}

func TestUndefinedVariable(t *testing.T) {
	e, err := parseExpr("ghost")
	require.NoError(t, err)
	_, err = e.eval(cow.NewStore())
	assert.Error(t, err)
}

func TestParseExprErrors(t *testing.T) {
	for _, src := range []string{"", "1 2", `"open`, "a-b", "@x"} {
		_, err := parseExpr(src)
		assert.Error(t, err, "expression %q", src)
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, truthy(nil))
	assert.False(t, truthy(false))
	assert.True(t, truthy(true))
	assert.False(t, truthy(0))
	assert.True(t, truthy(3))
	assert.False(t, truthy(0.0))
	assert.True(t, truthy(-1.5))
	assert.False(t, truthy(""))
	assert.True(t, truthy("text"))
	assert.True(t, truthy([]any{}))
}
