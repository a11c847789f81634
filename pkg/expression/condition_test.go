package expression

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition_Predicates(t *testing.T) {
	scope := testScope()

	tests := []struct {
		name     string
		cond     Condition
		expected bool
	}{
		{"eq string", Condition{Op: OpEq, Left: "${param.name}", Right: "orders"}, true},
		{"neq string", Condition{Op: OpNeq, Left: "${param.name}", Right: "users"}, true},
		{"eq int and float", Condition{Op: OpEq, Left: "${tasks.fetch.output.count}", Right: 3}, true},
		{"gt", Condition{Op: OpGt, Left: "${param.limit}", Right: 5}, true},
		{"gte equal", Condition{Op: OpGte, Left: "${param.limit}", Right: 10}, true},
		{"lt", Condition{Op: OpLt, Left: "${tasks.fetch.output.count}", Right: 2.5}, false},
		{"lte strings", Condition{Op: OpLte, Left: "abc", Right: "abd"}, true},
		{"in list", Condition{Op: OpIn, Left: "${env.REGION}", Right: []any{"us", "eu"}}, true},
		{"in list missing", Condition{Op: OpIn, Left: "ap", Right: []any{"us", "eu"}}, false},
		{"contains substring", Condition{Op: OpContains, Left: "${param.name}", Right: "der"}, true},
		{"contains element", Condition{Op: OpContains, Left: "${param.tags}", Right: "b"}, true},
		{"contains key", Condition{Op: OpContains, Left: "${tasks.fetch.output}", Right: "count"}, true},
		{"eq nil", Condition{Op: OpEq, Left: nil, Right: nil}, true},
		{"task state", Condition{Op: OpEq, Left: "${tasks.broken.state}", Right: "failed"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.cond, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateCondition_Trees(t *testing.T) {
	scope := testScope()

	yes := Condition{Op: OpEq, Left: 1, Right: 1}
	no := Condition{Op: OpEq, Left: 1, Right: 2}

	got, err := EvaluateCondition(Condition{And: []Condition{yes, yes}}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateCondition(Condition{And: []Condition{yes, no}}, scope)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvaluateCondition(Condition{Or: []Condition{no, yes}}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateCondition(Condition{Not: &no}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	// and short-circuits before the unresolved reference
	got, err = EvaluateCondition(Condition{And: []Condition{no, {Op: OpEq, Left: "${param.missing}", Right: 1}}}, scope)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateCondition_Inline(t *testing.T) {
	scope := testScope()

	got, err := EvaluateCondition(Condition{Expr: "${tasks.fetch.output.count} > 5"}, scope)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvaluateCondition(Condition{Expr: "${param.limit} >= 10 && ${env.REGION} == 'eu'"}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = EvaluateCondition(Condition{Expr: "${param.name} > 5"}, scope)
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))

	_, err = EvaluateCondition(Condition{Expr: "${param.limit} + 1"}, scope)
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))

	_, err = EvaluateCondition(Condition{Expr: "${tasks.waiting.output.count} > 5"}, scope)
	require.Error(t, err)
	assert.True(t, IsUnresolvedReference(err))
}

func TestEvaluateCondition_InlineEquality(t *testing.T) {
	scope := testScope()

	tests := []struct {
		expr string
		want bool
	}{
		{"${tasks.fetch.output.count} == 3", true},
		{"${tasks.fetch.output.count} != 3", false},
		{"${param.name} == 'orders'", true},
		{"${param.name} != 'orders' || ${param.limit} == 10", true},
		{"${param.tags} == nil", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvaluateCondition(Condition{Expr: tt.expr}, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, source := range []string{
		"${param.name} == 5",
		"${param.name} != 5",
		"${param.limit} == '10'",
	} {
		t.Run(source, func(t *testing.T) {
			_, err := EvaluateCondition(Condition{Expr: source}, scope)
			require.Error(t, err)

			var mismatch *TypeMismatchError
			assert.ErrorAs(t, err, &mismatch)
		})
	}
}

func TestEvaluateCondition_TypeMismatch(t *testing.T) {
	scope := testScope()

	conds := []Condition{
		{Op: OpEq, Left: "${param.name}", Right: 3},
		{Op: OpGt, Left: "${param.name}", Right: 3},
		{Op: OpLt, Left: true, Right: 3},
		{Op: OpIn, Left: "eu", Right: "eu"},
		{Op: OpContains, Left: 10, Right: 1},
		{Op: OpContains, Left: "${param.name}", Right: 1},
	}

	for _, cond := range conds {
		_, err := EvaluateCondition(cond, scope)
		require.Error(t, err)
		assert.True(t, IsTypeMismatch(err), "%+v", cond)
	}
}

func TestEvaluateCondition_LargeUnsigned(t *testing.T) {
	scope := Scope{Params: map[string]any{"big": uint64(math.MaxUint64)}}

	got, err := EvaluateCondition(Condition{Op: OpGt, Left: "${param.big}", Right: 1}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateCondition(Condition{Op: OpLt, Left: uint(1), Right: "${param.big}"}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateCondition(Condition{Op: OpEq, Left: uint64(math.MaxInt64), Right: int64(math.MaxInt64)}, scope)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateCondition_Idempotent(t *testing.T) {
	scope := testScope()
	cond := Condition{Expr: "${tasks.fetch.output.count} < ${param.limit}"}

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			got, err := EvaluateCondition(cond, scope)
			assert.NoError(t, err)
			assert.True(t, got)
		}()
	}

	wg.Wait()
}

func TestCheckCondition(t *testing.T) {
	valid := []Condition{
		{Op: OpEq, Left: "${param.a}", Right: 1},
		{Expr: "${tasks.a.output.count} > 5"},
		{And: []Condition{{Op: OpIn, Left: "x", Right: []any{"x"}}, {Not: &Condition{Expr: "true"}}}},
	}

	for _, cond := range valid {
		assert.NoError(t, CheckCondition(cond))
	}

	invalid := []Condition{
		{},
		{Op: "between", Left: 1, Right: 2},
		{Op: OpEq, Left: "${param.a", Right: 1},
		{Expr: "${tasks.a.output.count} >"},
		{Op: OpEq, Left: 1, Right: 1, Expr: "true"},
	}

	for _, cond := range invalid {
		err := CheckCondition(cond)
		require.Error(t, err, "%+v", cond)
		assert.True(t, IsMalformedExpression(err), "%+v", cond)
	}
}

func TestConditionPaths(t *testing.T) {
	cond := Condition{And: []Condition{
		{Op: OpEq, Left: "${tasks.a.state}", Right: "completed"},
		{Not: &Condition{Expr: "${tasks.b.output.n} > 1"}},
	}}

	assert.Equal(t, []string{"${tasks.a.state}", "completed", "${tasks.b.output.n} > 1"}, cond.Paths())
}
