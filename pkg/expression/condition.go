package expression

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Condition is a boolean tree. Exactly one of And, Or, Not, Op or Expr is set on each node.
// Left and Right operands may hold ${...} references; Expr is an inline scalar expression
// such as "${tasks.fetch.output.count} > 5".
type Condition struct {
	And   []Condition `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []Condition `json:"or,omitempty" yaml:"or,omitempty"`
	Not   *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
	Op    Operator    `json:"op,omitempty" yaml:"op,omitempty"`
	Left  any         `json:"left,omitempty" yaml:"left,omitempty"`
	Right any         `json:"right,omitempty" yaml:"right,omitempty"`
	Expr  string      `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Evaluator evaluates conditions, caching compiled inline expressions.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

var defaultEvaluator = NewEvaluator()

// EvaluateCondition evaluates cond with the package level evaluator.
func EvaluateCondition(cond Condition, scope Scope) (bool, error) {
	return defaultEvaluator.Evaluate(cond, scope)
}

// CheckCondition validates the shape of cond and the syntax of its references without
// evaluating it.
func CheckCondition(cond Condition) error {
	return defaultEvaluator.Check(cond)
}

func (e *Evaluator) Evaluate(cond Condition, scope Scope) (bool, error) {
	switch cond.kind() {
	case "and":
		for _, child := range cond.And {
			ok, err := e.Evaluate(child, scope)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	case "or":
		for _, child := range cond.Or {
			ok, err := e.Evaluate(child, scope)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	case "not":
		ok, err := e.Evaluate(*cond.Not, scope)
		if err != nil {
			return false, err
		}

		return !ok, nil
	case "op":
		left, err := ResolveValue(cond.Left, scope)
		if err != nil {
			return false, err
		}

		right, err := ResolveValue(cond.Right, scope)
		if err != nil {
			return false, err
		}

		return compare(cond.Op, left, right)
	case "expr":
		return e.evaluateInline(cond.Expr, scope)
	default:
		return false, &SyntaxError{Expression: fmt.Sprintf("%+v", cond), Reason: "condition must set exactly one of and, or, not, op, expr"}
	}
}

func (e *Evaluator) Check(cond Condition) error {
	switch cond.kind() {
	case "and":
		return e.checkAll(cond.And)
	case "or":
		return e.checkAll(cond.Or)
	case "not":
		return e.Check(*cond.Not)
	case "op":
		switch cond.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		default:
			return &SyntaxError{Expression: string(cond.Op), Reason: "unknown operator"}
		}

		if err := CheckValue(cond.Left); err != nil {
			return err
		}

		return CheckValue(cond.Right)
	case "expr":
		source, _, err := rewrite(cond.Expr)
		if err != nil {
			return err
		}

		_, err = e.program(source)

		return err
	default:
		return &SyntaxError{Expression: fmt.Sprintf("%+v", cond), Reason: "condition must set exactly one of and, or, not, op, expr"}
	}
}

func (e *Evaluator) checkAll(conds []Condition) error {
	for _, child := range conds {
		if err := e.Check(child); err != nil {
			return err
		}
	}

	return nil
}

// Paths returns every string leaf of cond that may carry references, used to discover
// which tasks a condition reads.
func (c Condition) Paths() []string {
	var out []string

	collect := func(v any) {
		switch s := v.(type) {
		case string:
			out = append(out, s)
		case []any:
			for _, item := range s {
				if str, ok := item.(string); ok {
					out = append(out, str)
				}
			}
		}
	}

	collect(c.Left)
	collect(c.Right)

	if c.Expr != "" {
		out = append(out, c.Expr)
	}

	for _, child := range c.And {
		out = append(out, child.Paths()...)
	}

	for _, child := range c.Or {
		out = append(out, child.Paths()...)
	}

	if c.Not != nil {
		out = append(out, c.Not.Paths()...)
	}

	return out
}

func (c Condition) kind() string {
	set := 0
	kind := ""

	if len(c.And) > 0 {
		set++
		kind = "and"
	}

	if len(c.Or) > 0 {
		set++
		kind = "or"
	}

	if c.Not != nil {
		set++
		kind = "not"
	}

	if c.Op != "" {
		set++
		kind = "op"
	}

	if c.Expr != "" {
		set++
		kind = "expr"
	}

	if set != 1 {
		return ""
	}

	return kind
}

func (e *Evaluator) evaluateInline(source string, scope Scope) (bool, error) {
	rewritten, paths, err := rewrite(source)
	if err != nil {
		return false, err
	}

	program, err := e.program(rewritten)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(paths))

	for name, path := range paths {
		value, err := lookup(path, scope)
		if err != nil {
			return false, err
		}

		env[name] = value
	}

	result, err := expr.Run(program, env)
	if err != nil {
		var mismatch *TypeMismatchError
		if errors.As(err, &mismatch) {
			return false, mismatch
		}

		if strings.Contains(err.Error(), "mismatched types") || strings.Contains(err.Error(), "invalid operation") {
			return false, &TypeMismatchError{Operator: source, Detail: err.Error()}
		}

		return false, fmt.Errorf("evaluating %q: %w", source, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, &TypeMismatchError{Operator: source, Detail: fmt.Sprintf("expression did not evaluate to a boolean, got %T", result)}
	}

	return b, nil
}

func (e *Evaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[source]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok = e.cache[source]; ok {
		return program, nil
	}

	program, err := expr.Compile(source,
		expr.Patch(strictEquality{}),
		expr.Function(strictEqName, strictEqual(OpEq)),
		expr.Function(strictNeqName, strictEqual(OpNeq)),
	)
	if err != nil {
		return nil, &SyntaxError{Expression: source, Reason: err.Error()}
	}

	e.cache[source] = program

	return program, nil
}

// rewrite replaces each ${...} reference with a generated identifier so the remaining
// text can be compiled as an expr-lang program.
func rewrite(source string) (string, map[string]string, error) {
	refs, err := scan(source)
	if err != nil {
		return "", nil, err
	}

	paths := make(map[string]string, len(refs))

	var b strings.Builder

	last := 0

	for i, ref := range refs {
		if err := checkPath(ref.path); err != nil {
			return "", nil, &SyntaxError{Expression: source, Reason: err.Error()}
		}

		name := fmt.Sprintf("ref_%d", i)
		paths[name] = ref.path

		b.WriteString(source[last:ref.start])
		b.WriteString(name)

		last = ref.end
	}

	b.WriteString(source[last:])

	return b.String(), paths, nil
}

const (
	strictEqName  = "__strict_eq"
	strictNeqName = "__strict_neq"
)

// strictEquality routes == and != through the same comparison as the eq and neq
// predicates, so comparing a number with a string is a type mismatch.
type strictEquality struct{}

func (strictEquality) Visit(node *ast.Node) {
	binary, ok := (*node).(*ast.BinaryNode)
	if !ok {
		return
	}

	var name string

	switch binary.Operator {
	case "==":
		name = strictEqName
	case "!=":
		name = strictNeqName
	default:
		return
	}

	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: name},
		Arguments: []ast.Node{binary.Left, binary.Right},
	})
}

func strictEqual(op Operator) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("%s expects two operands, got %d", op, len(params))
		}

		return compare(op, params[0], params[1])
	}
}
