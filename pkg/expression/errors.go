package expression

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedReference indicates a ${...} reference that has no value in scope.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrTypeMismatch indicates operands whose types cannot be compared without coercion.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrMalformedExpression indicates a reference or inline expression that does not parse.
	ErrMalformedExpression = errors.New("malformed expression")
)

// UnresolvedReferenceError reports the reference that could not be resolved and why.
type UnresolvedReferenceError struct {
	Reference string
	Reason    string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference ${%s}: %s", e.Reference, e.Reason)
}

func (e *UnresolvedReferenceError) Unwrap() error {
	return ErrUnresolvedReference
}

// TypeMismatchError reports an operator applied to incompatible operands.
type TypeMismatchError struct {
	Operator string
	Left     any
	Right    any
	Detail   string
}

func (e *TypeMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("type mismatch in %s: %s", e.Operator, e.Detail)
	}

	return fmt.Sprintf("type mismatch in %s: cannot compare %T with %T", e.Operator, e.Left, e.Right)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}

// SyntaxError reports a malformed reference or expression.
type SyntaxError struct {
	Expression string
	Reason     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed expression %q: %s", e.Expression, e.Reason)
}

func (e *SyntaxError) Unwrap() error {
	return ErrMalformedExpression
}

func IsUnresolvedReference(err error) bool {
	return errors.Is(err, ErrUnresolvedReference)
}

func IsTypeMismatch(err error) bool {
	return errors.Is(err, ErrTypeMismatch)
}

func IsMalformedExpression(err error) bool {
	return errors.Is(err, ErrMalformedExpression)
}
