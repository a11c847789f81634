package models

import (
	"errors"
	"fmt"

	"github.com/dukex/orchestra/pkg/events"
)

// Definition errors, rejected when a workflow is created.
var (
	ErrInvalidDefinition     = errors.New("invalid workflow definition")
	ErrNoTasks               = errors.New("workflow has no tasks")
	ErrInvalidWorkflowID     = errors.New("invalid workflow id")
	ErrInvalidTaskID         = errors.New("invalid task id")
	ErrDuplicateTask         = errors.New("duplicate task id")
	ErrUnknownDependency     = errors.New("unknown dependency target")
	ErrSelfDependency        = errors.New("task depends on itself")
	ErrUnknownDependencyKind = errors.New("unknown dependency kind")
	ErrCyclicGraph           = errors.New("cyclic dependency graph")
	ErrMalformedExpression   = errors.New("malformed expression")
	ErrUnknownTaskReference  = errors.New("expression references unknown task")
	ErrInvalidRetryPolicy    = errors.New("invalid retry policy")
	ErrInvalidParameterSpec  = errors.New("invalid parameter spec")
)

// Runtime errors.
var (
	ErrInvalidParameters  = errors.New("invalid workflow parameters")
	ErrTerminalTransition = errors.New("state is terminal")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSequenceMismatch   = errors.New("event sequence mismatch")
	ErrExecutionMismatch  = errors.New("event belongs to another execution")
	ErrUnknownTask        = errors.New("unknown task")
	ErrUnknownEvent       = errors.New("unknown event type")
	ErrCorruptCheckpoint  = errors.New("corrupt checkpoint")
)

// DefinitionError points at the part of a definition that failed validation.
type DefinitionError struct {
	Field  string
	TaskID string
	Err    error
}

func (e *DefinitionError) Error() string {
	switch {
	case e.TaskID != "" && e.Field != "":
		return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Field, e.Err)
	case e.TaskID != "":
		return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Is makes every DefinitionError match ErrInvalidDefinition.
func (e *DefinitionError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// TransitionError reports an event that the current state does not accept.
type TransitionError struct {
	ExecutionID string
	TaskID      string
	Event       events.EventType
	From        string
	Err         error
}

func (e *TransitionError) Error() string {
	target := "execution " + e.ExecutionID
	if e.TaskID != "" {
		target = fmt.Sprintf("task %s of execution %s", e.TaskID, e.ExecutionID)
	}

	if e.From != "" {
		return fmt.Sprintf("cannot apply %s to %s in state %s: %v", e.Event, target, e.From, e.Err)
	}

	return fmt.Sprintf("cannot apply %s to %s: %v", e.Event, target, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ParameterError reports an execution parameter that does not match its declaration.
type ParameterError struct {
	Name   string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Name, e.Reason)
}

func (e *ParameterError) Unwrap() error {
	return ErrInvalidParameters
}

func IsDefinitionError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}

func IsTransitionError(err error) bool {
	var transitionErr *TransitionError
	return errors.As(err, &transitionErr)
}

func IsParameterError(err error) bool {
	return errors.Is(err, ErrInvalidParameters)
}
