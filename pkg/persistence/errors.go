// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyExists indicates the definition version is already stored.
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrCheckpointNotFound indicates a checkpoint was not found.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrSubscriptionNotFound indicates a webhook subscription was not found.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "Get", "Save")
	WorkflowID string
	Version    int
	Err        error
}

func (e *WorkflowError) Error() string {
	target := e.WorkflowID
	if e.Version > 0 {
		target = fmt.Sprintf("%s@%d", e.WorkflowID, e.Version)
	}

	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, target, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, version int, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Version:    version,
		Err:        err,
	}
}

// EntityError wraps errors about executions, checkpoints and subscriptions.
type EntityError struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "execution", ID: id, Err: err}
}

func NewCheckpointError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "checkpoint", ID: id, Err: err}
}

func NewSubscriptionError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "subscription", ID: id, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsCheckpointNotFound(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound)
}

func IsSubscriptionNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound)
}

// IsNotFound reports any of the not found errors.
func IsNotFound(err error) bool {
	return IsWorkflowNotFound(err) || IsExecutionNotFound(err) || IsCheckpointNotFound(err) || IsSubscriptionNotFound(err)
}
