// Package services provides standardized error types for service layer operations.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/orchestra/pkg/checkpoint"
	"github.com/dukex/orchestra/pkg/engine"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/webhook"
	"github.com/go-playground/validator/v10"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrTaskIDsRequired  = errors.New("at least one task id is required")
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrUnauthorized rejects protocol calls without a valid API token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Protocol error codes, shared by the REST problem bodies and the rpc envelope.
const (
	CodeNotFound               = "not_found"
	CodeInvalidStateTransition = "invalid_state_transition"
	CodeInvalidDefinition      = "invalid_definition"
	CodeInvalidRequest         = "invalid_request"
	CodeUnauthorized           = "unauthorized"
	CodeTimeout                = "timeout"
	CodeRateLimited            = "rate_limited"
	CodeInternal               = "internal"
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	var validationErrs validator.ValidationErrors

	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownMethod) ||
		errors.Is(err, ErrTaskIDsRequired) ||
		errors.Is(err, ErrUnknownEventType) ||
		models.IsParameterError(err) ||
		webhook.IsInvalidPayload(err) ||
		errors.Is(err, webhook.ErrNotInbound) ||
		errors.As(err, &validationErrs)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return models.IsTransitionError(err) ||
		errors.Is(err, models.ErrTerminalTransition) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, persistence.ErrWorkflowAlreadyExists) ||
		errors.Is(err, webhook.ErrDisabled) ||
		errors.Is(err, checkpoint.ErrNotResumable) ||
		errors.Is(err, engine.ErrNotAdoptable) ||
		engine.IsAlreadyRunning(err)
}

// Code maps an error onto its protocol error code.
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	switch {
	case err == nil:
		return ""
	case persistence.IsNotFound(err):
		return CodeNotFound
	case models.IsDefinitionError(err):
		return CodeInvalidDefinition
	case IsConflictError(err):
		return CodeInvalidStateTransition
	case IsValidationError(err):
		return CodeInvalidRequest
	case errors.Is(err, ErrUnauthorized), webhook.IsUnauthorized(err):
		return CodeUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    CodeInvalidRequest,
		Message: message,
		Err:     errors.Join(ErrInvalidRequest, err),
	}
}
