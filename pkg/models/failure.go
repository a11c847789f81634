package models

import "fmt"

// FailureCategory is the top level error taxonomy entry.
type FailureCategory string

const (
	CategoryDefinition FailureCategory = "definition"
	CategoryEvaluation FailureCategory = "evaluation"
	CategoryDispatch   FailureCategory = "dispatch"
	CategoryRecovery   FailureCategory = "recovery"
	CategoryCancelled  FailureCategory = "cancelled"
)

// FailureClass narrows a category and is what retry policies match on.
type FailureClass string

const (
	ClassEvaluation          FailureClass = "evaluation"
	ClassTimeout             FailureClass = "timeout"
	ClassRemote              FailureClass = "remote"
	ClassTransport           FailureClass = "transport"
	ClassUnresolvedComponent FailureClass = "unresolved_component"
	ClassRecovery            FailureClass = "recovery"
	ClassCancelled           FailureClass = "cancelled"
	ClassUpstream            FailureClass = "upstream"
)

// Retryable reports whether a retry policy may ever retry the class.
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassEvaluation, ClassTimeout, ClassRemote, ClassTransport, ClassUnresolvedComponent:
		return true
	default:
		return false
	}
}

// Category returns the taxonomy entry the class belongs to.
func (c FailureClass) Category() FailureCategory {
	switch c {
	case ClassEvaluation:
		return CategoryEvaluation
	case ClassRecovery:
		return CategoryRecovery
	case ClassCancelled:
		return CategoryCancelled
	default:
		return CategoryDispatch
	}
}

// Failure is the structured reason attached to failed tasks and terminal executions.
type Failure struct {
	Category FailureCategory `json:"category"`
	Class    FailureClass    `json:"class"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message"`
	TaskID   string          `json:"task_id,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
}

func NewFailure(class FailureClass, taskID string, err error) *Failure {
	f := &Failure{
		Category: class.Category(),
		Class:    class,
		TaskID:   taskID,
	}
	if err != nil {
		f.Message = err.Error()
	}

	return f
}

func (f *Failure) Error() string {
	if f.TaskID != "" {
		return fmt.Sprintf("%s/%s failure in task %s: %s", f.Category, f.Class, f.TaskID, f.Message)
	}

	return fmt.Sprintf("%s/%s failure: %s", f.Category, f.Class, f.Message)
}

func (f *Failure) Clone() *Failure {
	if f == nil {
		return nil
	}

	out := *f

	return &out
}
