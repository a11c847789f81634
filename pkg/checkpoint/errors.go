package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrNotResumable indicates a checkpoint whose snapshot is already terminal.
	ErrNotResumable = errors.New("checkpoint is not resumable")

	// ErrNoInitialCheckpoint indicates an execution whose history cannot be replayed.
	ErrNoInitialCheckpoint = errors.New("execution has no initial checkpoint")
)

// RecoveryError reports a checkpoint that could not be used to restore an execution.
type RecoveryError struct {
	ExecutionID  string
	CheckpointID string
	Err          error
}

func (e *RecoveryError) Error() string {
	if e.CheckpointID != "" {
		return fmt.Sprintf("recovery of execution %s from checkpoint %s failed: %v", e.ExecutionID, e.CheckpointID, e.Err)
	}

	return fmt.Sprintf("recovery of execution %s failed: %v", e.ExecutionID, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

func IsRecoveryError(err error) bool {
	var target *RecoveryError

	return errors.As(err, &target)
}
