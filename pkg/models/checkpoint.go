package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

type CheckpointReason string

const (
	CheckpointInitial  CheckpointReason = "initial"
	CheckpointInterval CheckpointReason = "interval"
	CheckpointPause    CheckpointReason = "pause"
	CheckpointCancel   CheckpointReason = "cancel"
	CheckpointDispatch CheckpointReason = "dispatch"
	CheckpointManual   CheckpointReason = "manual"
	CheckpointTerminal CheckpointReason = "terminal"
)

// Checkpoint is an immutable snapshot of an execution. Checksum covers the JSON encoding
// of State so a damaged snapshot is detected before it is resumed.
type Checkpoint struct {
	ID          string             `json:"id"`
	ExecutionID string             `json:"execution_id"`
	Sequence    int64              `json:"sequence"`
	State       *WorkflowExecution `json:"state"`
	Checksum    string             `json:"checksum"`
	Reason      CheckpointReason   `json:"reason"`
	CreatedAt   time.Time          `json:"created_at"`
}

// NewCheckpoint snapshots x. The caller must hold whatever lock serializes writes to x.
func NewCheckpoint(x *WorkflowExecution, reason CheckpointReason) (*Checkpoint, error) {
	state := x.Clone()

	sum, err := checksum(state)
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: x.ID,
		Sequence:    x.Sequence,
		State:       state,
		Checksum:    sum,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Verify recomputes the checksum and checks the snapshot belongs to the checkpoint.
func (c *Checkpoint) Verify() error {
	if c.State == nil {
		return fmt.Errorf("%w: %s has no state", ErrCorruptCheckpoint, c.ID)
	}

	if c.State.ID != c.ExecutionID || c.State.Sequence != c.Sequence {
		return fmt.Errorf("%w: %s does not match execution %s at sequence %d", ErrCorruptCheckpoint, c.ID, c.ExecutionID, c.Sequence)
	}

	sum, err := checksum(c.State)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}

	if sum != c.Checksum {
		return fmt.Errorf("%w: %s checksum %s, expected %s", ErrCorruptCheckpoint, c.ID, sum, c.Checksum)
	}

	return nil
}

func checksum(x *WorkflowExecution) (string, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return "", err
	}

	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}
