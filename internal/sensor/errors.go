package sensor

import (
	"errors"
	"fmt"
)

// Validation and lifecycle errors surfaced to the channel layer. These map
// one-to-one onto the structured error replies on the wire.
var (
	ErrInvalidAttributeID = errors.New("invalid_attribute_id")
	ErrMissingFields      = errors.New("missing_fields")
	ErrInvalidAction      = errors.New("invalid_action")
	ErrActorStopped       = errors.New("actor_stopped")
)

// BatchError reports a batch in which every entry failed validation. Mixed
// batches are not an error; the valid subset is applied and counts returned.
type BatchError struct {
	FailedCount int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("invalid_batch: %d entries failed validation", e.FailedCount)
}

// PoisonedError marks a sensor id that crashed too often and is temporarily
// refusing joins.
type PoisonedError struct {
	SensorID string
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("actor_poisoned: %s", e.SensorID)
}
