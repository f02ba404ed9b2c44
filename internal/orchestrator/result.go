package orchestrator

import (
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
)

// ErrDuplicateSubmission is returned while a submission with the same
// idempotency token is still in flight.
var ErrDuplicateSubmission = errors.New("submission already in progress")

// Outcome is the final state of one orchestration.
type Outcome int

const (
	Success Outcome = iota + 1
	EntityCreateFailed
	EntityUpdateFailed
	SubResourceAttachFailed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case EntityCreateFailed:
		return "entity_create_failed"
	case EntityUpdateFailed:
		return "entity_update_failed"
	case SubResourceAttachFailed:
		return "sub_resource_attach_failed"
	default:
		return "unknown"
	}
}

// Compensation values recorded on a Result.
const (
	CompensationNone   = "none"
	CompensationDelete = "delete"
	CompensationReport = "report"
)

// Result of Create or Update. Ref is set whenever the entity exists upstream.
type Result struct {
	Outcome         Outcome
	Ref             upstream.EntityRef
	Cause           error
	Compensation    string
	Compensated     bool
	CompensationErr error
	// Replayed is set when the result came from the idempotency store.
	Replayed bool
}

// Err returns nil for Success and a typed error otherwise.
func (r Result) Err() error {
	switch r.Outcome {
	case Success:
		return nil
	case SubResourceAttachFailed:
		return &PartialFailureError{
			Ref:             r.Ref,
			Cause:           r.Cause,
			Compensation:    r.Compensation,
			Compensated:     r.Compensated,
			CompensationErr: r.CompensationErr,
		}
	default:
		return &WriteError{Outcome: r.Outcome, Cause: r.Cause}
	}
}

// WriteError is a failed create or update of the entity itself. The cause
// is usually an *upstream.Error.
type WriteError struct {
	Outcome Outcome
	Cause   error
}

func (e *WriteError) Error() string { return fmt.Sprintf("%s: %v", e.Outcome, e.Cause) }
func (e *WriteError) Unwrap() error { return e.Cause }

// PartialFailureError means the entity was written but its attachment
// was not.
type PartialFailureError struct {
	Ref             upstream.EntityRef
	Cause           error
	Compensation    string
	Compensated     bool
	CompensationErr error
}

func (e *PartialFailureError) Error() string {
	state := "entity kept"
	if e.Compensated {
		state = "entity deleted"
	}
	return fmt.Sprintf("attachment failed for entity %d (%s): %v", e.Ref, state, e.Cause)
}

func (e *PartialFailureError) Unwrap() error { return e.Cause }
