package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports the first rule violated by a candidate envelope.
// Validation errors are resolved entirely at the ingestion boundary and are
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// ConflictError reports an idempotency collision, identifying the event that
// originally claimed the key.
type ConflictError struct {
	EventID   uuid.UUID
	GlobalSeq int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key already used by event %s (global_seq %d)", e.EventID, e.GlobalSeq)
}
