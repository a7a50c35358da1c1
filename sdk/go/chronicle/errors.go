// Package chronicle provides a Go client for the Chronicle event log API.
package chronicle

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error represents an error from the Chronicle API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("chronicle: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsConflict returns true if the error is a 409 (idempotency key collision).
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// ConflictDetails identifies the event that originally claimed an idempotency
// key, extracted from a 409 response. ok is false when err is not a conflict
// or the details cannot be parsed.
func ConflictDetails(err error) (eventID uuid.UUID, globalSeq int64, ok bool) {
	var e *Error
	if !errors.As(err, &e) || e.StatusCode != 409 || len(e.Details) == 0 {
		return uuid.Nil, 0, false
	}
	var d struct {
		EventID   uuid.UUID `json:"event_id"`
		GlobalSeq int64     `json:"global_seq"`
	}
	if json.Unmarshal(e.Details, &d) != nil {
		return uuid.Nil, 0, false
	}
	return d.EventID, d.GlobalSeq, true
}
