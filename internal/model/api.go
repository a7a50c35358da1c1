package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AppendEventResponse is the body returned by POST /events on success.
type AppendEventResponse struct {
	EventID       uuid.UUID `json:"event_id"`
	GlobalSeq     int64     `json:"global_seq"`
	ReceivedAt    time.Time `json:"received_at"`
	CorrelationID string    `json:"correlation_id"`
}

// ConflictDetails is attached to 409 responses so the caller can locate the
// event that originally claimed the idempotency key.
type ConflictDetails struct {
	EventID   uuid.UUID `json:"event_id"`
	GlobalSeq int64     `json:"global_seq"`
}

// ListEventsResponse is a single ascending page of events plus the resume cursor.
type ListEventsResponse struct {
	Events             []Envelope `json:"events"`
	NextAfterGlobalSeq int64      `json:"next_after_global_seq"`
	HasMore            bool       `json:"has_more"`
}

// ConsumerStatus is the operator-facing health surface for one projection
// consumer on one (tenant, branch): watermark, lag against the log head, and
// the current state digest for replay-verification tooling.
type ConsumerStatus struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Branch    string    `json:"branch"`
	Consumer  string    `json:"consumer"`
	Watermark int64     `json:"watermark"`
	Head      int64     `json:"head"`
	Lag       int64     `json:"lag"`
	Digest    string    `json:"digest"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}
