package chronicle

import (
	"time"

	"github.com/google/uuid"
)

// Actor identifies who produced an event.
type Actor struct {
	Agent    string         `json:"agent"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Event is a committed event as returned by the server.
type Event struct {
	TenantID        uuid.UUID      `json:"tenant_id"`
	Branch          string         `json:"branch"`
	GlobalSeq       int64          `json:"global_seq"`
	EventID         uuid.UUID      `json:"event_id"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	Actor           Actor          `json:"actor"`
	ClientTimestamp *time.Time     `json:"client_timestamp,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
	PayloadHash     string         `json:"payload_hash"`
}

// AppendRequest is the input for Append. TenantID, Kind, Payload, and
// Actor.Agent are required; Branch defaults to "main" on the server.
type AppendRequest struct {
	TenantID        uuid.UUID      `json:"tenant_id"`
	Branch          string         `json:"branch,omitempty"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	Actor           Actor          `json:"actor"`
	ClientTimestamp *time.Time     `json:"client_timestamp,omitempty"`
}

// AppendResult is the identity the server assigned to an accepted event.
type AppendResult struct {
	EventID       uuid.UUID `json:"event_id"`
	GlobalSeq     int64     `json:"global_seq"`
	ReceivedAt    time.Time `json:"received_at"`
	CorrelationID string    `json:"correlation_id"`
}

// ListOptions are optional filters for List.
type ListOptions struct {
	Branch         string // defaults to "main"
	Kind           string // exact-match filter
	AfterGlobalSeq int64  // resume cursor from a previous page
	Limit          int    // page size; server default when 0
}

// EventPage is one ascending page of events plus the resume cursor.
type EventPage struct {
	Events             []Event `json:"events"`
	NextAfterGlobalSeq int64   `json:"next_after_global_seq"`
	HasMore            bool    `json:"has_more"`
}

// ConsumerStatus is one projection consumer's health on one (tenant, branch).
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

// DeadLetter is a delivery parked after exhausting retries or a permanent
// rejection.
type DeadLetter struct {
	ID            int64     `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Branch        string    `json:"branch"`
	GlobalSeq     int64     `json:"global_seq"`
	EventID       uuid.UUID `json:"event_id"`
	Consumer      string    `json:"consumer"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     *string   `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
