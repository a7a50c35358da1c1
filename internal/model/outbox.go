package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks where one (event, consumer) pair sits in the relay's
// delivery state machine.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryRetryable    DeliveryState = "failed-retryable"
	DeliveryDeadLettered DeliveryState = "dead-lettered"
)

// OutboxRecord mirrors one committed event for downstream delivery.
// Created in the same transaction as the event; never created independently.
// Status flips to delivered once every registered consumer has acknowledged.
type OutboxRecord struct {
	TenantID  uuid.UUID     `json:"tenant_id"`
	Branch    string        `json:"branch"`
	GlobalSeq int64         `json:"global_seq"`
	EventID   uuid.UUID     `json:"event_id"`
	Status    DeliveryState `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// OutboxDelivery is the per-consumer delivery state for one outbox record.
// Retry and dead-letter state is isolated per consumer: one consumer's
// failures never block another's progress.
type OutboxDelivery struct {
	ID            int64         `json:"id"`
	TenantID      uuid.UUID     `json:"tenant_id"`
	Branch        string        `json:"branch"`
	GlobalSeq     int64         `json:"global_seq"`
	EventID       uuid.UUID     `json:"event_id"`
	Consumer      string        `json:"consumer"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     *string       `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Watermark is a consumer's high-water mark of fully-applied events for one
// (tenant, branch), plus the consumer's deterministic state digest.
// Owned exclusively by the projection runtime for that consumer.
type Watermark struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Branch    string    `json:"branch"`
	Consumer  string    `json:"consumer"`
	Seq       int64     `json:"watermark"`
	Digest    string    `json:"digest"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}
