package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBranch is the canonical line of history within a tenant when the
// caller does not name one.
const DefaultBranch = "main"

// Field length limits for envelope fields. These bound what a single caller
// can push into Postgres TEXT columns and into the canonical hash input.
const (
	MaxTenantIDLen = 200
	MaxBranchLen   = 100
	MaxKindLen     = 200
	MaxAgentLen    = 255
)

// Envelope is the validated, normalized representation of one event.
// Append-only source of truth. Never mutated or deleted once committed.
type Envelope struct {
	TenantID        uuid.UUID      `json:"tenant_id"`
	Branch          string         `json:"branch"`
	EventID         uuid.UUID      `json:"event_id"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	Actor           Actor          `json:"actor"`
	ClientTimestamp *time.Time     `json:"client_timestamp,omitempty"`
	ReceivedAt      time.Time      `json:"received_at"`
	PayloadHash     string         `json:"payload_hash"`
	GlobalSeq       int64          `json:"global_seq"`
}

// Actor identifies the agent responsible for an event, for audit attribution.
type Actor struct {
	Agent    string         `json:"agent"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EnvelopeInput is the raw candidate envelope as submitted by a caller,
// before validation and normalization.
type EnvelopeInput struct {
	TenantID        string         `json:"tenant_id"`
	Branch          string         `json:"branch"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	Actor           Actor          `json:"actor"`
	ClientTimestamp string         `json:"client_timestamp,omitempty"`
}

// AppendResult is the identity assigned to a freshly committed event.
type AppendResult struct {
	EventID    uuid.UUID `json:"event_id"`
	GlobalSeq  int64     `json:"global_seq"`
	ReceivedAt time.Time `json:"received_at"`
}

var (
	branchRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	kindRe   = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)
)

// ValidateBranch checks that a branch name uses only alphanumerics, hyphens,
// and underscores, within the length limit.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch must not be empty")
	}
	if len(branch) > MaxBranchLen {
		return fmt.Errorf("branch exceeds maximum length of %d characters", MaxBranchLen)
	}
	if !branchRe.MatchString(branch) {
		return fmt.Errorf("branch may contain only alphanumerics, hyphens, and underscores")
	}
	return nil
}

// ValidateKind checks the two-segment "category.action" shape.
func ValidateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("kind must not be empty")
	}
	if len(kind) > MaxKindLen {
		return fmt.Errorf("kind exceeds maximum length of %d characters", MaxKindLen)
	}
	if !kindRe.MatchString(kind) {
		return fmt.Errorf("kind must match the category.action shape (lowercase segments separated by one dot)")
	}
	return nil
}

// ParseTenantID parses a tenant identifier. Tenants are opaque UUIDs; the
// textual form is accepted in any case and with or without hyphens.
func ParseTenantID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("tenant_id must not be empty")
	}
	if len(raw) > MaxTenantIDLen {
		return uuid.Nil, fmt.Errorf("tenant_id exceeds maximum length of %d characters", MaxTenantIDLen)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tenant_id must be a valid UUID")
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("tenant_id must not be the zero UUID")
	}
	return id, nil
}
