package chronicle

import (
	"time"

	"github.com/google/uuid"
)

// Event is the public representation of a committed event envelope.
// It is a curated view of internal/model.Envelope for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type Event struct {
	TenantID        uuid.UUID
	Branch          string
	GlobalSeq       int64
	EventID         uuid.UUID
	Kind            string
	Payload         map[string]any
	Actor           Actor
	ClientTimestamp *time.Time
	ReceivedAt      time.Time
	PayloadHash     string
}

// Actor identifies who produced an event.
type Actor struct {
	Agent    string
	Metadata map[string]any
}

// FieldType is the declared type of one payload field in a kind schema.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Schema declares the payload shape for one event kind. Required fields must
// be present; fields outside Required and Optional are rejected at ingestion.
type Schema struct {
	Required map[string]FieldType
	Optional map[string]FieldType
}
