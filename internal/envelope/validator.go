// Package envelope normalizes and validates inbound event envelopes before
// they become durable. Validation is a pure function of its input: it fails
// fast on the first violated rule and performs no side effects.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/substratehq/chronicle/internal/integrity"
	"github.com/substratehq/chronicle/internal/model"
)

// Validate checks a raw candidate envelope and produces the normalized form,
// or fails with a *model.ValidationError naming the first violated rule.
//
// Checks run in order: required-field presence, tenant_id well-formedness,
// kind shape, payload non-emptiness plus per-kind schema, client_timestamp
// parse, branch character set. On success the canonical payload hash is
// computed over the caller-supplied fields (server-assigned identity is
// excluded so the hash stays verifiable across the event's life).
//
// Server-assigned fields (event_id, received_at, global_seq) are left zero;
// the event log assigns them at commit time.
func Validate(in model.EnvelopeInput, reg *Registry) (model.Envelope, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return model.Envelope{}, &model.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(in.Kind) == "" {
		return model.Envelope{}, &model.ValidationError{Field: "kind", Reason: "required"}
	}
	if len(in.Payload) == 0 {
		return model.Envelope{}, &model.ValidationError{Field: "payload", Reason: "required and must be a non-empty document"}
	}
	agent := strings.TrimSpace(in.Actor.Agent)
	if agent == "" {
		return model.Envelope{}, &model.ValidationError{Field: "actor.agent", Reason: "required"}
	}
	if len(agent) > model.MaxAgentLen {
		return model.Envelope{}, &model.ValidationError{
			Field:  "actor.agent",
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", model.MaxAgentLen),
		}
	}

	tenantID, err := model.ParseTenantID(in.TenantID)
	if err != nil {
		return model.Envelope{}, &model.ValidationError{Field: "tenant_id", Reason: err.Error()}
	}

	kind := strings.TrimSpace(in.Kind)
	if err := model.ValidateKind(kind); err != nil {
		return model.Envelope{}, &model.ValidationError{Field: "kind", Reason: err.Error()}
	}

	if reg != nil {
		schema, ok := reg.lookup(kind)
		if !ok {
			return model.Envelope{}, &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("kind %q has no registered payload schema", kind)}
		}
		if err := checkPayload(in.Payload, schema); err != nil {
			return model.Envelope{}, &model.ValidationError{Field: "payload", Reason: err.Error()}
		}
	}

	var clientTS *time.Time
	if strings.TrimSpace(in.ClientTimestamp) != "" {
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(in.ClientTimestamp))
		if err != nil {
			return model.Envelope{}, &model.ValidationError{Field: "client_timestamp", Reason: "must be a valid RFC 3339 timestamp"}
		}
		// Postgres timestamptz keeps microseconds, so anything finer would
		// break hash reverification after a round-trip through storage.
		utc := ts.UTC().Truncate(time.Microsecond)
		clientTS = &utc
	}

	branch := strings.TrimSpace(in.Branch)
	if branch == "" {
		branch = model.DefaultBranch
	}
	if err := model.ValidateBranch(branch); err != nil {
		return model.Envelope{}, &model.ValidationError{Field: "branch", Reason: err.Error()}
	}

	canonical, err := integrity.CanonicalPayload(in.Payload)
	if err != nil {
		return model.Envelope{}, &model.ValidationError{Field: "payload", Reason: "payload is not serializable"}
	}
	canonicalMeta, err := integrity.CanonicalMetadata(in.Actor.Metadata)
	if err != nil {
		return model.Envelope{}, &model.ValidationError{Field: "actor.metadata", Reason: "metadata is not serializable"}
	}

	return model.Envelope{
		TenantID:        tenantID,
		Branch:          branch,
		Kind:            kind,
		Payload:         in.Payload,
		Actor:           model.Actor{Agent: agent, Metadata: in.Actor.Metadata},
		ClientTimestamp: clientTS,
		PayloadHash:     integrity.ComputeEnvelopeHash(tenantID, branch, kind, agent, canonicalMeta, clientTS, canonical),
	}, nil
}
