package envelope

import (
	"fmt"
	"sort"
)

// FieldType names the JSON type a schema field must decode to.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Schema is the strict payload contract one event kind declares. Required
// fields must be present with the declared type; optional fields are
// type-checked when present; fields outside the schema are rejected.
type Schema struct {
	Required map[string]FieldType
	Optional map[string]FieldType
}

// Registry maps event kinds to their payload schemas. Kinds without a
// registered schema are rejected at validation time: dynamic payloads stay
// flexible at the boundary, but every accepted kind has a declared contract.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register declares the payload schema for a kind. Re-registering a kind
// replaces its schema; the last registration wins.
func (r *Registry) Register(kind string, schema Schema) {
	r.schemas[kind] = schema
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// lookup returns the schema for a kind, or false if the kind is unregistered.
func (r *Registry) lookup(kind string) (Schema, bool) {
	s, ok := r.schemas[kind]
	return s, ok
}

// checkPayload validates a payload document against a schema.
// Returns the first violation found.
func checkPayload(payload map[string]any, schema Schema) error {
	for _, name := range sortedKeys(schema.Required) {
		v, ok := payload[name]
		if !ok {
			return fmt.Errorf("missing required field %q", name)
		}
		if err := checkType(name, v, schema.Required[name]); err != nil {
			return err
		}
	}
	for name, v := range payload {
		if _, ok := schema.Required[name]; ok {
			continue
		}
		ft, ok := schema.Optional[name]
		if !ok {
			return fmt.Errorf("field %q is not part of the schema", name)
		}
		if err := checkType(name, v, ft); err != nil {
			return err
		}
	}
	return nil
}

// checkType verifies a decoded JSON value against the declared field type.
// Values arrive through encoding/json, so numbers are float64 and objects
// are map[string]any.
func checkType(name string, v any, ft FieldType) error {
	ok := false
	switch ft {
	case TypeString:
		_, ok = v.(string)
	case TypeNumber:
		_, ok = v.(float64)
	case TypeBool:
		_, ok = v.(bool)
	case TypeObject:
		_, ok = v.(map[string]any)
	case TypeArray:
		_, ok = v.([]any)
	}
	if !ok {
		return fmt.Errorf("field %q must be of type %s", name, ft)
	}
	return nil
}

func sortedKeys(m map[string]FieldType) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
