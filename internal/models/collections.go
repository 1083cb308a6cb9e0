package models

import (
	"encoding/json"
	"fmt"
)

// Known record collections. The sync core is schema-agnostic; these names
// select the validator applied before a local write is accepted.
const (
	CollectionProperties  = "properties"
	CollectionPhases      = "phases"
	CollectionPhotos      = "photos"
	CollectionCustomers   = "customers"
	CollectionTimeEntries = "time_entries"
)

// Validator checks a payload before a local write is accepted for its
// collection. Validation failures are surfaced synchronously to the caller
// and nothing is queued.
type Validator func(payload map[string]interface{}) error

// DefaultValidators returns the payload validators for the built-in
// collections. Callers may add or replace entries for custom collections.
func DefaultValidators() map[string]Validator {
	return map[string]Validator{
		CollectionProperties:  requireFields("address"),
		CollectionPhases:      requireFields("propertyId", "name"),
		CollectionPhotos:      requireFields("phaseId", "uri"),
		CollectionCustomers:   requireFields("name"),
		CollectionTimeEntries: requireFields("propertyId", "startedAt"),
	}
}

// requireFields builds a validator that rejects payloads missing any of the
// named fields or carrying them as empty strings.
func requireFields(fields ...string) Validator {
	return func(payload map[string]interface{}) error {
		for _, f := range fields {
			v, ok := payload[f]
			if !ok || v == nil {
				return fmt.Errorf("missing required field %q", f)
			}
			if s, isStr := v.(string); isStr && s == "" {
				return fmt.Errorf("required field %q is empty", f)
			}
		}
		return nil
	}
}

// DecodePayload unmarshals a stored JSON payload into a map. A nil payload
// decodes to an empty map.
func DecodePayload(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return m, nil
}

// EncodePayload marshals a payload map for storage.
func EncodePayload(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// MergePayload applies a field-level delta on top of an existing payload and
// returns the merged document. The delta wins on key collisions.
func MergePayload(base []byte, delta map[string]interface{}) ([]byte, error) {
	merged, err := DecodePayload(base)
	if err != nil {
		return nil, err
	}
	for k, v := range delta {
		merged[k] = v
	}
	return EncodePayload(merged)
}
