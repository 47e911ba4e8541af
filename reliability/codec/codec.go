// Package codec defines the Serializer used for stored payloads and the
// canonical JSON encoding used for request fingerprints.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSerialization wraps every encode or decode failure. Callers must surface
// it; a failed encoding is never replaced by an empty value.
var ErrSerialization = errors.New("codec: serialization failed")

// ErrDuplicateKey is returned by CanonicalizeJSON for an object that repeats
// a key. It is always wrapped together with ErrSerialization.
var ErrDuplicateKey = errors.New("codec: duplicate object key")

// Serializer encodes values to bytes and back.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSON is the default Serializer backed by encoding/json.
type JSON struct{}

// Encode marshals v. Raw byte slices and json.RawMessage pass through untouched.
func (JSON) Encode(v any) ([]byte, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrSerialization)
		}

		return append([]byte(nil), raw...), nil
	case []byte:
		return append([]byte(nil), raw...), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %w", ErrSerialization, v, err)
	}

	return data, nil
}

// Decode unmarshals data into v.
func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode into %T: %w", ErrSerialization, v, err)
	}

	return nil
}

// OrJSON returns s, or JSON when s is nil.
//
//nolint:ireturn
func OrJSON(s Serializer) Serializer {
	if s == nil {
		return JSON{}
	}

	return s
}
