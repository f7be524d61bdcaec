// Package models defines the durable engine's runs, step records, timers and payloads.
package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaJSON tags payloads whose bytes are a JSON document.
const SchemaJSON = "json"

// ErrEmptyPayload is returned when decoding a payload that carries no data.
var ErrEmptyPayload = errors.New("payload is empty")

// Payload is an opaque serialized value plus a schema tag. The engine never looks
// inside Data; typed decoding happens in the function layer.
type Payload struct {
	Schema string `json:"schema"`
	Data   []byte `json:"data,omitempty"`
}

// NewPayload encodes v as JSON. A Payload or *Payload is returned unchanged.
func NewPayload(v any) (Payload, error) {
	switch p := v.(type) {
	case Payload:
		return p, nil
	case *Payload:
		if p == nil {
			return Payload{Schema: SchemaJSON, Data: []byte("null")}, nil
		}

		return *p, nil
	case json.RawMessage:
		return Payload{Schema: SchemaJSON, Data: append([]byte(nil), p...)}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	return Payload{Schema: SchemaJSON, Data: data}, nil
}

// MustPayload is NewPayload for values that are known to encode.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}

	return p
}

// Decode unmarshals the payload into out.
func (p Payload) Decode(out any) error {
	if len(p.Data) == 0 {
		return ErrEmptyPayload
	}

	if p.Schema != "" && p.Schema != SchemaJSON {
		return fmt.Errorf("unsupported payload schema %q", p.Schema)
	}

	return json.Unmarshal(p.Data, out)
}

// IsZero reports whether the payload carries no data.
func (p Payload) IsZero() bool {
	return len(p.Data) == 0
}

// Equal compares schema and bytes.
func (p Payload) Equal(other Payload) bool {
	return p.Schema == other.Schema && bytes.Equal(p.Data, other.Data)
}

// Hash returns a stable hex digest of the schema tag and bytes.
func (p Payload) Hash() string {
	h := sha256.New()
	h.Write([]byte(p.Schema))
	h.Write([]byte{0})
	h.Write(p.Data)

	return hex.EncodeToString(h.Sum(nil))
}

// Size is the number of serialized bytes.
func (p Payload) Size() int {
	return len(p.Data)
}
