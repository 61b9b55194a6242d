package store

import (
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// marshalValue converts a value to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalValue(v ir.Value) (string, error) {
	if v == nil {
		v = ir.Null{}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses stored JSON TEXT. Integers keep full int64
// precision.
func unmarshalValue(data string) (ir.Value, error) {
	if data == "" {
		return ir.Null{}, nil
	}
	v, err := ir.DecodeValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}
