package client

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Value is the internal value representation:
// nil, bool, float64, int64, string, []byte, []Value, map[string]Value.
//
// Plain JSON numbers are always float64. 64-bit integers and binary blobs
// do not fit JSON and use tagged single-key objects on the wire:
//
//	{"$integer": base64(8 little-endian bytes)}
//	{"$bytes": base64(blob)}
type Value = any

func DecodeValue(b []byte) (Value, error) {
	var wire any
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, err
	}
	return decodeWire(wire)
}

func EncodeValue(value Value) ([]byte, error) {
	wire, err := encodeWire(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func decodeWire(wire any) (Value, error) {
	switch v := wire.(type) {
	case nil, bool, float64, string:
		return v, nil
	case []any:
		values := make([]Value, len(v))
		for i, item := range v {
			value, err := decodeWire(item)
			if err != nil {
				return nil, err
			}
			values[i] = value
		}
		return values, nil
	case map[string]any:
		if len(v) == 1 {
			if encoded, ok := v["$integer"]; ok {
				return decodeTaggedInt(encoded)
			}
			if encoded, ok := v["$bytes"]; ok {
				return decodeTaggedBytes(encoded)
			}
		}
		values := make(map[string]Value, len(v))
		for key, item := range v {
			value, err := decodeWire(item)
			if err != nil {
				return nil, err
			}
			values[key] = value
		}
		return values, nil
	default:
		return nil, fmt.Errorf("Unknown wire value: %T", wire)
	}
}

func decodeTaggedInt(encoded any) (Value, error) {
	s, ok := encoded.(string)
	if !ok {
		return nil, fmt.Errorf("$integer must be a string: %T", encoded)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 8 {
		return nil, fmt.Errorf("$integer must be 8 bytes: %d", len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func decodeTaggedBytes(encoded any) (Value, error) {
	s, ok := encoded.(string)
	if !ok {
		return nil, fmt.Errorf("$bytes must be a string: %T", encoded)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func encodeWire(value Value) (any, error) {
	switch v := value.(type) {
	case nil, bool, float64, string:
		return v, nil
	case int:
		// convenience for callers constructing args by hand
		return encodeWire(int64(v))
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		return map[string]any{
			"$integer": base64.StdEncoding.EncodeToString(b),
		}, nil
	case []byte:
		return map[string]any{
			"$bytes": base64.StdEncoding.EncodeToString(v),
		}, nil
	case []Value:
		wire := make([]any, len(v))
		for i, item := range v {
			encoded, err := encodeWire(item)
			if err != nil {
				return nil, err
			}
			wire[i] = encoded
		}
		return wire, nil
	case map[string]Value:
		wire := make(map[string]any, len(v))
		for key, item := range v {
			encoded, err := encodeWire(item)
			if err != nil {
				return nil, err
			}
			wire[key] = encoded
		}
		return wire, nil
	default:
		return nil, fmt.Errorf("Unsupported value: %T", value)
	}
}
