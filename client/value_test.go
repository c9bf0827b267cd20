package client

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		nil,
		true,
		false,
		float64(1.5),
		"hello",
		int64(0),
		int64(-1),
		int64(math.MaxInt64),
		int64(math.MinInt64),
		[]byte{0x00, 0x01, 0xff},
		[]Value{"a", int64(2), nil},
		map[string]Value{
			"name":  "test",
			"count": int64(1 << 60),
			"blob":  []byte("raw"),
			"inner": map[string]Value{
				"flag": true,
			},
		},
	}

	for _, value := range values {
		b, err := EncodeValue(value)
		assert.Equal(t, err, nil)

		decoded, err := DecodeValue(b)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, value)
	}
}

func TestValueIntegerWire(t *testing.T) {
	// 64-bit integers travel as {"$integer": base64(8 LE bytes)} so a
	// double-based peer never rounds them

	b, err := EncodeValue(int64(1))
	assert.Equal(t, err, nil)

	var wire map[string]string
	err = json.Unmarshal(b, &wire)
	assert.Equal(t, err, nil)
	// 1 little-endian
	assert.Equal(t, wire["$integer"], "AQAAAAAAAAA=")
}

func TestValueIntConvenience(t *testing.T) {
	// a plain int in hand-built args encodes like int64

	fromInt, err := EncodeValue(map[string]Value{"n": 7})
	assert.Equal(t, err, nil)
	fromInt64, err := EncodeValue(map[string]Value{"n": int64(7)})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(fromInt), string(fromInt64))
}

func TestValueBadWire(t *testing.T) {
	badWires := []string{
		`{"$integer": "short"}`,
		`{"$integer": 5}`,
		`{"$bytes": 5}`,
		`{"$integer": "!!!!"}`,
	}
	for _, wire := range badWires {
		_, err := DecodeValue([]byte(wire))
		assert.NotEqual(t, err, nil)
	}
}

func TestValueTaggedKeyNeedsSingleKey(t *testing.T) {
	// a two-key object containing "$integer" is a plain map, not a tag

	decoded, err := DecodeValue([]byte(`{"$integer": "x", "other": 1}`))
	assert.Equal(t, err, nil)
	m, ok := decoded.(map[string]Value)
	assert.Equal(t, ok, true)
	assert.Equal(t, m["$integer"], "x")
}
