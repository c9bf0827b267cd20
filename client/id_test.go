package client

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	assert.NotEqual(t, id, Id{})

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, fromBytes, id)

	_, err = IdFromBytes([]byte{0x01})
	assert.NotEqual(t, err, nil)
}

func TestIdJson(t *testing.T) {
	id := NewId()

	b, err := json.Marshal(&id)
	assert.Equal(t, err, nil)

	var decoded Id
	err = json.Unmarshal(b, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, id)
}

func TestIdUniqueness(t *testing.T) {
	seen := map[Id]bool{}
	for i := 0; i < 1000; i += 1 {
		id := NewId()
		assert.Equal(t, seen[id], false)
		seen[id] = true
	}
}
