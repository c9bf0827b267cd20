package client

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRemoteQuerySetTransitionChain(t *testing.T) {
	// follow one query through update, failure, and removal across three
	// chained transitions

	querySet := NewRemoteQuerySet()
	assert.Equal(t, querySet.Version(), StateVersion{})

	v0 := StateVersion{QuerySet: 1, Ts: 0, Identity: 0}
	v1 := StateVersion{QuerySet: 1, Ts: 10, Identity: 0}
	v2 := StateVersion{QuerySet: 1, Ts: 20, Identity: 0}
	v3 := StateVersion{QuerySet: 2, Ts: 30, Identity: 0}

	err := querySet.Transition(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   v0,
	})
	assert.Equal(t, err, nil)

	err = querySet.Transition(&TransitionMessage{
		StartVersion: v0,
		EndVersion:   v1,
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 1,
				Value:   json.RawMessage(`[]`),
			},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, querySet.Version(), v1)
	result := querySet.RemoteQueryResults()[1]
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Value, []Value{})

	err = querySet.Transition(&TransitionMessage{
		StartVersion: v1,
		EndVersion:   v2,
		Modifications: []StateModification{
			&QueryFailed{
				QueryId:      1,
				ErrorMessage: "index missing",
			},
		},
	})
	assert.Equal(t, err, nil)
	result = querySet.RemoteQueryResults()[1]
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.ErrorMessage, "index missing")

	err = querySet.Transition(&TransitionMessage{
		StartVersion: v2,
		EndVersion:   v3,
		Modifications: []StateModification{
			&QueryRemoved{
				QueryId: 1,
			},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, querySet.Version(), v3)
	assert.Equal(t, len(querySet.RemoteQueryResults()), 0)
}

func TestRemoteQuerySetVersionMismatch(t *testing.T) {
	// a mismatched start version leaves state untouched

	querySet := NewRemoteQuerySet()

	err := querySet.Transition(&TransitionMessage{
		StartVersion: StateVersion{QuerySet: 5, Ts: 0, Identity: 0},
		EndVersion:   StateVersion{QuerySet: 5, Ts: 10, Identity: 0},
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 0,
				Value:   json.RawMessage(`"x"`),
			},
		},
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, querySet.Version(), StateVersion{})
	assert.Equal(t, len(querySet.RemoteQueryResults()), 0)

	// any single component off is a mismatch
	mismatches := []StateVersion{
		{QuerySet: 1, Ts: 0, Identity: 0},
		{QuerySet: 0, Ts: 1, Identity: 0},
		{QuerySet: 0, Ts: 0, Identity: 1},
	}
	for _, startVersion := range mismatches {
		err := querySet.Transition(&TransitionMessage{
			StartVersion: startVersion,
			EndVersion:   StateVersion{QuerySet: 9, Ts: 9, Identity: 9},
		})
		assert.NotEqual(t, err, nil)
	}
}

func TestRemoteQuerySetDoubleApplication(t *testing.T) {
	// replaying a transition fails the start version check

	querySet := NewRemoteQuerySet()

	transition := &TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 0, Ts: 10, Identity: 0},
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 0,
				Value:   json.RawMessage(`1.5`),
			},
		},
	}

	err := querySet.Transition(transition)
	assert.Equal(t, err, nil)

	err = querySet.Transition(transition)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, querySet.Version(), StateVersion{QuerySet: 0, Ts: 10, Identity: 0})
}

func TestRemoteQuerySetUnparseableValue(t *testing.T) {
	querySet := NewRemoteQuerySet()

	err := querySet.Transition(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 0, Ts: 10, Identity: 0},
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 0,
				Value:   json.RawMessage(`{"$integer": "bad"}`),
			},
		},
	})
	assert.NotEqual(t, err, nil)
}
