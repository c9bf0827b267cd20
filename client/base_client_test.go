package client

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func popAllMessages(base *BaseClient) []ClientMessage {
	messages := []ClientMessage{}
	for {
		message, ok := base.PopNextMessage()
		if !ok {
			return messages
		}
		messages = append(messages, message)
	}
}

func TestBaseClientSubscribeDedup(t *testing.T) {
	// a second subscription to the same (path, args) shares the token and
	// sends nothing

	base := NewBaseClient()

	token1, err := base.Subscribe(ParseUdfPath("messages:list"), map[string]Value{"channel": "general"})
	assert.Equal(t, err, nil)
	messages := popAllMessages(base)
	assert.Equal(t, len(messages), 1)
	modify := messages[0].(*ModifyQuerySetMessage)
	assert.Equal(t, modify.BaseVersion, 0)
	assert.Equal(t, modify.NewVersion, 1)
	assert.Equal(t, len(modify.Modifications), 1)
	assert.Equal(t, modify.Modifications[0].Type, "Add")

	token2, err := base.Subscribe(ParseUdfPath("messages:list"), map[string]Value{"channel": "general"})
	assert.Equal(t, err, nil)
	assert.Equal(t, token1, token2)
	assert.Equal(t, len(popAllMessages(base)), 0)

	// first unsubscribe drops a reference, not the wire query
	base.Unsubscribe(token1)
	assert.Equal(t, len(popAllMessages(base)), 0)

	base.Unsubscribe(token2)
	messages = popAllMessages(base)
	assert.Equal(t, len(messages), 1)
	modify = messages[0].(*ModifyQuerySetMessage)
	assert.Equal(t, modify.BaseVersion, 1)
	assert.Equal(t, modify.NewVersion, 2)
	assert.Equal(t, modify.Modifications[0].Type, "Remove")
}

func TestBaseClientUnsubscribeUnknownToken(t *testing.T) {
	// unknown tokens are a no-op with no spurious wire message

	base := NewBaseClient()
	changed := base.Unsubscribe(QueryToken(`{"udfPath":"nope:default","args":{}}`))
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, len(popAllMessages(base)), 0)
}

func TestBaseClientTransitionToSubscribers(t *testing.T) {
	// a transition's new result becomes visible under the subscription's
	// token

	base := NewBaseClient()

	token, err := base.Subscribe(ParseUdfPath("messages:list"), map[string]Value{})
	assert.Equal(t, err, nil)
	popAllMessages(base)

	changed, err := base.ReceiveMessage(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 10, Identity: 0},
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 0,
				Value:   json.RawMessage(`["hello"]`),
			},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{token})

	result, ok := base.QueryResult(token)
	assert.Equal(t, ok, true)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Value, []Value{"hello"})

	maxTs := base.MaxObservedTimestamp()
	assert.NotEqual(t, maxTs, nil)
	assert.Equal(t, *maxTs, Ts(10))
}

func TestBaseClientMutationFlow(t *testing.T) {
	// mutation response with ts gates the callback on the covering
	// transition, and the optimistic update holds until then

	base := NewBaseClient()

	udfPath := ParseUdfPath("counter:get")
	token, err := base.Subscribe(udfPath, map[string]Value{})
	assert.Equal(t, err, nil)

	_, err = base.ReceiveMessage(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 10, Identity: 0},
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 0,
				Value:   json.RawMessage(`{"$integer":"CgAAAAAAAAA="}`),
			},
		},
	})
	assert.Equal(t, err, nil)

	callback, results := NewBlockingApiCallback[FunctionResult](1)
	requestId, changed, err := base.Mutation(
		ParseUdfPath("counter:add"),
		map[string]Value{"n": int64(1)},
		func(store *OptimisticLocalStore) {
			value, ok := store.GetQuery(udfPath, map[string]Value{})
			if !ok {
				return
			}
			store.SetQuery(udfPath, map[string]Value{}, value.(int64)+1)
		},
		callback,
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{token})

	// optimistic value is visible
	result, _ := base.QueryResult(token)
	assert.Equal(t, result.Value, int64(11))

	// the wire message for the mutation is queued
	var sawMutation bool
	for _, message := range popAllMessages(base) {
		if mutation, ok := message.(*MutationRequestMessage); ok {
			assert.Equal(t, mutation.RequestId, requestId)
			assert.Equal(t, mutation.UdfPath, "counter:add")
			sawMutation = true
		}
	}
	assert.Equal(t, sawMutation, true)
	base.MarkRequestSent(requestId)

	// response carries ts 20: callback held, optimistic value held
	ts := Ts(20)
	changed, err = base.ReceiveMessage(&MutationResponseMessage{
		RequestId: requestId,
		Success:   true,
		Result:    json.RawMessage(`null`),
		Ts:        &ts,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, len(results), 0)
	result, _ = base.QueryResult(token)
	assert.Equal(t, result.Value, int64(11))

	// the covering transition carries the confirmed value and settles the
	// callback
	changed, err = base.ReceiveMessage(&TransitionMessage{
		StartVersion: StateVersion{QuerySet: 1, Ts: 10, Identity: 0},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 20, Identity: 0},
		Modifications: []StateModification{
			&QueryUpdated{
				QueryId: 0,
				Value:   json.RawMessage(`{"$integer":"CwAAAAAAAAA="}`),
			},
		},
	})
	assert.Equal(t, err, nil)
	r := <-results
	assert.Equal(t, r.Error, nil)
	result, _ = base.QueryResult(token)
	assert.Equal(t, result.Value, int64(11))
	assert.Equal(t, base.PendingRequestCount(), 0)
}

func TestBaseClientMutationErrorSettlesImmediately(t *testing.T) {
	base := NewBaseClient()

	callback, results := NewBlockingApiCallback[FunctionResult](1)
	requestId, _, err := base.Mutation(ParseUdfPath("counter:add"), map[string]Value{}, nil, callback)
	assert.Equal(t, err, nil)
	base.MarkRequestSent(requestId)

	_, err = base.ReceiveMessage(&MutationResponseMessage{
		RequestId: requestId,
		Success:   false,
		Result:    json.RawMessage(`"overflow"`),
	})
	assert.Equal(t, err, nil)

	r := <-results
	assert.Equal(t, r.Error, nil)
	assert.Equal(t, r.Result.Success, false)
	assert.Equal(t, r.Result.ErrorMessage, "overflow")
}

func TestBaseClientResendAfterReconnect(t *testing.T) {
	// a new generation re-authenticates, re-adds every held query in one
	// update from version 0, and retransmits unsent requests

	base := NewBaseClient()

	base.SetAuth("token-a")
	_, err := base.Subscribe(ParseUdfPath("messages:list"), map[string]Value{})
	assert.Equal(t, err, nil)
	_, err = base.Subscribe(ParseUdfPath("counter:get"), map[string]Value{})
	assert.Equal(t, err, nil)

	callback, results := NewBlockingApiCallback[FunctionResult](1)
	sentId, _, err := base.Mutation(ParseUdfPath("counter:add"), map[string]Value{}, nil, callback)
	assert.Equal(t, err, nil)

	unsentCallback, unsentResults := NewBlockingApiCallback[FunctionResult](1)
	unsentId, _, err := base.Mutation(ParseUdfPath("counter:add"), map[string]Value{}, nil, unsentCallback)
	assert.Equal(t, err, nil)

	popAllMessages(base)
	base.MarkRequestSent(sentId)

	// connection drops: the transmitted request is lost, the queued one
	// survives
	base.ConnectionLost()
	r := <-results
	assert.Equal(t, r.Error, ErrRequestLost)
	assert.Equal(t, len(unsentResults), 0)

	base.ResendOngoingQueriesMutations()
	messages := popAllMessages(base)
	assert.Equal(t, len(messages), 3)

	authenticate := messages[0].(*AuthenticateMessage)
	assert.Equal(t, authenticate.BaseVersion, 0)
	assert.Equal(t, authenticate.Token, "token-a")

	modify := messages[1].(*ModifyQuerySetMessage)
	assert.Equal(t, modify.BaseVersion, 0)
	assert.Equal(t, modify.NewVersion, 1)
	assert.Equal(t, len(modify.Modifications), 2)
	assert.Equal(t, modify.Modifications[0].QueryId, QueryId(0))
	assert.Equal(t, modify.Modifications[1].QueryId, QueryId(1))

	mutation := messages[2].(*MutationRequestMessage)
	assert.Equal(t, mutation.RequestId, unsentId)
}

func TestBaseClientFatalError(t *testing.T) {
	base := NewBaseClient()

	_, err := base.ReceiveMessage(&FatalErrorMessage{
		Error: "client too old",
	})
	assert.NotEqual(t, err, nil)

	var fatal *FatalProtocolError
	assert.Equal(t, errors.As(err, &fatal), true)
	assert.Equal(t, fatal.Message, "client too old")
}

func TestBaseClientAuthError(t *testing.T) {
	// auth errors end the generation but are not terminal

	base := NewBaseClient()

	_, err := base.ReceiveMessage(&AuthErrorMessage{
		Error: "bad token",
	})
	assert.NotEqual(t, err, nil)
	_, terminal := err.(*FatalProtocolError)
	assert.Equal(t, terminal, false)
}
