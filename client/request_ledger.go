package client

import (
	"errors"
	"fmt"
)

// RequestId correlates an outgoing mutation or action with its eventual
// server response. Fresh per client; never reused.
type RequestId int64

type FunctionKind int

const (
	FunctionKindMutation FunctionKind = iota
	FunctionKindAction
)

// ErrRequestLost settles a request that was transmitted but not confirmed
// before the connection dropped. The caller cannot know whether it
// executed; retrying is the caller's decision.
var ErrRequestLost = errors.New("Connection lost before the request was confirmed. It is unknown whether it executed.")

type pendingRequest struct {
	requestId RequestId
	kind      FunctionKind
	udfPath   UdfPath
	args      any // wire form
	callback  apiCallback[FunctionResult]

	// true once the request has been transmitted on the current
	// connection generation
	sent bool

	// a successful mutation response holds its result here until a
	// transition reaches `completedTs`
	completedResult *FunctionResult
	completedTs     Ts
}

// RequestLedger tracks in-flight mutation and action requests and settles
// each exactly once. Owned by the client run loop; not safe for
// concurrent use.
type RequestLedger struct {
	nextRequestId RequestId
	pending       map[RequestId]*pendingRequest
	// insertion order, for deterministic resend after reconnect
	pendingOrder []RequestId
}

func NewRequestLedger() *RequestLedger {
	return &RequestLedger{
		nextRequestId: 0,
		pending:       map[RequestId]*pendingRequest{},
		pendingOrder:  []RequestId{},
	}
}

// Register creates a fresh pending entry and returns its request id.
// The caller is responsible for enqueueing the wire message.
func (self *RequestLedger) Register(kind FunctionKind, udfPath UdfPath, args any, callback apiCallback[FunctionResult]) RequestId {
	requestId := self.nextRequestId
	self.nextRequestId += 1
	self.pending[requestId] = &pendingRequest{
		requestId: requestId,
		kind:      kind,
		udfPath:   udfPath,
		args:      args,
		callback:  callback,
	}
	self.pendingOrder = append(self.pendingOrder, requestId)
	return requestId
}

// MarkSent records that the request was transmitted on the current
// connection generation.
func (self *RequestLedger) MarkSent(requestId RequestId) {
	if request, ok := self.pending[requestId]; ok {
		request.sent = true
	}
}

// Resolve settles the request for a server response.
//
// A successful mutation response carries the timestamp its writes
// committed at; its callback is deferred until ObserveTs reaches that
// timestamp so the caller never sees the mutation succeed before its own
// queries reflect it. Failures and action responses settle immediately.
//
// An unknown request id is a protocol desync and returns an error rather
// than being silently dropped.
func (self *RequestLedger) Resolve(requestId RequestId, result FunctionResult, ts *Ts) error {
	request, ok := self.pending[requestId]
	if !ok {
		return fmt.Errorf("Response for unknown request id %d.", requestId)
	}
	if request.completedResult != nil {
		return fmt.Errorf("Request %d resolved twice.", requestId)
	}
	if request.kind == FunctionKindMutation && result.Success && ts != nil {
		request.completedResult = &result
		request.completedTs = *ts
		return nil
	}
	self.remove(requestId)
	request.callback.Result(result, nil)
	return nil
}

// ObserveTs settles every completed mutation whose commit timestamp is now
// covered by the observed state, and returns their request ids.
func (self *RequestLedger) ObserveTs(ts Ts) []RequestId {
	settledIds := []RequestId{}
	for _, requestId := range self.orderedPending() {
		request := self.pending[requestId]
		if request.completedResult != nil && request.completedTs <= ts {
			self.remove(requestId)
			request.callback.Result(*request.completedResult, nil)
			settledIds = append(settledIds, requestId)
		}
	}
	return settledIds
}

// ConnectionLost settles sent-but-unconfirmed requests with
// ErrRequestLost and returns their ids. Requests never transmitted stay
// pending for resend; completed mutations stay pending for the timestamp
// of the next generation's snapshot.
func (self *RequestLedger) ConnectionLost() []RequestId {
	lostIds := []RequestId{}
	for _, requestId := range self.orderedPending() {
		request := self.pending[requestId]
		if request.sent && request.completedResult == nil {
			self.remove(requestId)
			request.callback.Result(FunctionResult{}, ErrRequestLost)
			lostIds = append(lostIds, requestId)
		}
	}
	return lostIds
}

// Fail settles every pending request with a terminal error.
func (self *RequestLedger) Fail(err error) {
	for _, requestId := range self.orderedPending() {
		request := self.pending[requestId]
		self.remove(requestId)
		request.callback.Result(FunctionResult{}, err)
	}
}

// Unsent returns requests awaiting transmission, in submission order.
func (self *RequestLedger) Unsent() []*pendingRequest {
	requests := []*pendingRequest{}
	for _, requestId := range self.orderedPending() {
		request := self.pending[requestId]
		if !request.sent && request.completedResult == nil {
			requests = append(requests, request)
		}
	}
	return requests
}

// MarkAllUnsent resets transmission state for a new connection
// generation.
func (self *RequestLedger) MarkAllUnsent() {
	for _, request := range self.pending {
		if request.completedResult == nil {
			request.sent = false
		}
	}
}

func (self *RequestLedger) PendingCount() int {
	return len(self.pending)
}

func (self *RequestLedger) remove(requestId RequestId) {
	delete(self.pending, requestId)
}

func (self *RequestLedger) orderedPending() []RequestId {
	orderedIds := []RequestId{}
	nextOrder := []RequestId{}
	for _, requestId := range self.pendingOrder {
		if _, ok := self.pending[requestId]; ok {
			orderedIds = append(orderedIds, requestId)
			nextOrder = append(nextOrder, requestId)
		}
	}
	self.pendingOrder = nextOrder
	return orderedIds
}
