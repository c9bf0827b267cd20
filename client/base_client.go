package client

import (
	"fmt"

	"github.com/golang/glog"
)

// FatalProtocolError is terminal for the whole client, not just the
// current connection generation: the peer has declared the session
// unusable and reconnecting will not help.
type FatalProtocolError struct {
	Message string
}

func (self *FatalProtocolError) Error() string {
	return fmt.Sprintf("Fatal protocol error: %s", self.Message)
}

type localSubscription struct {
	token    QueryToken
	queryId  QueryId
	udfPath  UdfPath
	args     any // wire form
	refCount int
}

// BaseClient is the synchronization state machine: the remote query set,
// the optimistic overlay, the request ledger, and the outgoing message
// queue. It is owned exclusively by one run loop; all mutation is
// serialized through that loop and no locking happens here.
type BaseClient struct {
	remoteQuerySet *RemoteQuerySet
	optimistic     *OptimisticQueryResults
	ledger         *RequestLedger

	// the client's own counters for ModifyQuerySet/Authenticate
	// versioning. Reset per connection generation.
	querySetVersion int
	identityVersion int

	authToken    string
	authTokenSet bool

	subscriptions  map[QueryToken]*localSubscription
	tokenByQueryId map[QueryId]QueryToken
	nextQueryId    QueryId

	// largest transition timestamp ever applied, across generations
	maxObservedTs    Ts
	hasMaxObservedTs bool

	outgoing []ClientMessage
}

func NewBaseClient() *BaseClient {
	return &BaseClient{
		remoteQuerySet: NewRemoteQuerySet(),
		optimistic:     NewOptimisticQueryResults(),
		ledger:         NewRequestLedger(),
		subscriptions:  map[QueryToken]*localSubscription{},
		tokenByQueryId: map[QueryId]QueryToken{},
		nextQueryId:    0,
		outgoing:       []ClientMessage{},
	}
}

// Subscribe adds one reference to the query. The first reference enqueues
// an add to the wire query set; later ones are deduplicated onto the same
// token and query id.
func (self *BaseClient) Subscribe(udfPath UdfPath, args Value) (QueryToken, error) {
	wireArgs, err := encodeWire(args)
	if err != nil {
		return "", err
	}
	token, err := SerializePathAndArgs(udfPath, wireArgs)
	if err != nil {
		return "", err
	}
	if subscription, ok := self.subscriptions[token]; ok {
		subscription.refCount += 1
		return token, nil
	}
	queryId := self.nextQueryId
	self.nextQueryId += 1
	self.subscriptions[token] = &localSubscription{
		token:    token,
		queryId:  queryId,
		udfPath:  udfPath,
		args:     wireArgs,
		refCount: 1,
	}
	self.tokenByQueryId[queryId] = token
	self.enqueue(&ModifyQuerySetMessage{
		BaseVersion:   self.querySetVersion,
		NewVersion:    self.querySetVersion + 1,
		Modifications: []QuerySetModification{AddQuery(queryId, udfPath, wireArgs)},
	})
	self.querySetVersion += 1
	return token, nil
}

// Unsubscribe drops one reference. At zero references the query leaves
// the wire query set and its local state. Unknown tokens are a no-op: no
// spurious wire message is sent. Returns the tokens whose visible result
// changed.
func (self *BaseClient) Unsubscribe(token QueryToken) []QueryToken {
	subscription, ok := self.subscriptions[token]
	if !ok {
		return nil
	}
	subscription.refCount -= 1
	if 0 < subscription.refCount {
		return nil
	}
	delete(self.subscriptions, token)
	delete(self.tokenByQueryId, subscription.queryId)
	self.enqueue(&ModifyQuerySetMessage{
		BaseVersion:   self.querySetVersion,
		NewVersion:    self.querySetVersion + 1,
		Modifications: []QuerySetModification{RemoveQuery(subscription.queryId)},
	})
	self.querySetVersion += 1
	// prune optimistic state targeting the dropped query
	return self.optimistic.IngestQueryResultsFromServer(self.serverQueryResults(), nil)
}

// Mutation registers the request, applies its optimistic update if any,
// and enqueues the wire call. Returns the changed tokens from the
// optimistic apply.
func (self *BaseClient) Mutation(
	udfPath UdfPath,
	args Value,
	optimisticUpdate OptimisticUpdateFunction,
	callback FunctionResultCallback,
) (RequestId, []QueryToken, error) {
	wireArgs, err := encodeWire(args)
	if err != nil {
		return 0, nil, err
	}
	requestId := self.ledger.Register(FunctionKindMutation, udfPath, wireArgs, callback)
	self.enqueue(&MutationRequestMessage{
		RequestId: requestId,
		UdfPath:   udfPath.String(),
		Args:      wireArgs,
	})
	var changedTokens []QueryToken
	if optimisticUpdate != nil {
		changedTokens = self.optimistic.ApplyOptimisticUpdate(optimisticUpdate, requestId)
	}
	return requestId, changedTokens, nil
}

func (self *BaseClient) Action(udfPath UdfPath, args Value, callback FunctionResultCallback) (RequestId, error) {
	wireArgs, err := encodeWire(args)
	if err != nil {
		return 0, err
	}
	requestId := self.ledger.Register(FunctionKindAction, udfPath, wireArgs, callback)
	self.enqueue(&ActionRequestMessage{
		RequestId: requestId,
		UdfPath:   udfPath.String(),
		Args:      wireArgs,
	})
	return requestId, nil
}

// SetAuth stores the token and enqueues an Authenticate versioned by the
// identity counter. An empty token clears auth.
func (self *BaseClient) SetAuth(token string) {
	self.authToken = token
	self.authTokenSet = token != ""
	self.enqueue(&AuthenticateMessage{
		BaseVersion: self.identityVersion,
		Token:       token,
	})
	self.identityVersion += 1
}

// ReceiveMessage applies one server message and returns the tokens whose
// externally visible result changed. Errors are fatal to the current
// connection generation; a *FatalProtocolError is terminal for the
// client.
func (self *BaseClient) ReceiveMessage(message ServerMessage) ([]QueryToken, error) {
	switch v := message.(type) {
	case *TransitionMessage:
		if err := self.remoteQuerySet.Transition(v); err != nil {
			return nil, err
		}
		if !self.hasMaxObservedTs || self.maxObservedTs < v.EndVersion.Ts {
			self.maxObservedTs = v.EndVersion.Ts
			self.hasMaxObservedTs = true
		}
		settledIds := self.ledger.ObserveTs(v.EndVersion.Ts)
		completedMutationIds := map[RequestId]bool{}
		for _, requestId := range settledIds {
			completedMutationIds[requestId] = true
		}
		return self.optimistic.IngestQueryResultsFromServer(self.serverQueryResults(), completedMutationIds), nil
	case *MutationResponseMessage:
		result, err := decodeResponseResult(v.Success, v.Result, v.ErrorData, v.LogLines)
		if err != nil {
			return nil, err
		}
		gated := v.Success && v.Ts != nil
		if err := self.ledger.Resolve(v.RequestId, result, v.Ts); err != nil {
			return nil, err
		}
		if gated {
			// optimistic update stays applied until the transition
			// carrying the mutation's writes arrives
			return nil, nil
		}
		return self.optimistic.IngestQueryResultsFromServer(
			self.serverQueryResults(),
			map[RequestId]bool{v.RequestId: true},
		), nil
	case *ActionResponseMessage:
		result, err := decodeResponseResult(v.Success, v.Result, v.ErrorData, v.LogLines)
		if err != nil {
			return nil, err
		}
		if err := self.ledger.Resolve(v.RequestId, result, nil); err != nil {
			return nil, err
		}
		return nil, nil
	case *AuthErrorMessage:
		return nil, fmt.Errorf("Authentication rejected: %s", v.Error)
	case *FatalErrorMessage:
		return nil, &FatalProtocolError{
			Message: v.Error,
		}
	case *PingMessage:
		return nil, nil
	default:
		return nil, fmt.Errorf("Unknown server message: %T", v)
	}
}

// ConnectionLost settles requests whose outcome is unknown and drops
// their optimistic updates. Queued-but-untransmitted requests survive for
// resend. Returns the changed tokens.
func (self *BaseClient) ConnectionLost() []QueryToken {
	lostIds := self.ledger.ConnectionLost()
	if len(lostIds) == 0 {
		return nil
	}
	lostMutationIds := map[RequestId]bool{}
	for _, requestId := range lostIds {
		lostMutationIds[requestId] = true
	}
	return self.optimistic.IngestQueryResultsFromServer(self.serverQueryResults(), lostMutationIds)
}

// Fail settles every pending request with a terminal error.
func (self *BaseClient) Fail(err error) {
	self.ledger.Fail(err)
}

// ResendOngoingQueriesMutations rebuilds the outgoing queue for a fresh
// connection generation: authenticate, re-add every held subscription in
// one query set update, and retransmit requests that were never sent.
// The remote query set and both client version counters reset; query
// tokens and query ids survive.
func (self *BaseClient) ResendOngoingQueriesMutations() {
	self.remoteQuerySet = NewRemoteQuerySet()
	self.querySetVersion = 0
	self.identityVersion = 0
	self.outgoing = []ClientMessage{}
	self.ledger.MarkAllUnsent()

	if self.authTokenSet {
		self.enqueue(&AuthenticateMessage{
			BaseVersion: 0,
			Token:       self.authToken,
		})
		self.identityVersion = 1
	}

	if 0 < len(self.subscriptions) {
		modifications := []QuerySetModification{}
		for _, queryId := range self.orderedQueryIds() {
			subscription := self.subscriptions[self.tokenByQueryId[queryId]]
			modifications = append(modifications, AddQuery(subscription.queryId, subscription.udfPath, subscription.args))
		}
		self.enqueue(&ModifyQuerySetMessage{
			BaseVersion:   0,
			NewVersion:    1,
			Modifications: modifications,
		})
		self.querySetVersion = 1
	}

	for _, request := range self.ledger.Unsent() {
		switch request.kind {
		case FunctionKindMutation:
			self.enqueue(&MutationRequestMessage{
				RequestId: request.requestId,
				UdfPath:   request.udfPath.String(),
				Args:      request.args,
			})
		case FunctionKindAction:
			self.enqueue(&ActionRequestMessage{
				RequestId: request.requestId,
				UdfPath:   request.udfPath.String(),
				Args:      request.args,
			})
		}
	}
}

func (self *BaseClient) PopNextMessage() (ClientMessage, bool) {
	if len(self.outgoing) == 0 {
		return nil, false
	}
	message := self.outgoing[0]
	self.outgoing = self.outgoing[1:]
	return message, true
}

func (self *BaseClient) MarkRequestSent(requestId RequestId) {
	self.ledger.MarkSent(requestId)
}

// QueryResult returns the externally visible result for a token.
func (self *BaseClient) QueryResult(token QueryToken) (FunctionResult, bool) {
	return self.optimistic.QueryResult(token)
}

// QueryResults returns the externally visible view of the whole query
// set. Callers must not mutate it.
func (self *BaseClient) QueryResults() QueryResults {
	return self.optimistic.QueryResults()
}

// RemoteQuerySet exposes the confirmed, server-side view.
func (self *BaseClient) RemoteQuerySet() *RemoteQuerySet {
	return self.remoteQuerySet
}

func (self *BaseClient) MaxObservedTimestamp() *Ts {
	if !self.hasMaxObservedTs {
		return nil
	}
	ts := self.maxObservedTs
	return &ts
}

func (self *BaseClient) PendingRequestCount() int {
	return self.ledger.PendingCount()
}

func (self *BaseClient) enqueue(message ClientMessage) {
	self.outgoing = append(self.outgoing, message)
}

// serverQueryResults maps the confirmed query-id keyed results onto
// tokens for the optimistic overlay. Results for queries the client no
// longer holds are skipped.
func (self *BaseClient) serverQueryResults() QueryResults {
	serverResults := QueryResults{}
	for queryId, result := range self.remoteQuerySet.RemoteQueryResults() {
		token, ok := self.tokenByQueryId[queryId]
		if !ok {
			glog.V(2).Infof("[b]result for unheld query %d\n", queryId)
			continue
		}
		subscription := self.subscriptions[token]
		serverResults[token] = QueryResult{
			Result:  result,
			UdfPath: subscription.udfPath,
			Args:    subscription.args,
		}
	}
	return serverResults
}

func (self *BaseClient) orderedQueryIds() []QueryId {
	queryIds := []QueryId{}
	for queryId := QueryId(0); queryId < self.nextQueryId; queryId += 1 {
		if _, ok := self.tokenByQueryId[queryId]; ok {
			queryIds = append(queryIds, queryId)
		}
	}
	return queryIds
}

func decodeResponseResult(success bool, result []byte, errorData []byte, logLines []string) (FunctionResult, error) {
	if success {
		value, err := DecodeValue(result)
		if err != nil {
			return FunctionResult{}, fmt.Errorf("Unparseable response result: %s", err)
		}
		return NewValueResult(value, logLines), nil
	}
	var errorMessage string
	if result != nil {
		value, err := DecodeValue(result)
		if err != nil {
			return FunctionResult{}, fmt.Errorf("Unparseable response error: %s", err)
		}
		if s, ok := value.(string); ok {
			errorMessage = s
		}
	}
	var data Value
	if errorData != nil {
		value, err := DecodeValue(errorData)
		if err != nil {
			return FunctionResult{}, fmt.Errorf("Unparseable response error data: %s", err)
		}
		data = value
	}
	return NewErrorResult(errorMessage, data, logLines), nil
}
