package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// ConnectionState is the lifecycle controller's externally observable
// state. Transitions: Disconnected -> Connecting -> Syncing -> Synced,
// back to Disconnected on any socket error, and a terminal Closed once
// the client shuts down or the peer declares a fatal error.
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateSyncing
	ConnectionStateSynced
	ConnectionStateClosed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateSyncing:
		return "syncing"
	case ConnectionStateSynced:
		return "synced"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SyncClientSettings struct {
	ReconnectInitialTimeout time.Duration
	ReconnectMaxTimeout     time.Duration
	RequestBufferSize       int
	TransportSettings       *WebSocketTransportSettings
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		ReconnectInitialTimeout: 100 * time.Millisecond,
		ReconnectMaxTimeout:     15 * time.Second,
		RequestBufferSize:       32,
		TransportSettings:       DefaultWebSocketTransportSettings(),
	}
}

// SyncClient keeps a set of subscribed queries continuously consistent
// with the backend over one duplex connection, overlays optimistic
// updates, and correlates mutation/action calls with their responses.
//
// All synchronization state is owned by a single run loop goroutine.
// The public methods hand work to that loop; they are safe to call from
// any goroutine.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *SyncClientSettings

	sessionId Id
	requests  chan clientRequest

	state atomic.Int32

	// everything below is owned by the run loop
	base            *BaseClient
	subscribers     map[QueryToken]*CallbackList[QueryResultFunction]
	connectionCount int
	lastCloseReason string

	querySetCallbacks *CallbackList[QuerySetFunction]
	errorCallbacks    *CallbackList[ErrorFunction]
}

func NewSyncClientWithDefaults(ctx context.Context, url string) *SyncClient {
	settings := DefaultSyncClientSettings()
	return NewSyncClient(ctx, NewWebSocketTransport(url, settings.TransportSettings), settings)
}

func NewSyncClient(ctx context.Context, transport Transport, settings *SyncClientSettings) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	syncClient := &SyncClient{
		ctx:               cancelCtx,
		cancel:            cancel,
		transport:         transport,
		settings:          settings,
		sessionId:         NewId(),
		requests:          make(chan clientRequest, settings.RequestBufferSize),
		base:              NewBaseClient(),
		subscribers:       map[QueryToken]*CallbackList[QueryResultFunction]{},
		connectionCount:   0,
		lastCloseReason:   "InitialConnect",
		querySetCallbacks: NewCallbackList[QuerySetFunction](),
		errorCallbacks:    NewCallbackList[ErrorFunction](),
	}
	go syncClient.run()
	return syncClient
}

func (self *SyncClient) SessionId() Id {
	return self.sessionId
}

func (self *SyncClient) State() ConnectionState {
	return ConnectionState(self.state.Load())
}

// Subscribe registers a callback for the results of query `path` called
// with `args`. Identical (path, args) pairs share one wire subscription.
// If a result is already known the callback fires immediately with it.
func (self *SyncClient) Subscribe(path string, args Value, callback QueryResultFunction) (*QuerySubscription, error) {
	reply := make(chan subscribeReply, 1)
	request := &subscribeRequest{
		udfPath:  ParseUdfPath(path),
		args:     args,
		callback: callback,
		reply:    reply,
	}
	if err := self.submit(request); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.subscription, r.err
	case <-self.ctx.Done():
		return nil, fmt.Errorf("Client closed.")
	}
}

// Mutation calls a mutation function. The callback settles exactly once:
// with the function's result once the client has observed the mutation's
// writes, or with an error if the call was lost or the client failed.
func (self *SyncClient) Mutation(path string, args Value, callback FunctionResultCallback) {
	self.MutationWithOptimisticUpdate(path, args, nil, callback)
}

// MutationWithOptimisticUpdate additionally applies a local, provisional
// update to the visible query results. The update is discarded
// automatically once this mutation resolves.
func (self *SyncClient) MutationWithOptimisticUpdate(
	path string,
	args Value,
	optimisticUpdate OptimisticUpdateFunction,
	callback FunctionResultCallback,
) {
	safeCallback := self.safeResultCallback(callback)
	request := &mutationRequest{
		udfPath:          ParseUdfPath(path),
		args:             args,
		optimisticUpdate: optimisticUpdate,
		callback:         safeCallback,
	}
	if err := self.submit(request); err != nil {
		safeCallback.Result(FunctionResult{}, err)
	}
}

// Action calls an action function. The callback settles exactly once.
func (self *SyncClient) Action(path string, args Value, callback FunctionResultCallback) {
	safeCallback := self.safeResultCallback(callback)
	request := &actionRequest{
		udfPath:  ParseUdfPath(path),
		args:     args,
		callback: safeCallback,
	}
	if err := self.submit(request); err != nil {
		safeCallback.Result(FunctionResult{}, err)
	}
}

// SetAuth sets the auth token for subsequent function calls. An empty
// token clears auth.
func (self *SyncClient) SetAuth(token string) {
	if token != "" && TokenExpired(token, time.Now()) {
		glog.Infof("[c]auth token is already expired\n")
	}
	self.submit(&authRequest{
		token: token,
	})
}

// AddQuerySetCallback registers a callback receiving a consistent view of
// all visible query results after each change. Returns a callback id for
// RemoveQuerySetCallback.
func (self *SyncClient) AddQuerySetCallback(callback QuerySetFunction) int {
	return self.querySetCallbacks.Add(callback)
}

func (self *SyncClient) RemoveQuerySetCallback(callbackId int) {
	self.querySetCallbacks.Remove(callbackId)
}

// AddErrorCallback registers a callback for fatal client errors.
func (self *SyncClient) AddErrorCallback(callback ErrorFunction) int {
	return self.errorCallbacks.Add(callback)
}

func (self *SyncClient) RemoveErrorCallback(callbackId int) {
	self.errorCallbacks.Remove(callbackId)
}

func (self *SyncClient) Close() {
	self.cancel()
}

// QuerySubscription is one caller's handle on a subscribed query.
// Closing it drops the reference; the wire subscription ends when the
// last handle closes.
type QuerySubscription struct {
	client     *SyncClient
	token      QueryToken
	callbackId int
	closeOnce  sync.Once
}

func (self *QuerySubscription) Token() QueryToken {
	return self.token
}

func (self *QuerySubscription) Close() {
	self.closeOnce.Do(func() {
		self.client.submit(&unsubscribeRequest{
			token:      self.token,
			callbackId: self.callbackId,
		})
	})
}

// requests from the api surface into the run loop

type clientRequest interface {
	isClientRequest()
}

type subscribeReply struct {
	subscription *QuerySubscription
	err          error
}

type subscribeRequest struct {
	udfPath  UdfPath
	args     Value
	callback QueryResultFunction
	reply    chan subscribeReply
}

func (self *subscribeRequest) isClientRequest() {}

type unsubscribeRequest struct {
	token      QueryToken
	callbackId int
}

func (self *unsubscribeRequest) isClientRequest() {}

type mutationRequest struct {
	udfPath          UdfPath
	args             Value
	optimisticUpdate OptimisticUpdateFunction
	callback         FunctionResultCallback
}

func (self *mutationRequest) isClientRequest() {}

type actionRequest struct {
	udfPath  UdfPath
	args     Value
	callback FunctionResultCallback
}

func (self *actionRequest) isClientRequest() {}

type authRequest struct {
	token string
}

func (self *authRequest) isClientRequest() {}

func (self *SyncClient) submit(request clientRequest) error {
	select {
	case self.requests <- request:
		return nil
	case <-self.ctx.Done():
		return fmt.Errorf("Client closed.")
	}
}

func (self *SyncClient) safeResultCallback(callback FunctionResultCallback) FunctionResultCallback {
	return NewApiCallback[FunctionResult](func(result FunctionResult, err error) {
		if callback == nil {
			return
		}
		HandleError(func() {
			callback.Result(result, err)
		})
	})
}

// the run loop. Owns all synchronization state; every state transition
// happens on this goroutine.

func (self *SyncClient) run() {
	defer func() {
		self.cancel()
		self.setState(ConnectionStateClosed)
		self.base.Fail(fmt.Errorf("Client closed."))
	}()

	reconnect := NewReconnect(self.settings.ReconnectInitialTimeout, self.settings.ReconnectMaxTimeout)
	for {
		self.setState(ConnectionStateConnecting)
		var connection Connection
		var err error
		if glog.V(2) {
			connection, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.sessionId), func() (Connection, error) {
				return self.transport.Connect(self.ctx)
			})
		} else {
			connection, err = self.transport.Connect(self.ctx)
		}
		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", self.sessionId, err)
			self.setState(ConnectionStateDisconnected)
			if !self.waitForReconnect(reconnect) {
				return
			}
			continue
		}

		self.connectionCount += 1
		self.setState(ConnectionStateSyncing)

		closeReason, fatalErr := self.handleConnection(connection, reconnect)
		connection.Close()

		if fatalErr != nil {
			glog.Errorf("[c]fatal %s = %s\n", self.sessionId, fatalErr)
			self.base.Fail(fatalErr)
			for _, errorCallback := range self.errorCallbacks.Get() {
				func(errorCallback ErrorFunction) {
					HandleError(func() {
						errorCallback(fatalErr)
					})
				}(errorCallback)
			}
			return
		}

		self.lastCloseReason = closeReason
		self.setState(ConnectionStateDisconnected)
		self.notifyChanged(self.base.ConnectionLost())

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if !self.waitForReconnect(reconnect) {
			return
		}
	}
}

// waitForReconnect serves api requests during the backoff delay so that
// subscribing and mutating while disconnected stays legal. Returns false
// when the client is closing.
func (self *SyncClient) waitForReconnect(reconnect *Reconnect) bool {
	after := reconnect.After()
	for {
		select {
		case <-self.ctx.Done():
			return false
		case <-after:
			return true
		case request := <-self.requests:
			// bookkeeping only; the outgoing queue is rebuilt on connect
			self.handleRequest(request)
		}
	}
}

// handleConnection drives one connection generation to its end. Returns
// the close reason, plus a non-nil error only for terminal failures.
func (self *SyncClient) handleConnection(connection Connection, reconnect *Reconnect) (string, error) {
	self.base.ResendOngoingQueriesMutations()

	connectBytes, err := EncodeClientMessage(&ConnectMessage{
		SessionId:            self.sessionId,
		ConnectionCount:      self.connectionCount - 1,
		LastCloseReason:      self.lastCloseReason,
		MaxObservedTimestamp: self.base.MaxObservedTimestamp(),
	})
	if err != nil {
		return "ConnectEncodeError", err
	}
	if err := connection.Send(connectBytes); err != nil {
		glog.Infof("[c]send error %s = %s\n", self.sessionId, err)
		return "SendFailure", nil
	}
	if closeReason, fatalErr := self.flush(connection); closeReason != "" || fatalErr != nil {
		return closeReason, fatalErr
	}

	for {
		select {
		case <-self.ctx.Done():
			return "ClientClosed", nil
		case message, ok := <-connection.Receive():
			if !ok {
				glog.Infof("[c]disconnect %s\n", self.sessionId)
				return "SocketClosed", nil
			}
			serverMessage, err := DecodeServerMessage(message)
			if err != nil {
				// an unparseable peer is an incompatible peer
				glog.Errorf("[c]protocol error %s = %s\n", self.sessionId, err)
				return "ProtocolError", nil
			}
			changedTokens, err := self.base.ReceiveMessage(serverMessage)
			if err != nil {
				var fatal *FatalProtocolError
				if errors.As(err, &fatal) {
					return "FatalError", fatal
				}
				glog.Errorf("[c]desync %s = %s\n", self.sessionId, err)
				return "Desync", nil
			}
			if _, ok := serverMessage.(*TransitionMessage); ok {
				self.setState(ConnectionStateSynced)
				reconnect.Reset()
			}
			self.notifyChanged(changedTokens)
		case request := <-self.requests:
			self.handleRequest(request)
			if closeReason, fatalErr := self.flush(connection); closeReason != "" || fatalErr != nil {
				return closeReason, fatalErr
			}
		}
	}
}

// flush drains the outgoing queue onto the wire, marking mutation and
// action requests as transmitted. A non-empty close reason means the
// connection is gone.
func (self *SyncClient) flush(connection Connection) (string, error) {
	for {
		message, ok := self.base.PopNextMessage()
		if !ok {
			return "", nil
		}
		messageBytes, err := EncodeClientMessage(message)
		if err != nil {
			// nothing on the wire can fix a message we cannot encode
			return "EncodeError", err
		}
		if err := connection.Send(messageBytes); err != nil {
			glog.Infof("[c]send error %s = %s\n", self.sessionId, err)
			return "SendFailure", nil
		}
		switch v := message.(type) {
		case *MutationRequestMessage:
			self.base.MarkRequestSent(v.RequestId)
		case *ActionRequestMessage:
			self.base.MarkRequestSent(v.RequestId)
		}
	}
}

func (self *SyncClient) handleRequest(request clientRequest) {
	switch v := request.(type) {
	case *subscribeRequest:
		token, err := self.base.Subscribe(v.udfPath, v.args)
		if err != nil {
			v.reply <- subscribeReply{
				err: err,
			}
			return
		}
		subscriberList, ok := self.subscribers[token]
		if !ok {
			subscriberList = NewCallbackList[QueryResultFunction]()
			self.subscribers[token] = subscriberList
		}
		callbackId := subscriberList.Add(v.callback)
		v.reply <- subscribeReply{
			subscription: &QuerySubscription{
				client:     self,
				token:      token,
				callbackId: callbackId,
			},
		}
		if result, ok := self.base.QueryResult(token); ok {
			callback := v.callback
			HandleError(func() {
				callback(result)
			})
		}
	case *unsubscribeRequest:
		if subscriberList, ok := self.subscribers[v.token]; ok {
			subscriberList.Remove(v.callbackId)
			if subscriberList.Len() == 0 {
				delete(self.subscribers, v.token)
			}
		}
		self.notifyChanged(self.base.Unsubscribe(v.token))
	case *mutationRequest:
		_, changedTokens, err := self.base.Mutation(v.udfPath, v.args, v.optimisticUpdate, v.callback)
		if err != nil {
			v.callback.Result(FunctionResult{}, err)
			return
		}
		self.notifyChanged(changedTokens)
	case *actionRequest:
		if _, err := self.base.Action(v.udfPath, v.args, v.callback); err != nil {
			v.callback.Result(FunctionResult{}, err)
		}
	case *authRequest:
		self.base.SetAuth(v.token)
	}
}

// notifyChanged delivers new visible results to the changed queries'
// subscribers, then a consistent whole-set view to query set watchers.
func (self *SyncClient) notifyChanged(changedTokens []QueryToken) {
	if len(changedTokens) == 0 {
		return
	}
	for _, token := range changedTokens {
		result, ok := self.base.QueryResult(token)
		if !ok {
			// dropped from the visible set (for example on unsubscribe)
			continue
		}
		subscriberList, present := self.subscribers[token]
		if !present {
			continue
		}
		for _, callback := range subscriberList.Get() {
			func(callback QueryResultFunction) {
				HandleError(func() {
					callback(result)
				})
			}(callback)
		}
	}
	queryResults := self.base.QueryResults()
	for _, callback := range self.querySetCallbacks.Get() {
		func(callback QuerySetFunction) {
			HandleError(func() {
				callback(queryResults)
			})
		}(callback)
	}
}

func (self *SyncClient) setState(state ConnectionState) {
	previous := ConnectionState(self.state.Swap(int32(state)))
	if previous != state {
		glog.V(2).Infof("[c]%s %s -> %s\n", self.sessionId, previous, state)
	}
}
