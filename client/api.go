package client

// callback surface for async results, shared by mutations and actions.
// note all callbacks are wrapped to check for nil and recover from errors

type apiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](bufferSize int) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], bufferSize)
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// FunctionResultCallback receives the settled result of a mutation or
// action. Called exactly once, from the client run loop.
type FunctionResultCallback = apiCallback[FunctionResult]

// QueryResultFunction receives each new externally visible result of a
// subscribed query.
type QueryResultFunction func(result FunctionResult)

// QuerySetFunction receives a consistent view of the whole query set
// after each change.
type QuerySetFunction func(results QueryResults)

// ErrorFunction receives fatal engine errors.
type ErrorFunction func(err error)
