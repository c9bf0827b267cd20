package client

import (
	"fmt"

	"github.com/golang/glog"
)

// RemoteQuerySet holds the single authoritative server-confirmed result
// for every actively subscribed query, stamped with the StateVersion the
// whole set is synchronized to. One is created per connection generation
// and mutated only by Transition.
//
// Queries present only as optimistic overlays are absent here until the
// server confirms them.
type RemoteQuerySet struct {
	version StateVersion
	results map[QueryId]FunctionResult
}

func NewRemoteQuerySet() *RemoteQuerySet {
	return &RemoteQuerySet{
		version: StateVersion{},
		results: map[QueryId]FunctionResult{},
	}
}

func (self *RemoteQuerySet) Version() StateVersion {
	return self.version
}

// Transition applies one ordered server transition.
//
// The start version must equal the current version exactly, component-wise.
// A mismatch means the stream is out of order and the connection generation
// cannot safely continue; state is left untouched and an error propagates
// so the lifecycle controller can resync. Replaying a transition fails the
// same check, which is the guard against double-application.
func (self *RemoteQuerySet) Transition(transition *TransitionMessage) error {
	if transition.StartVersion != self.version {
		return fmt.Errorf(
			"Transition start version %s does not match current version %s.",
			transition.StartVersion,
			self.version,
		)
	}
	for _, modification := range transition.Modifications {
		switch v := modification.(type) {
		case *QueryUpdated:
			emitLogLines(v.QueryId, v.LogLines)
			value, err := DecodeValue(v.Value)
			if err != nil {
				return fmt.Errorf("Unparseable query %d result: %s", v.QueryId, err)
			}
			self.results[v.QueryId] = NewValueResult(value, v.LogLines)
		case *QueryFailed:
			emitLogLines(v.QueryId, v.LogLines)
			var errorData Value
			if v.ErrorData != nil {
				var err error
				errorData, err = DecodeValue(v.ErrorData)
				if err != nil {
					return fmt.Errorf("Unparseable query %d error data: %s", v.QueryId, err)
				}
			}
			self.results[v.QueryId] = NewErrorResult(v.ErrorMessage, errorData, v.LogLines)
		case *QueryRemoved:
			delete(self.results, v.QueryId)
		default:
			return fmt.Errorf("Unknown state modification: %T", v)
		}
	}
	self.version = transition.EndVersion
	return nil
}

// RemoteQueryResults returns the current confirmed results.
// Callers must not mutate the returned map.
func (self *RemoteQuerySet) RemoteQueryResults() map[QueryId]FunctionResult {
	return self.results
}

func emitLogLines(queryId QueryId, logLines []string) {
	for _, line := range logLines {
		glog.Infof("[q]%d %s\n", queryId, line)
	}
}
