package client

import (
	"reflect"

	"golang.org/x/exp/maps"
)

// QueryResult is one externally visible query result together with the
// function and arguments (wire form) that produced it.
type QueryResult struct {
	Result  FunctionResult
	UdfPath UdfPath
	Args    any
}

// QueryResults is a consistent view of the whole query set keyed by token.
type QueryResults map[QueryToken]QueryResult

// OptimisticUpdateFunction computes provisional new values for one or
// more queries through the store it is handed. It must be pure apart from
// the store writes: it reruns every time the confirmed base changes.
type OptimisticUpdateFunction func(store *OptimisticLocalStore)

type appliedOptimisticUpdate struct {
	mutationId RequestId
	update     OptimisticUpdateFunction
}

// OptimisticQueryResults layers pending local mutations over the
// server-confirmed query results. The externally visible result for a
// query is the fold of every pending update, in submission order, over
// the confirmed base value. An update is removed precisely when its own
// mutation resolves, never because an unrelated transition arrived.
type OptimisticQueryResults struct {
	queryResults   QueryResults
	appliedUpdates []appliedOptimisticUpdate
}

func NewOptimisticQueryResults() *OptimisticQueryResults {
	return &OptimisticQueryResults{
		queryResults:   QueryResults{},
		appliedUpdates: []appliedOptimisticUpdate{},
	}
}

// ApplyOptimisticUpdate runs a new update on top of the current visible
// results and records it for replay. Returns the tokens whose visible
// result changed.
func (self *OptimisticQueryResults) ApplyOptimisticUpdate(update OptimisticUpdateFunction, mutationId RequestId) []QueryToken {
	self.appliedUpdates = append(self.appliedUpdates, appliedOptimisticUpdate{
		mutationId: mutationId,
		update:     update,
	})
	store := newOptimisticLocalStore(maps.Clone(self.queryResults))
	update(store)
	return self.replaceResults(store.queryResults)
}

// IngestQueryResultsFromServer rebases the overlay on new confirmed
// results. Updates belonging to completed mutations are dropped; the rest
// replay in submission order. Returns the tokens whose visible result
// changed.
//
// A pending update that writes a token absent from serverResults (for
// example just unsubscribed) keeps that token in the visible map until
// its mutation resolves. Not a leak: the entry disappears with the
// update on the next ingest after resolution.
func (self *OptimisticQueryResults) IngestQueryResultsFromServer(
	serverResults QueryResults,
	completedMutationIds map[RequestId]bool,
) []QueryToken {
	remainingUpdates := []appliedOptimisticUpdate{}
	for _, applied := range self.appliedUpdates {
		if !completedMutationIds[applied.mutationId] {
			remainingUpdates = append(remainingUpdates, applied)
		}
	}
	self.appliedUpdates = remainingUpdates

	store := newOptimisticLocalStore(maps.Clone(serverResults))
	for _, applied := range remainingUpdates {
		applied.update(store)
	}
	return self.replaceResults(store.queryResults)
}

func (self *OptimisticQueryResults) QueryResult(token QueryToken) (FunctionResult, bool) {
	entry, ok := self.queryResults[token]
	if !ok {
		return FunctionResult{}, false
	}
	return entry.Result, true
}

// QueryResults returns the current visible view. Callers must not mutate it.
func (self *OptimisticQueryResults) QueryResults() QueryResults {
	return self.queryResults
}

func (self *OptimisticQueryResults) replaceResults(nextResults QueryResults) []QueryToken {
	changedTokens := []QueryToken{}
	for token, next := range nextResults {
		previous, ok := self.queryResults[token]
		if !ok || !reflect.DeepEqual(previous.Result, next.Result) {
			changedTokens = append(changedTokens, token)
		}
	}
	for token := range self.queryResults {
		if _, ok := nextResults[token]; !ok {
			changedTokens = append(changedTokens, token)
		}
	}
	self.queryResults = nextResults
	return changedTokens
}

// OptimisticLocalStore is the view an optimistic update reads and writes.
// Writes are provisional: they survive only until the update's mutation
// resolves.
type OptimisticLocalStore struct {
	queryResults QueryResults
}

func newOptimisticLocalStore(queryResults QueryResults) *OptimisticLocalStore {
	return &OptimisticLocalStore{
		queryResults: queryResults,
	}
}

// GetQuery returns the current visible value of a query, or false if the
// query is still loading, failed, or not subscribed.
func (self *OptimisticLocalStore) GetQuery(udfPath UdfPath, args Value) (Value, bool) {
	wireArgs, err := encodeWire(args)
	if err != nil {
		return nil, false
	}
	token, err := SerializePathAndArgs(udfPath, wireArgs)
	if err != nil {
		return nil, false
	}
	entry, ok := self.queryResults[token]
	if !ok || !entry.Result.Success {
		return nil, false
	}
	return entry.Result.Value, true
}

// GetAllQueries returns every visible query for a function, whatever its
// arguments. Useful for updates that touch all pagination pages at once.
func (self *OptimisticLocalStore) GetAllQueries(udfPath UdfPath) []QueryResult {
	entries := []QueryResult{}
	for _, entry := range self.queryResults {
		if entry.UdfPath == udfPath {
			entries = append(entries, entry)
		}
	}
	return entries
}

// SetQuery provisionally sets the visible value of a query.
func (self *OptimisticLocalStore) SetQuery(udfPath UdfPath, args Value, value Value) error {
	wireArgs, err := encodeWire(args)
	if err != nil {
		return err
	}
	token, err := SerializePathAndArgs(udfPath, wireArgs)
	if err != nil {
		return err
	}
	self.queryResults[token] = QueryResult{
		Result:  NewValueResult(value, nil),
		UdfPath: udfPath,
		Args:    wireArgs,
	}
	return nil
}
