package client

import (
	"encoding/json"
	"strings"
)

// UdfPath is a canonicalized function path.
//
// The accepted forms are "module:function", "module.js:function", and a
// bare "module" which names that module's "default" export.
type UdfPath struct {
	Module   string
	Function string
}

func ParseUdfPath(path string) UdfPath {
	module := path
	function := "default"
	if i := strings.LastIndex(path, ":"); 0 <= i {
		module = path[:i]
		function = path[i+1:]
	}
	module = strings.TrimSuffix(module, ".js")
	return UdfPath{
		Module:   module,
		Function: function,
	}
}

func (self UdfPath) String() string {
	return self.Module + ":" + self.Function
}

// QueryToken is the deduplication key for a (function, arguments)
// subscription. It is stable across connection generations and across
// structurally equal argument values. Callers treat it as opaque.
type QueryToken string

type serializedQuery struct {
	UdfPath string `json:"udfPath"`
	Args    any    `json:"args"`
}

// SerializePathAndArgs produces the token for a plain query.
// `args` must already be in wire form so that the same canonical encoder
// is used for tokens and for messages. encoding/json writes object keys
// in sorted order, which makes structurally equal args yield equal tokens.
func SerializePathAndArgs(udfPath UdfPath, args any) (QueryToken, error) {
	b, err := json.Marshal(serializedQuery{
		UdfPath: udfPath.String(),
		Args:    args,
	})
	if err != nil {
		return "", err
	}
	return QueryToken(b), nil
}

// PaginationOptions distinguish independent pagination instances over the
// same base query. `Id` is an opaque per-instance number.
type PaginationOptions struct {
	InitialNumItems int `json:"initialNumItems"`
	Id              int `json:"id"`
}

type serializedPaginatedQuery struct {
	Type    string            `json:"type"`
	UdfPath string            `json:"udfPath"`
	Args    any               `json:"args"`
	Options PaginationOptions `json:"options"`
}

// SerializePaginatedPathAndArgs produces the token for a paginated query.
// It is a strict superset of the plain token format: two paginated
// subscriptions over the same base query with different pagination state
// never collide, and never collide with a plain token.
func SerializePaginatedPathAndArgs(udfPath UdfPath, args any, options PaginationOptions) (QueryToken, error) {
	b, err := json.Marshal(serializedPaginatedQuery{
		Type:    "paginated",
		UdfPath: udfPath.String(),
		Args:    args,
		Options: options,
	})
	if err != nil {
		return "", err
	}
	return QueryToken(b), nil
}
