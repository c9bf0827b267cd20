package client

import (
	"encoding/json"
	"fmt"
)

// The sync protocol is JSON text messages over a duplex transport.
// Every message carries a "type" tag. Unknown tags are a protocol error,
// not something to skip: an unparseable peer is an incompatible peer.

// QueryId identifies a subscribed query within one connection generation.
type QueryId int

// Ts is a 64-bit signed timestamp. On the wire it is always split into
// two 32-bit words because peers with double-based numerics cannot
// represent the full range above 2^53.
type Ts int64

type wireTs struct {
	High uint32 `json:"high"`
	Low  uint32 `json:"low"`
}

func encodeTs(ts Ts) wireTs {
	u := uint64(ts)
	return wireTs{
		High: uint32(u >> 32),
		Low:  uint32(u),
	}
}

func decodeTs(w wireTs) Ts {
	return Ts(uint64(w.High)<<32 | uint64(w.Low))
}

func (self Ts) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodeTs(self))
}

func (self *Ts) UnmarshalJSON(b []byte) error {
	var w wireTs
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*self = decodeTs(w)
	return nil
}

// StateVersion is the three-part logical clock the whole query set is
// synchronized to. Comparison is always component-wise.
type StateVersion struct {
	QuerySet int `json:"querySet"`
	Ts       Ts  `json:"ts"`
	Identity int `json:"identity"`
}

func (self StateVersion) String() string {
	return fmt.Sprintf("(%d,%d,%d)", self.QuerySet, int64(self.Ts), self.Identity)
}

// client -> server

type ClientMessage interface {
	clientMessageType() string
}

type ConnectMessage struct {
	SessionId            Id     `json:"sessionId"`
	ConnectionCount      int    `json:"connectionCount"`
	LastCloseReason      string `json:"lastCloseReason"`
	MaxObservedTimestamp *Ts    `json:"maxObservedTimestamp,omitempty"`
}

func (self *ConnectMessage) clientMessageType() string {
	return "Connect"
}

type ModifyQuerySetMessage struct {
	BaseVersion   int                    `json:"baseVersion"`
	NewVersion    int                    `json:"newVersion"`
	Modifications []QuerySetModification `json:"modifications"`
}

func (self *ModifyQuerySetMessage) clientMessageType() string {
	return "ModifyQuerySet"
}

// QuerySetModification is either an add or a remove.
// `UdfPath` and `Args` are present only for adds.
type QuerySetModification struct {
	Type    string  `json:"type"`
	QueryId QueryId `json:"queryId"`
	UdfPath string  `json:"udfPath,omitempty"`
	Args    any     `json:"args,omitempty"`
}

// AddQuery takes args already converted to wire form.
func AddQuery(queryId QueryId, udfPath UdfPath, args any) QuerySetModification {
	return QuerySetModification{
		Type:    "Add",
		QueryId: queryId,
		UdfPath: udfPath.String(),
		Args:    args,
	}
}

func RemoveQuery(queryId QueryId) QuerySetModification {
	return QuerySetModification{
		Type:    "Remove",
		QueryId: queryId,
	}
}

type MutationRequestMessage struct {
	RequestId RequestId `json:"requestId"`
	UdfPath   string    `json:"udfPath"`
	Args      any       `json:"args"`
}

func (self *MutationRequestMessage) clientMessageType() string {
	return "Mutation"
}

type ActionRequestMessage struct {
	RequestId RequestId `json:"requestId"`
	UdfPath   string    `json:"udfPath"`
	Args      any       `json:"args"`
}

func (self *ActionRequestMessage) clientMessageType() string {
	return "Action"
}

type AuthenticateMessage struct {
	BaseVersion int    `json:"baseVersion"`
	Token       string `json:"token"`
}

func (self *AuthenticateMessage) clientMessageType() string {
	return "Authenticate"
}

func EncodeClientMessage(message ClientMessage) ([]byte, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	// splice the type tag into the object
	tagged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &tagged); err != nil {
		return nil, err
	}
	tagged["type"], _ = json.Marshal(message.clientMessageType())
	return json.Marshal(tagged)
}

// server -> client

type ServerMessage interface {
	serverMessageType() string
}

type TransitionMessage struct {
	StartVersion  StateVersion
	EndVersion    StateVersion
	Modifications []StateModification
}

func (self *TransitionMessage) serverMessageType() string {
	return "Transition"
}

// StateModification is the closed sum of changes a transition can carry.
// A new modification kind added to the protocol fails decoding instead of
// being silently ignored.
type StateModification interface {
	isStateModification()
}

type QueryUpdated struct {
	QueryId  QueryId         `json:"queryId"`
	Value    json.RawMessage `json:"value"`
	LogLines []string        `json:"logLines"`
}

func (self *QueryUpdated) isStateModification() {}

type QueryFailed struct {
	QueryId      QueryId         `json:"queryId"`
	ErrorMessage string          `json:"errorMessage"`
	ErrorData    json.RawMessage `json:"errorData,omitempty"`
	LogLines     []string        `json:"logLines"`
}

func (self *QueryFailed) isStateModification() {}

type QueryRemoved struct {
	QueryId QueryId `json:"queryId"`
}

func (self *QueryRemoved) isStateModification() {}

func (self *TransitionMessage) UnmarshalJSON(b []byte) error {
	var wire struct {
		StartVersion  StateVersion      `json:"startVersion"`
		EndVersion    StateVersion      `json:"endVersion"`
		Modifications []json.RawMessage `json:"modifications"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	self.StartVersion = wire.StartVersion
	self.EndVersion = wire.EndVersion
	self.Modifications = make([]StateModification, 0, len(wire.Modifications))
	for _, modificationBytes := range wire.Modifications {
		modification, err := decodeStateModification(modificationBytes)
		if err != nil {
			return err
		}
		self.Modifications = append(self.Modifications, modification)
	}
	return nil
}

func (self *TransitionMessage) MarshalJSON() ([]byte, error) {
	modifications := make([]any, 0, len(self.Modifications))
	for _, modification := range self.Modifications {
		var modificationType string
		switch modification.(type) {
		case *QueryUpdated:
			modificationType = "QueryUpdated"
		case *QueryFailed:
			modificationType = "QueryFailed"
		case *QueryRemoved:
			modificationType = "QueryRemoved"
		default:
			return nil, fmt.Errorf("Unknown state modification: %T", modification)
		}
		b, err := json.Marshal(modification)
		if err != nil {
			return nil, err
		}
		tagged := map[string]json.RawMessage{}
		if err := json.Unmarshal(b, &tagged); err != nil {
			return nil, err
		}
		tagged["type"], _ = json.Marshal(modificationType)
		modifications = append(modifications, tagged)
	}
	return json.Marshal(map[string]any{
		"type":          "Transition",
		"startVersion":  self.StartVersion,
		"endVersion":    self.EndVersion,
		"modifications": modifications,
	})
}

func decodeStateModification(b []byte) (StateModification, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, err
	}
	var modification StateModification
	switch tag.Type {
	case "QueryUpdated":
		modification = &QueryUpdated{}
	case "QueryFailed":
		modification = &QueryFailed{}
	case "QueryRemoved":
		modification = &QueryRemoved{}
	default:
		return nil, fmt.Errorf("Unknown state modification type: %s", tag.Type)
	}
	if err := json.Unmarshal(b, modification); err != nil {
		return nil, err
	}
	return modification, nil
}

type MutationResponseMessage struct {
	RequestId RequestId       `json:"requestId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	ErrorData json.RawMessage `json:"errorData,omitempty"`
	Ts        *Ts             `json:"ts,omitempty"`
	LogLines  []string        `json:"logLines"`
}

func (self *MutationResponseMessage) serverMessageType() string {
	return "MutationResponse"
}

type ActionResponseMessage struct {
	RequestId RequestId       `json:"requestId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	ErrorData json.RawMessage `json:"errorData,omitempty"`
	LogLines  []string        `json:"logLines"`
}

func (self *ActionResponseMessage) serverMessageType() string {
	return "ActionResponse"
}

type AuthErrorMessage struct {
	Error       string `json:"error"`
	BaseVersion *int   `json:"baseVersion,omitempty"`
}

func (self *AuthErrorMessage) serverMessageType() string {
	return "AuthError"
}

type FatalErrorMessage struct {
	Error string `json:"error"`
}

func (self *FatalErrorMessage) serverMessageType() string {
	return "FatalError"
}

type PingMessage struct {
}

func (self *PingMessage) serverMessageType() string {
	return "Ping"
}

func DecodeServerMessage(b []byte) (ServerMessage, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, err
	}
	var message ServerMessage
	switch tag.Type {
	case "Transition":
		message = &TransitionMessage{}
	case "MutationResponse":
		message = &MutationResponseMessage{}
	case "ActionResponse":
		message = &ActionResponseMessage{}
	case "AuthError":
		message = &AuthErrorMessage{}
	case "FatalError":
		message = &FatalErrorMessage{}
	case "Ping":
		message = &PingMessage{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", tag.Type)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeServerMessage(message ServerMessage) ([]byte, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	if _, ok := message.(*TransitionMessage); ok {
		// transition marshal already embeds the tag
		return b, nil
	}
	tagged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &tagged); err != nil {
		return nil, err
	}
	tagged["type"], _ = json.Marshal(message.serverMessageType())
	return json.Marshal(tagged)
}
