// Package wire implements the line-delimited JSON protocol spoken
// between the daemon and an adapter child process on its standard
// input/output streams. Each direction is a stream of one JSON object
// per line, UTF-8, newline-terminated.
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent to the child in init; the child compares it
// with its own and answers a mismatch with an error and an exit, which
// the handle sees as a startup failure (spec §4.1, §7).
const ProtocolVersion = 1

// MessageType tags every message in both directions. It is a closed
// set; ParseChildLine rejects any value not listed below.
type MessageType string

const (
	// Parent -> child.
	TypeInit     MessageType = "init"
	TypeObserve  MessageType = "observe"
	TypeExecute  MessageType = "execute"
	TypeQuery    MessageType = "query"
	TypePing     MessageType = "ping"
	TypeDiscover MessageType = "discover"
	TypePair     MessageType = "pair"
	TypeShutdown MessageType = "shutdown"

	// Child -> parent.
	TypeReady         MessageType = "ready"
	TypeObserveResult MessageType = "observe_result"
	TypeExecuteResult MessageType = "execute_result"
	TypeQueryResult   MessageType = "query_result"
	TypePong          MessageType = "pong"
	TypeDiscoverResult MessageType = "discover_result"
	TypePairResult    MessageType = "pair_result"
	TypeStateChanged  MessageType = "state_changed"
	TypeError         MessageType = "error"
	TypeLog           MessageType = "log"
)

// CommandFieldDescriptor describes the parameter shape of a command,
// attached to properties so callers know how to construct a command.
type CommandFieldDescriptor struct {
	Type            string   `json:"type"` // boolean | number | string | object
	Description     string   `json:"description,omitempty"`
	EnumeratedValues []string `json:"enumeratedValues,omitempty"`
	Min             *float64 `json:"min,omitempty"`
	Max             *float64 `json:"max,omitempty"`
}

// EntityPropertyRegistration is one property a child registers for an
// entity, including the feature set and any adapter-declared hints
// that override the domain defaults for that property.
type EntityPropertyRegistration struct {
	Property     string                            `json:"property"`
	Features     []string                          `json:"features"`
	CommandHints map[string]CommandFieldDescriptor `json:"commandHints,omitempty"`
}

// EntityRegistration is reported by a child in its ready message.
type EntityRegistration struct {
	EntityID    string                        `json:"entityId"`
	DisplayName string                        `json:"displayName,omitempty"`
	Properties  []EntityPropertyRegistration `json:"properties"`
}

// EntityGroup optionally accompanies a registration to hint at natural
// space groupings (room, zone, area).
type EntityGroup struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"` // room | zone | area
	EntityIDs []string `json:"entityIds"`
}

// Gateway is one candidate returned from an adapter's discover phase.
type Gateway struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// --- Parent -> child payloads ---

type InitMessage struct {
	Type            MessageType    `json:"type"`
	ProtocolVersion int            `json:"protocolVersion"`
	AdapterID       string         `json:"adapterId"`
	AdapterType     string         `json:"adapterType"`
	Config          map[string]any `json:"config"`
}

func NewInit(adapterID, adapterType string, config map[string]any) InitMessage {
	return InitMessage{
		Type:            TypeInit,
		ProtocolVersion: ProtocolVersion,
		AdapterID:       adapterID,
		AdapterType:     adapterType,
		Config:          config,
	}
}

type ObserveMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	EntityID  string      `json:"entityId"`
	Property  string      `json:"property"`
}

type ExecuteMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	EntityID  string         `json:"entityId"`
	Property  string         `json:"property"`
	Command   map[string]any `json:"command"`
}

type QueryMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	EntityID  string         `json:"entityId"`
	Property  string         `json:"property"`
	Params    map[string]any `json:"params,omitempty"`
}

type PingMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
}

type DiscoverMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	Params    map[string]any `json:"params,omitempty"`
}

type PairMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	Params    map[string]any `json:"params,omitempty"`
}

type ShutdownMessage struct {
	Type MessageType `json:"type"`
}

// --- Child -> parent payloads ---

type ReadyPayload struct {
	Entities []EntityRegistration `json:"entities"`
	Groups   []EntityGroup        `json:"groups,omitempty"`
}

type ObserveResultPayload struct {
	RequestID string         `json:"requestId"`
	State     map[string]any `json:"state"`
}

type ExecuteResultPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type QueryResultPayload struct {
	RequestID string           `json:"requestId"`
	Items     []map[string]any `json:"items"`
	Total     *int             `json:"total,omitempty"`
	Truncated *bool            `json:"truncated,omitempty"`
}

type PongPayload struct {
	RequestID string `json:"requestId"`
}

type DiscoverResultPayload struct {
	RequestID string    `json:"requestId"`
	Gateways  []Gateway `json:"gateways"`
	Message   string    `json:"message,omitempty"`
}

type PairResultPayload struct {
	RequestID   string         `json:"requestId"`
	Success     bool           `json:"success"`
	Credentials map[string]any `json:"credentials,omitempty"`
	Error       string         `json:"error,omitempty"`
	Message     string         `json:"message,omitempty"`
}

type StateChangedPayload struct {
	EntityID      string         `json:"entityId"`
	Property      string         `json:"property"`
	State         map[string]any `json:"state"`
	PreviousState map[string]any `json:"previousState,omitempty"`
}

type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

type LogPayload struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}

// ChildMessage is the closed sum type of everything a child can send.
// Exactly one of the payload fields is non-nil, selected by Type. This
// models the dynamic-typed "tagged variant" as a flat struct rather
// than an interface, so callers can switch on Type without a type
// assertion per case.
type ChildMessage struct {
	Type MessageType

	Ready          *ReadyPayload
	ObserveResult  *ObserveResultPayload
	ExecuteResult  *ExecuteResultPayload
	QueryResult    *QueryResultPayload
	Pong           *PongPayload
	DiscoverResult *DiscoverResultPayload
	PairResult     *PairResultPayload
	StateChanged   *StateChangedPayload
	Error          *ErrorPayload
	Log            *LogPayload
}

type typeTag struct {
	Type MessageType `json:"type"`
}

// ErrUnknownMessageType is returned by ParseChildLine for any type not
// in the closed set the protocol defines.
var ErrUnknownMessageType = fmt.Errorf("wire: unknown message type")

// ParseChildLine decodes one line of child output into a ChildMessage.
// A line that is not valid JSON, or whose "type" tag is not a known
// child message type, is rejected; the adapter handle is responsible
// for recording such lines as log text instead of dropping them
// (spec §4.1, §7 InvalidLine).
func ParseChildLine(line []byte) (ChildMessage, error) {
	var tag typeTag
	if err := json.Unmarshal(line, &tag); err != nil {
		return ChildMessage{}, fmt.Errorf("wire: parse line: %w", err)
	}

	msg := ChildMessage{Type: tag.Type}
	switch tag.Type {
	case TypeReady:
		msg.Ready = &ReadyPayload{}
		return msg, decodeInto(line, msg.Ready)
	case TypeObserveResult:
		msg.ObserveResult = &ObserveResultPayload{}
		return msg, decodeInto(line, msg.ObserveResult)
	case TypeExecuteResult:
		msg.ExecuteResult = &ExecuteResultPayload{}
		return msg, decodeInto(line, msg.ExecuteResult)
	case TypeQueryResult:
		msg.QueryResult = &QueryResultPayload{}
		return msg, decodeInto(line, msg.QueryResult)
	case TypePong:
		msg.Pong = &PongPayload{}
		return msg, decodeInto(line, msg.Pong)
	case TypeDiscoverResult:
		msg.DiscoverResult = &DiscoverResultPayload{}
		return msg, decodeInto(line, msg.DiscoverResult)
	case TypePairResult:
		msg.PairResult = &PairResultPayload{}
		return msg, decodeInto(line, msg.PairResult)
	case TypeStateChanged:
		msg.StateChanged = &StateChangedPayload{}
		return msg, decodeInto(line, msg.StateChanged)
	case TypeError:
		msg.Error = &ErrorPayload{}
		return msg, decodeInto(line, msg.Error)
	case TypeLog:
		msg.Log = &LogPayload{}
		return msg, decodeInto(line, msg.Log)
	default:
		return ChildMessage{}, ErrUnknownMessageType
	}
}

func decodeInto(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("wire: decode payload: %w", err)
	}
	return nil
}

// Encode marshals a parent->child message and appends the newline
// delimiter the protocol requires.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return append(b, '\n'), nil
}
