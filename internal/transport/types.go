package transport

import (
	"encoding/json"

	"steward/internal/dispatch"
)

// Frame types
const (
	TypeCall   = "call"
	TypeResult = "result"
	TypeEvent  = "event"
	TypeError  = "error"
)

// KindBadRequest reports a frame the hub could not understand
const KindBadRequest = "bad_request"

// Frame is a message from a client. Only call frames are accepted.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Command string          `json:"cmd"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Message is a message to a client
type Message struct {
	ID      string              `json:"id,omitempty"`
	Type    string              `json:"type"`
	Success *bool               `json:"success,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *dispatch.ErrorInfo `json:"error,omitempty"`
	Event   *Event              `json:"event,omitempty"`
}

// Event is a broadcast event as seen by clients
type Event struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func resultMessage(id string, value json.RawMessage) Message {
	ok := true
	if value == nil {
		value = json.RawMessage("null")
	}
	return Message{ID: id, Type: TypeResult, Success: &ok, Result: value}
}

func errorMessage(id string, info *dispatch.ErrorInfo) Message {
	ok := false
	return Message{ID: id, Type: TypeResult, Success: &ok, Error: info}
}

func badRequest(id, msg string) Message {
	return Message{ID: id, Type: TypeError, Error: &dispatch.ErrorInfo{Kind: KindBadRequest, Message: msg}}
}
