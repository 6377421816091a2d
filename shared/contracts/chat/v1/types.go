// Package v1 defines the Parley chat wire protocol.
//
// Events are flat JSON objects discriminated by a "type" field. The package
// is intentionally dependency-light: it is the authoritative contract shared
// between the server and every client implementation.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound event types (client -> server).
const (
	// TypeSetUsername binds a display name to the connection (once).
	TypeSetUsername = "SET_USERNAME"
	// TypeSendMessage submits a chat message; requires a bound name.
	TypeSendMessage = "SEND_MESSAGE"
)

// Outbound event types (server -> client).
const (
	// TypeConnectionEstablished greets a freshly accepted connection.
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	// TypeMessageHistory delivers recent messages to a newly bound connection.
	TypeMessageHistory = "MESSAGE_HISTORY"
	// TypeUserJoined announces a bind to all connections.
	TypeUserJoined = "USER_JOINED"
	// TypeUserLeft announces a disconnect of a bound connection.
	TypeUserLeft = "USER_LEFT"
	// TypeNewMessage broadcasts an accepted chat message.
	TypeNewMessage = "NEW_MESSAGE"
	// TypeError reports a per-operation failure to the offending connection.
	TypeError = "ERROR"
)

// Error codes carried by ErrorEvent.Code.
const (
	CodeBadJSON          = "bad_json"
	CodeBadEvent         = "bad_event"
	CodeUnauthorized     = "unauthorized"
	CodeAlreadyBound     = "already_bound"
	CodeInvalidUsername  = "invalid_username"
	CodeEmptyMessage     = "empty_message"
	CodeMessageTooLong   = "message_too_long"
	CodeStoreUnavailable = "store_unavailable"
	CodeRateLimited      = "rate_limited"
)

// Inbound is the single decode target for client events.
// Which field is required depends on Type.
type Inbound struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Validate performs strict structural validation of an inbound event.
// It does not trim or length-check values; that is server policy.
func (e Inbound) Validate() error {
	switch e.Type {
	case TypeSetUsername:
		if strings.TrimSpace(e.Username) == "" {
			return errors.New("missing field: username")
		}
		return nil
	case TypeSendMessage:
		// Emptiness after trimming is a server-side policy error, but a
		// structurally absent field is a contract violation.
		if e.Message == "" {
			return errors.New("missing field: message")
		}
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ConnectionEstablished greets a new connection before any bind.
type ConnectionEstablished struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewConnectionEstablished builds the greeting event.
func NewConnectionEstablished(message string) ConnectionEstablished {
	return ConnectionEstablished{Type: TypeConnectionEstablished, Message: message}
}

// HistoryEntry is one persisted message as seen on the wire.
type HistoryEntry struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageHistory carries the most recent messages, oldest first.
type MessageHistory struct {
	Type     string         `json:"type"`
	Messages []HistoryEntry `json:"messages"`
}

// NewMessageHistory builds a history event. A nil slice is normalized to an
// empty one so the wire always carries a JSON array, never null.
func NewMessageHistory(messages []HistoryEntry) MessageHistory {
	if messages == nil {
		messages = []HistoryEntry{}
	}
	return MessageHistory{Type: TypeMessageHistory, Messages: messages}
}

// UserJoined announces a successful bind.
type UserJoined struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserJoined builds a join announcement.
func NewUserJoined(username string, ts time.Time) UserJoined {
	return UserJoined{Type: TypeUserJoined, Username: username, Timestamp: ts}
}

// UserLeft announces the disconnect of a bound connection.
type UserLeft struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserLeft builds a leave announcement.
func NewUserLeft(username string, ts time.Time) UserLeft {
	return UserLeft{Type: TypeUserLeft, Username: username, Timestamp: ts}
}

// NewMessage broadcasts an accepted, persisted chat message.
type NewMessage struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNewMessage builds a message broadcast. Timestamp is the server-assigned
// persistence time, never a client clock.
func NewNewMessage(username, message string, ts time.Time) NewMessage {
	return NewMessage{Type: TypeNewMessage, Username: username, Message: message, Timestamp: ts}
}

// ErrorEvent reports a failure to the originating connection only.
// Code is machine-readable; Message is human-readable.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewError builds an error event.
func NewError(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message}
}
