package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags a real-time event. The set is closed: the transport
// rejects frames carrying a type outside this enumeration.
type EventType string

const (
	EventChatMessage           EventType = "chat_message"
	EventChatMessageChunk      EventType = "chat_message_chunk"
	EventChatMessageComplete   EventType = "chat_message_complete"
	EventChatTypingStart       EventType = "chat_typing_start"
	EventChatTypingStop        EventType = "chat_typing_stop"
	EventToolCallStart         EventType = "tool_call_start"
	EventToolCallProgress      EventType = "tool_call_progress"
	EventToolCallComplete      EventType = "tool_call_complete"
	EventToolCallError         EventType = "tool_call_error"
	EventAgentStatusUpdate     EventType = "agent_status_update"
	EventAgentTaskStart        EventType = "agent_task_start"
	EventAgentTaskProgress     EventType = "agent_task_progress"
	EventAgentTaskComplete     EventType = "agent_task_complete"
	EventAgentError            EventType = "agent_error"
	EventConnectionEstablished EventType = "connection_established"
	EventConnectionError       EventType = "connection_error"
	EventConnectionHeartbeat   EventType = "connection_heartbeat"
	EventConnectionClose       EventType = "connection_close"
	EventError                 EventType = "error"
	EventNotification          EventType = "notification"
	EventSystemMessage         EventType = "system_message"
)

var eventTypes = map[EventType]bool{
	EventChatMessage: true, EventChatMessageChunk: true, EventChatMessageComplete: true,
	EventChatTypingStart: true, EventChatTypingStop: true,
	EventToolCallStart: true, EventToolCallProgress: true, EventToolCallComplete: true,
	EventToolCallError: true,
	EventAgentStatusUpdate: true, EventAgentTaskStart: true, EventAgentTaskProgress: true,
	EventAgentTaskComplete: true, EventAgentError: true,
	EventConnectionEstablished: true, EventConnectionError: true,
	EventConnectionHeartbeat: true, EventConnectionClose: true,
	EventError: true, EventNotification: true, EventSystemMessage: true,
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool { return eventTypes[t] }

// Event is one real-time message. It is the wire envelope sent to clients
// and is immutable after construction: components that need to augment a
// dispatched event must produce a copy.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload"`
}

// MarshalJSON emits the wire envelope. The routing keys are always
// present, as null when unset, so every frame has identical shape.
func (e Event) MarshalJSON() ([]byte, error) {
	type envelope struct {
		ID        string         `json:"id"`
		Type      EventType      `json:"type"`
		Timestamp time.Time      `json:"timestamp"`
		UserID    *string        `json:"user_id"`
		SessionID *string        `json:"session_id"`
		Payload   map[string]any `json:"payload"`
	}
	env := envelope{ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, Payload: e.Payload}
	if e.UserID != "" {
		env.UserID = &e.UserID
	}
	if e.SessionID != "" {
		env.SessionID = &e.SessionID
	}
	return json.Marshal(env)
}

// Event construction and frame validation errors.
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrPayloadNotMap    = errors.New("payload must be a mapping")
)

// NewEvent constructs an event with a fresh id and UTC timestamp.
// The payload must be a non-nil mapping so that every frame has uniform
// shape; a nil payload is a construction error, not an empty event.
func NewEvent(t EventType, payload map[string]any) (Event, error) {
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if payload == nil {
		return Event{}, ErrPayloadNotMap
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// WithRouting returns a copy of e carrying the given routing keys.
func (e Event) WithRouting(userID, sessionID string) Event {
	e.UserID = userID
	e.SessionID = sessionID
	return e
}

// WithPayloadKey returns a copy of e whose payload additionally holds
// key=value. The original payload map is not touched.
func (e Event) WithPayloadKey(key string, value any) Event {
	p := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		p[k] = v
	}
	p[key] = value
	e.Payload = p
	return e
}

// ConnectionStatus is the per-connection state machine.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// AuthRequest is the first frame a client must send after opening a
// connection.
type AuthRequest struct {
	Token     string   `json:"token" validate:"required"`
	SessionID string   `json:"session_id,omitempty" validate:"omitempty,uuid"`
	Channels  []string `json:"channels,omitempty" validate:"dive,min=1,max=128"`
}

// AuthResponse is sent exactly once in reply to an AuthRequest.
type AuthResponse struct {
	Success           bool     `json:"success"`
	ConnectionID      string   `json:"connection_id,omitempty"`
	UserID            string   `json:"user_id,omitempty"`
	SessionID         string   `json:"session_id,omitempty"`
	Error             string   `json:"error,omitempty"`
	AvailableChannels []string `json:"available_channels,omitempty"`
}

// SubscribeRequest asks to add and/or drop channel subscriptions.
type SubscribeRequest struct {
	Channels            []string `json:"channels,omitempty" validate:"dive,min=1,max=128"`
	UnsubscribeChannels []string `json:"unsubscribe_channels,omitempty" validate:"dive,min=1,max=128"`
}

// SubscribeResponse partitions the requested channels into those now
// subscribed and those refused (forbidden or unknown).
type SubscribeResponse struct {
	Success            bool     `json:"success"`
	SubscribedChannels []string `json:"subscribed_channels"`
	FailedChannels     []string `json:"failed_channels"`
	Error              string   `json:"error,omitempty"`
}

// ConnectionStats is a point-in-time summary of the registry.
type ConnectionStats struct {
	TotalConnections   int `json:"total_connections"`
	UniqueUsers        int `json:"unique_users"`
	ActiveSessions     int `json:"active_sessions"`
	SubscribedChannels int `json:"subscribed_channels"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Expected failure modes. Each is converted to a typed result or a
// logged-and-swallowed outcome at the boundary of the component that
// detects it; none of them crosses the connection boundary as a panic.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrValidation         = errors.New("invalid frame")
	ErrTransport          = errors.New("transport failure")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotFound           = errors.New("not found")
)
