package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventGeneratesIdentity(t *testing.T) {
	e1, err := NewEvent(EventChatMessage, map[string]any{"text": "hello"})
	require.NoError(t, err)
	e2, err := NewEvent(EventChatMessage, map[string]any{"text": "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, EventChatMessage, e1.Type)
	assert.WithinDuration(t, time.Now().UTC(), e1.Timestamp, 2*time.Second)
	assert.Equal(t, time.UTC, e1.Timestamp.Location())
}

func TestNewEventRejectsUnknownType(t *testing.T) {
	_, err := NewEvent(EventType("made_up"), map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestNewEventRejectsNilPayload(t *testing.T) {
	_, err := NewEvent(EventNotification, nil)
	assert.ErrorIs(t, err, ErrPayloadNotMap)
}

func TestNewEventAcceptsEmptyPayload(t *testing.T) {
	e, err := NewEvent(EventConnectionHeartbeat, map[string]any{})
	require.NoError(t, err)
	assert.NotNil(t, e.Payload)
}

func TestEventTypeClosedSet(t *testing.T) {
	for _, et := range []EventType{
		EventChatMessage, EventChatMessageChunk, EventChatMessageComplete,
		EventChatTypingStart, EventChatTypingStop,
		EventToolCallStart, EventToolCallProgress, EventToolCallComplete, EventToolCallError,
		EventAgentStatusUpdate, EventAgentTaskStart, EventAgentTaskProgress,
		EventAgentTaskComplete, EventAgentError,
		EventConnectionEstablished, EventConnectionError, EventConnectionHeartbeat,
		EventConnectionClose,
		EventError, EventNotification, EventSystemMessage,
	} {
		assert.True(t, et.Valid(), "expected %q to be valid", et)
	}
	assert.False(t, EventType("").Valid())
	assert.False(t, EventType("subscribe").Valid())
}

func TestWithRoutingReturnsCopy(t *testing.T) {
	e, err := NewEvent(EventNotification, map[string]any{"k": "v"})
	require.NoError(t, err)

	routed := e.WithRouting("user-1", "session-1")
	assert.Equal(t, "user-1", routed.UserID)
	assert.Equal(t, "session-1", routed.SessionID)
	assert.Empty(t, e.UserID)
	assert.Empty(t, e.SessionID)
	assert.Equal(t, e.ID, routed.ID)
}

func TestWithPayloadKeyDoesNotTouchOriginal(t *testing.T) {
	e, err := NewEvent(EventNotification, map[string]any{"k": "v"})
	require.NoError(t, err)

	augmented := e.WithPayloadKey("delivered_at", "now")
	assert.Contains(t, augmented.Payload, "delivered_at")
	assert.NotContains(t, e.Payload, "delivered_at")
	assert.Equal(t, "v", augmented.Payload["k"])
}

func TestEventWireEnvelope(t *testing.T) {
	e, err := NewEvent(EventChatMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)
	e = e.WithRouting("u-1", "s-1")

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, e.ID, wire["id"])
	assert.Equal(t, "chat_message", wire["type"])
	assert.Equal(t, "u-1", wire["user_id"])
	assert.Equal(t, "s-1", wire["session_id"])
	payload, ok := wire["payload"].(map[string]any)
	require.True(t, ok, "payload must serialize as a mapping")
	assert.Equal(t, "hi", payload["text"])
}

func TestEventWireEnvelopeNullRoutingKeys(t *testing.T) {
	e, err := NewEvent(EventSystemMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	// The routing keys are always on the wire, null when unset.
	require.Contains(t, wire, "user_id")
	require.Contains(t, wire, "session_id")
	assert.Nil(t, wire["user_id"])
	assert.Nil(t, wire["session_id"])

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Empty(t, out.UserID)
	assert.Empty(t, out.SessionID)
}

func TestEventRoundTrip(t *testing.T) {
	e, err := NewEvent(EventToolCallProgress, map[string]any{"step": float64(3)})
	require.NoError(t, err)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, e.ID, out.ID)
	assert.Equal(t, e.Type, out.Type)
	assert.Equal(t, float64(3), out.Payload["step"])
}
