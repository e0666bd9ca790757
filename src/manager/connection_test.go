package manager

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/realtime/src/types"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu      sync.Mutex
	written []any
	failing bool
	closed  bool
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("broken pipe")
	}
	m.written = append(m.written, v)
	return nil
}

func (m *mockConn) ReadJSON(v any) error { return errors.New("not used") }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) setFailing(f bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = f
}

func (m *mockConn) getWritten() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]any, len(m.written))
	copy(cp, m.written)
	return cp
}

func testEvent(t *testing.T, et types.EventType) types.Event {
	t.Helper()
	e, err := types.NewEvent(et, map[string]any{"n": 1})
	require.NoError(t, err)
	return e
}

// decodeEvent unpacks an event frame captured by mockConn. Send writes
// events as pre-serialized bytes, so the capture is raw JSON.
func decodeEvent(t *testing.T, v any) types.Event {
	t.Helper()
	raw, ok := v.(json.RawMessage)
	require.True(t, ok, "expected a serialized event frame, got %T", v)
	var e types.Event
	require.NoError(t, json.Unmarshal(raw, &e))
	return e
}

func TestConnectionSendSuccess(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())
	c.MarkConnected()

	event := testEvent(t, types.EventChatMessage)
	ok := c.Send(event)
	assert.True(t, ok)
	assert.Equal(t, types.StatusConnected, c.Status())

	written := conn.getWritten()
	require.Len(t, written, 1)
	// The wire frame is the event's serialization, produced once; the
	// byte counter reflects those same bytes.
	want, err := json.Marshal(event)
	require.NoError(t, err)
	raw, isRaw := written[0].(json.RawMessage)
	require.True(t, isRaw)
	assert.Equal(t, want, []byte(raw))

	info := c.Info()
	assert.Equal(t, uint64(1), info.MessageCount)
	assert.Equal(t, uint64(len(want)), info.BytesSent)
}

func TestConnectionSendFailureFlipsToError(t *testing.T) {
	conn := &mockConn{failing: true}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())
	c.MarkConnected()

	ok := c.Send(testEvent(t, types.EventChatMessage))
	assert.False(t, ok)
	assert.Equal(t, types.StatusError, c.Status())

	// Subsequent sends short-circuit without touching the socket.
	ok = c.Send(testEvent(t, types.EventChatMessage))
	assert.False(t, ok)
	assert.Empty(t, conn.getWritten())
}

func TestConnectionSendAfterDisconnect(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())
	c.MarkConnected()
	c.MarkDisconnected()

	assert.False(t, c.Send(testEvent(t, types.EventChatMessage)))
	assert.Empty(t, conn.getWritten())
}

func TestConnectionSendOrdering(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())
	c.MarkConnected()

	events := make([]types.Event, 10)
	for i := range events {
		e := testEvent(t, types.EventChatMessageChunk)
		events[i] = e.WithPayloadKey("seq", i)
		require.True(t, c.Send(events[i]))
	}

	written := conn.getWritten()
	require.Len(t, written, 10)
	for i, w := range written {
		got := decodeEvent(t, w)
		assert.Equal(t, float64(i), got.Payload["seq"])
	}
}

func TestConnectionStale(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())

	assert.False(t, c.IsStale(time.Minute))

	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()
	assert.True(t, c.IsStale(time.Minute))

	c.UpdateHeartbeat()
	assert.False(t, c.IsStale(time.Minute))
}

func TestConnectionSubscriptionIdempotent(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())

	c.Subscribe("general")
	c.Subscribe("general")
	assert.Equal(t, []string{"general"}, c.Channels())
	assert.True(t, c.Subscribed("general"))

	c.Unsubscribe("general")
	c.Unsubscribe("general")
	assert.Empty(t, c.Channels())
	assert.False(t, c.Subscribed("general"))
}

func TestConnectionPermitted(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "", conn, zerolog.Nop())
	c.SetPermitted([]string{"general", "user:u1"})

	assert.True(t, c.PermittedChannel("general"))
	assert.False(t, c.PermittedChannel("admin:alerts"))
}

func TestConnectionCloseIsTerminal(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())
	c.MarkConnected()
	c.Close()

	assert.Equal(t, types.StatusDisconnected, c.Status())
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
}

func TestConnectionConcurrentSends(t *testing.T) {
	conn := &mockConn{}
	c := NewConnection("c1", "u1", "s1", conn, zerolog.Nop())
	c.MarkConnected()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c.Send(testEvent(t, types.EventNotification))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, conn.getWritten(), 200)
	assert.Equal(t, uint64(200), c.Info().MessageCount)
}
