package service

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/realtime/src/auth"
	"github.com/tripsage/realtime/src/broadcaster"
	"github.com/tripsage/realtime/src/manager"
	"github.com/tripsage/realtime/src/types"
)

const testSecret = "service-test-secret"

type mockConn struct {
	mu      sync.Mutex
	written []any
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, v)
	return nil
}

func (m *mockConn) ReadJSON(v any) error { return errors.New("not used") }
func (m *mockConn) Close() error         { return nil }

func (m *mockConn) getWritten() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]any, len(m.written))
	copy(cp, m.written)
	return cp
}

// decodeEvent unpacks an event frame captured by mockConn; event sends
// arrive as pre-serialized bytes, response frames as structs.
func decodeEvent(t *testing.T, v any) types.Event {
	t.Helper()
	raw, ok := v.(json.RawMessage)
	require.True(t, ok, "expected a serialized event frame, got %T", v)
	var e types.Event
	require.NoError(t, json.Unmarshal(raw, &e))
	return e
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// newTestService wires a real manager to a broadcaster whose backend is
// unreachable, exercising the standalone degradation path end to end.
func newTestService(t *testing.T) *Service {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	})
	b := broadcaster.NewWithClient(client, broadcaster.DefaultRedisConfig(), zerolog.Nop())
	m := manager.New(auth.NewJWTVerifier(testSecret), manager.Options{
		AuthTimeout: time.Second,
	}, zerolog.Nop())
	s := New(m, b, zerolog.Nop())
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		_ = b.Close()
	})
	return s
}

func TestRegisterWritesAuthResponseFirst(t *testing.T) {
	s := newTestService(t)
	conn := &mockConn{}
	sid := uuid.NewString()

	resp := s.Register(conn, types.AuthRequest{
		Token:     mintToken(t, "u1"),
		SessionID: sid,
		Channels:  []string{"general"},
	})
	require.True(t, resp.Success)

	written := conn.getWritten()
	require.GreaterOrEqual(t, len(written), 2)

	first, ok := written[0].(types.AuthResponse)
	require.True(t, ok, "first frame must be the auth response")
	assert.True(t, first.Success)
	assert.Equal(t, resp.ConnectionID, first.ConnectionID)
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, sid, first.SessionID)

	second := decodeEvent(t, written[1])
	assert.Equal(t, types.EventConnectionEstablished, second.Type)
}

func TestRegisterFailureWritesSingleResponse(t *testing.T) {
	s := newTestService(t)
	conn := &mockConn{}

	resp := s.Register(conn, types.AuthRequest{Token: "garbage"})
	assert.False(t, resp.Success)

	written := conn.getWritten()
	require.Len(t, written, 1)
	failure, ok := written[0].(types.AuthResponse)
	require.True(t, ok)
	assert.False(t, failure.Success)
	assert.NotEmpty(t, failure.Error)
	assert.Equal(t, 0, s.Manager().Stats().TotalConnections)
}

func TestDispatchRoutesToHandler(t *testing.T) {
	s := newTestService(t)

	var mu sync.Mutex
	var gotConn string
	var gotEvent types.Event
	s.RegisterHandler(types.EventChatMessage, func(connectionID string, event types.Event) error {
		mu.Lock()
		defer mu.Unlock()
		gotConn = connectionID
		gotEvent = event
		return nil
	})

	event, err := types.NewEvent(types.EventChatMessage, map[string]any{"content": "hi"})
	require.NoError(t, err)
	s.Dispatch("conn-1", event)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "conn-1", gotConn)
	assert.Equal(t, event.ID, gotEvent.ID)

	// Handlers validate the opaque payload into its typed variant.
	var p types.ChatMessagePayload
	require.NoError(t, types.DecodePayload(gotEvent, &p))
	assert.Equal(t, "hi", p.Content)
}

func TestDispatchWithoutHandlerIsDropped(t *testing.T) {
	s := newTestService(t)
	event, err := types.NewEvent(types.EventNotification, map[string]any{})
	require.NoError(t, err)
	assert.NotPanics(t, func() { s.Dispatch("conn-1", event) })
}

func TestDispatchHandlerErrorIsSwallowed(t *testing.T) {
	s := newTestService(t)
	s.RegisterHandler(types.EventChatMessage, func(string, types.Event) error {
		return errors.New("handler bug")
	})
	event, err := types.NewEvent(types.EventChatMessage, map[string]any{})
	require.NoError(t, err)
	assert.NotPanics(t, func() { s.Dispatch("conn-1", event) })
}

func TestSendToUserStampsRoutingAndCounts(t *testing.T) {
	s := newTestService(t)
	conn1 := &mockConn{}
	conn2 := &mockConn{}

	r1 := s.Register(conn1, types.AuthRequest{Token: mintToken(t, "u1")})
	require.True(t, r1.Success)
	r2 := s.Register(conn2, types.AuthRequest{Token: mintToken(t, "u1")})
	require.True(t, r2.Success)

	event, err := types.NewEvent(types.EventNotification, map[string]any{"text": "hi"})
	require.NoError(t, err)

	sent := s.SendToUser("u1", event)
	assert.Equal(t, 2, sent)

	written := conn1.getWritten()
	last := decodeEvent(t, written[len(written)-1])
	assert.Equal(t, "u1", last.UserID)
}

func TestSendToSessionDegradedBackend(t *testing.T) {
	s := newTestService(t)
	conn := &mockConn{}
	sid := uuid.NewString()

	r := s.Register(conn, types.AuthRequest{Token: mintToken(t, "u1"), SessionID: sid})
	require.True(t, r.Success)

	priority := 1
	event, err := types.NewEvent(types.EventChatMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	// Local delivery succeeds even though the backend is unreachable.
	assert.Equal(t, 1, s.SendToSession(sid, event, &priority))
}

func TestSendToChannelLocalOnly(t *testing.T) {
	s := newTestService(t)
	conn := &mockConn{}

	r := s.Register(conn, types.AuthRequest{
		Token:    mintToken(t, "u1"),
		Channels: []string{"general"},
	})
	require.True(t, r.Success)

	event, err := types.NewEvent(types.EventSystemMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.SendToChannel("general", event))
	assert.Equal(t, 0, s.SendToChannel("other", event))
}

func TestBroadcastToAllLocalDelivery(t *testing.T) {
	s := newTestService(t)
	conn1 := &mockConn{}
	conn2 := &mockConn{}
	require.True(t, s.Register(conn1, types.AuthRequest{Token: mintToken(t, "u1")}).Success)
	require.True(t, s.Register(conn2, types.AuthRequest{Token: mintToken(t, "u2")}).Success)

	event, err := types.NewEvent(types.EventSystemMessage, map[string]any{"text": "all"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.BroadcastToAll(event))
}

func TestDisconnectReleasesTracking(t *testing.T) {
	s := newTestService(t)
	conn := &mockConn{}
	sid := uuid.NewString()

	r := s.Register(conn, types.AuthRequest{Token: mintToken(t, "u1"), SessionID: sid})
	require.True(t, r.Success)

	s.Manager().Disconnect(r.ConnectionID)
	assert.Equal(t, 0, s.Manager().Stats().TotalConnections)

	// A second disconnect of the same id stays a no-op.
	assert.NotPanics(t, func() { s.Manager().Disconnect(r.ConnectionID) })
}
