package manager

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripsage/realtime/src/metrics"
	"github.com/tripsage/realtime/src/types"
)

// Connection wraps one physical WebSocket and owns the per-connection
// state: subscriptions, heartbeat timestamp, status, and send counters.
// The socket handle itself belongs to the transport layer; the wrapper
// only references it.
type Connection struct {
	ID        string
	UserID    string
	SessionID string

	conn        types.Conn
	connectedAt time.Time
	logger      zerolog.Logger

	// mu guards status, heartbeat, counters, and the channel set.
	// writeMu serializes wire writes so concurrent producers see
	// call-order delivery on a single connection.
	mu      sync.RWMutex
	writeMu sync.Mutex

	status        types.ConnectionStatus
	lastHeartbeat time.Time
	channels      map[string]bool
	permitted     map[string]bool
	messageCount  uint64
	bytesSent     uint64
}

// NewConnection creates a connection wrapper in the connecting state.
// The caller (the manager) moves it to connected on registration.
func NewConnection(id, userID, sessionID string, conn types.Conn, logger zerolog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		UserID:        userID,
		SessionID:     sessionID,
		conn:          conn,
		connectedAt:   now,
		lastHeartbeat: now,
		status:        types.StatusConnecting,
		channels:      make(map[string]bool),
		logger:        logger.With().Str("connection_id", id).Logger(),
	}
}

// Send serializes the event and writes it to the socket. It never
// panics and never returns an error: a failed write flips the
// connection to the error state and reports false; the next cleanup
// pass or an explicit disconnect reconciles it. Safe for concurrent
// callers; writes for one connection are internally serialized.
func (c *Connection) Send(event types.Event) bool {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	if status == types.StatusDisconnected || status == types.StatusError {
		return false
	}

	// Serialize once; the pre-marshaled bytes go to the wire as-is and
	// also provide the byte count.
	data, err := json.Marshal(event)
	if err != nil {
		c.fail("event serialization failed", err)
		return false
	}

	c.writeMu.Lock()
	err = c.conn.WriteJSON(json.RawMessage(data))
	c.writeMu.Unlock()
	if err != nil {
		c.fail("write failed", err)
		return false
	}

	c.mu.Lock()
	c.messageCount++
	c.bytesSent += uint64(len(data))
	c.mu.Unlock()

	metrics.EventsSent.WithLabelValues(string(event.Type)).Inc()
	return true
}

// WriteRaw writes an arbitrary frame (auth or subscribe responses)
// under the same write lock as Send, preserving per-connection write
// serialization. Like Send it reports failure instead of raising.
func (c *Connection) WriteRaw(v any) bool {
	c.writeMu.Lock()
	err := c.conn.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		c.fail("raw write failed", err)
		return false
	}
	return true
}

func (c *Connection) fail(msg string, err error) {
	c.mu.Lock()
	if c.status != types.StatusDisconnected {
		c.status = types.StatusError
	}
	c.mu.Unlock()
	metrics.SendFailures.Inc()
	c.logger.Warn().Err(err).Str("reason", msg).Msg("connection send failure")
}

// MarkConnected records successful authentication and registration.
func (c *Connection) MarkConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = types.StatusConnected
}

// MarkDisconnected moves the connection to its terminal state.
func (c *Connection) MarkDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = types.StatusDisconnected
}

// Status returns the current state machine position.
func (c *Connection) Status() types.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// UpdateHeartbeat records the current time as the last sign of life.
func (c *Connection) UpdateHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

// IsStale reports whether the last heartbeat is older than timeout.
func (c *Connection) IsStale(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastHeartbeat) > timeout
}

// SetPermitted records the channel set the authenticated user is
// entitled to. Set once at registration, then read-only.
func (c *Connection) SetPermitted(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permitted = make(map[string]bool, len(channels))
	for _, ch := range channels {
		c.permitted[ch] = true
	}
}

// PermittedChannel reports whether the user behind this connection may
// subscribe to channel.
func (c *Connection) PermittedChannel(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permitted[channel]
}

// Subscribe adds a channel to the subscription set. Idempotent.
func (c *Connection) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = true
}

// Unsubscribe removes a channel from the subscription set. Removing an
// absent channel is a no-op.
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// Subscribed reports whether the connection subscribes to channel.
func (c *Connection) Subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

// Channels returns a snapshot of the subscription set.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Info returns metadata about this connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	return ConnectionInfo{
		ID:            c.ID,
		UserID:        c.UserID,
		SessionID:     c.SessionID,
		Status:        c.status,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		Channels:      channels,
		MessageCount:  c.messageCount,
		BytesSent:     c.bytesSent,
	}
}

// Close releases the underlying socket. Best effort; the wrapper keeps
// its terminal state regardless of the close outcome.
func (c *Connection) Close() {
	c.MarkDisconnected()
	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("socket close")
	}
}

// ConnectionInfo is a read-only snapshot of a connection's state.
type ConnectionInfo struct {
	ID            string                 `json:"id"`
	UserID        string                 `json:"user_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	Status        types.ConnectionStatus `json:"status"`
	ConnectedAt   time.Time              `json:"connected_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Channels      []string               `json:"channels"`
	MessageCount  uint64                 `json:"message_count"`
	BytesSent     uint64                 `json:"bytes_sent"`
}
