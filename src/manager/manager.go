// Package manager owns the WebSocket connection registry: the single
// authority for connection lifecycle and addressed delivery within one
// process. Cross-process fan-out is layered on top by the broadcaster.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tripsage/realtime/src/auth"
	"github.com/tripsage/realtime/src/metrics"
	"github.com/tripsage/realtime/src/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options tunes the manager's background maintenance loops and limits.
type Options struct {
	HeartbeatInterval time.Duration // default 30s
	CleanupInterval   time.Duration // default 60s
	StaleTimeout      time.Duration // default 300s
	AuthTimeout       time.Duration // default 5s
	MaxConnections    int           // 0 means unlimited
}

// DefaultOptions returns the production loop intervals.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   60 * time.Second,
		StaleTimeout:      300 * time.Second,
		AuthTimeout:       5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = d.StaleTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	return o
}

// Manager maintains the connection registry and its three secondary
// indices. All index mutation happens inside the manager under one
// mutex, which is what makes multi-index removal atomic with respect
// to concurrent readers.
type Manager struct {
	verifier auth.Verifier
	opts     Options
	logger   zerolog.Logger

	mu           sync.RWMutex
	connections  map[string]*Connection
	userConns    map[string]map[string]bool
	sessionConns map[string]map[string]bool
	channelConns map[string]map[string]bool

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	onDisconnect []func(*Connection)
}

// New creates a manager. Call Start to launch the maintenance loops.
func New(verifier auth.Verifier, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		verifier:     verifier,
		opts:         opts.withDefaults(),
		logger:       logger.With().Str("component", "ws-manager").Logger(),
		connections:  make(map[string]*Connection),
		userConns:    make(map[string]map[string]bool),
		sessionConns: make(map[string]map[string]bool),
		channelConns: make(map[string]map[string]bool),
	}
}

// OnDisconnect registers a callback invoked after a connection has been
// removed from all indices. Used by the service layer for session
// bookkeeping.
func (m *Manager) OnDisconnect(cb func(*Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, cb)
}

// Authenticate validates the auth request, registers a connection for
// the socket, and returns the handshake response. Failures are reported
// in the response, never raised: a hostile or malformed handshake must
// not be able to crash the manager.
func (m *Manager) Authenticate(conn types.Conn, req types.AuthRequest) types.AuthResponse {
	if err := validate.Struct(req); err != nil {
		metrics.AuthAttempts.WithLabelValues("invalid").Inc()
		return types.AuthResponse{Success: false, Error: "malformed auth request"}
	}

	identity, err := m.verifyWithTimeout(req.Token)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		m.logger.Warn().Err(err).Msg("authentication rejected")
		return types.AuthResponse{Success: false, Error: err.Error()}
	}

	connectionID := uuid.New().String()
	c := NewConnection(connectionID, identity.UserID, req.SessionID, conn, m.logger)
	c.SetPermitted(identity.PermittedChannels)

	// Requested channels outside the permitted set are dropped silently;
	// the response still lists everything the user is entitled to.
	var granted []string
	for _, ch := range req.Channels {
		if identity.Permitted(ch) {
			granted = append(granted, ch)
		}
	}

	m.mu.Lock()
	if m.opts.MaxConnections > 0 && len(m.connections) >= m.opts.MaxConnections {
		m.mu.Unlock()
		metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		m.logger.Warn().Int("limit", m.opts.MaxConnections).Msg("connection limit reached")
		return types.AuthResponse{Success: false, Error: "connection limit reached"}
	}
	m.connections[connectionID] = c
	addIndex(m.userConns, identity.UserID, connectionID)
	addIndex(m.sessionConns, req.SessionID, connectionID)
	for _, ch := range granted {
		addIndex(m.channelConns, ch, connectionID)
		c.Subscribe(ch)
	}
	total := len(m.connections)
	m.mu.Unlock()

	c.MarkConnected()
	metrics.ActiveConnections.Set(float64(total))
	metrics.AuthAttempts.WithLabelValues("accepted").Inc()

	m.logger.Info().
		Str("connection_id", connectionID).
		Str("user_id", identity.UserID).
		Str("session_id", req.SessionID).
		Strs("channels", granted).
		Int("total_connections", total).
		Msg("connection registered")

	return types.AuthResponse{
		Success:           true,
		ConnectionID:      connectionID,
		UserID:            identity.UserID,
		SessionID:         req.SessionID,
		AvailableChannels: identity.PermittedChannels,
	}
}

// verifyWithTimeout bounds the token verification so a hung verifier
// cannot block new-connection acceptance indefinitely.
func (m *Manager) verifyWithTimeout(token string) (auth.Identity, error) {
	type result struct {
		id  auth.Identity
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := m.verifier.Verify(token)
		ch <- result{id, err}
	}()
	select {
	case r := <-ch:
		return r.id, r.err
	case <-time.After(m.opts.AuthTimeout):
		return auth.Identity{}, fmt.Errorf("%w: verification timed out", types.ErrAuthentication)
	}
}

// Disconnect removes the connection from every index and releases the
// socket. Idempotent: removing an unknown id is a no-op.
func (m *Manager) Disconnect(connectionID string) {
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, connectionID)
	dropIndex(m.userConns, c.UserID, connectionID)
	dropIndex(m.sessionConns, c.SessionID, connectionID)
	for _, ch := range c.Channels() {
		dropIndex(m.channelConns, ch, connectionID)
	}
	total := len(m.connections)
	callbacks := m.onDisconnect
	m.mu.Unlock()

	if closing, err := types.NewEvent(types.EventConnectionClose, map[string]any{
		"connection_id": connectionID,
	}); err == nil {
		c.Send(closing.WithRouting(c.UserID, c.SessionID))
	}
	c.Close()

	metrics.ActiveConnections.Set(float64(total))
	m.logger.Info().
		Str("connection_id", connectionID).
		Int("total_connections", total).
		Msg("connection removed")

	for _, cb := range callbacks {
		cb(c)
	}
}

// SendToConnection delivers one event to one connection.
func (m *Manager) SendToConnection(connectionID string, event types.Event) bool {
	m.mu.RLock()
	c, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(event)
}

// SendToUser fans the event out to every connection of the user and
// returns the number of successful sends.
func (m *Manager) SendToUser(userID string, event types.Event) int {
	return m.fanOut(m.snapshot(m.userConns, userID), event)
}

// SendToSession fans the event out to every connection attached to the
// session and returns the number of successful sends.
func (m *Manager) SendToSession(sessionID string, event types.Event) int {
	return m.fanOut(m.snapshot(m.sessionConns, sessionID), event)
}

// SendToChannel fans the event out to every subscriber of the channel
// and returns the number of successful sends.
func (m *Manager) SendToChannel(channel string, event types.Event) int {
	return m.fanOut(m.snapshot(m.channelConns, channel), event)
}

// SendToAll fans the event out to every registered connection and
// returns the number of successful sends.
func (m *Manager) SendToAll(event types.Event) int {
	return m.fanOut(m.ConnectionIDs(), event)
}

// snapshot copies the id set for a key so iteration tolerates
// concurrent removal.
func (m *Manager) snapshot(index map[string]map[string]bool, key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := index[key]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) fanOut(ids []string, event types.Event) int {
	sent := 0
	for _, id := range ids {
		m.mu.RLock()
		c, ok := m.connections[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if c.Send(event) {
			sent++
		}
	}
	return sent
}

// Subscribe applies a subscribe request for an existing connection.
// Each requested channel is re-checked against the user's permitted
// set; forbidden channels land in FailedChannels. An unknown connection
// id yields a failure response, not an error.
func (m *Manager) Subscribe(connectionID string, req types.SubscribeRequest) types.SubscribeResponse {
	if err := validate.Struct(req); err != nil {
		return types.SubscribeResponse{Success: false, Error: "malformed subscribe request"}
	}

	subscribed := make([]string, 0, len(req.Channels))
	failed := make([]string, 0)

	// The lookup happens inside the write-locked section so a concurrent
	// Disconnect cannot complete between lookup and index insertion and
	// leave a channel entry with no owning connection.
	m.mu.Lock()
	c, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		return types.SubscribeResponse{Success: false, Error: "unknown connection"}
	}
	for _, ch := range req.Channels {
		if !c.PermittedChannel(ch) {
			failed = append(failed, ch)
			continue
		}
		addIndex(m.channelConns, ch, connectionID)
		c.Subscribe(ch)
		subscribed = append(subscribed, ch)
	}
	for _, ch := range req.UnsubscribeChannels {
		dropIndex(m.channelConns, ch, connectionID)
		c.Unsubscribe(ch)
	}
	m.mu.Unlock()

	return types.SubscribeResponse{
		Success:            true,
		SubscribedChannels: subscribed,
		FailedChannels:     failed,
	}
}

// Heartbeat refreshes the liveness timestamp for a connection, for
// client-initiated pings. Unknown ids are ignored.
func (m *Manager) Heartbeat(connectionID string) {
	m.mu.RLock()
	c, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if ok {
		c.UpdateHeartbeat()
	}
}

// Stats summarizes the registry from index sizes.
func (m *Manager) Stats() types.ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.ConnectionStats{
		TotalConnections:   len(m.connections),
		UniqueUsers:        len(m.userConns),
		ActiveSessions:     len(m.sessionConns),
		SubscribedChannels: len(m.channelConns),
	}
}

// ConnectionInfo returns a state snapshot for an id. An unknown id
// yields a not-found error, the expected race when the target just
// disconnected.
func (m *Manager) ConnectionInfo(connectionID string) (ConnectionInfo, error) {
	m.mu.RLock()
	c, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("%w: connection %s", types.ErrNotFound, connectionID)
	}
	return c.Info(), nil
}

// Connection returns the wrapper for an id, or nil.
func (m *Manager) Connection(connectionID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connectionID]
}

// ConnectionIDs returns a snapshot of all registered ids.
func (m *Manager) ConnectionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// addIndex inserts id into the set for key, skipping empty keys so
// connections without a user or session never create phantom entries.
func addIndex(index map[string]map[string]bool, key, id string) {
	if key == "" {
		return
	}
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][id] = true
}

// dropIndex removes id from the set for key and prunes empty sets.
func dropIndex(index map[string]map[string]bool, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
