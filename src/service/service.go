// Package service is the high-level real-time delivery API. It ties the
// in-process connection manager to the distributed broadcaster: local
// sends go straight through the registry, remote events arrive over
// broadcaster subscriptions and are re-delivered locally, and sessions
// get their queued backlog replayed on reconnect.
package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tripsage/realtime/src/broadcaster"
	"github.com/tripsage/realtime/src/manager"
	"github.com/tripsage/realtime/src/types"
)

// replayLimit caps how many queued events are drained when a session
// reattaches.
const replayLimit = 100

// defaultHistory bounds the per-session message history ring.
const defaultHistory = 50

// Service routes events between business producers, the local
// registry, and the cross-process broadcaster.
type Service struct {
	manager     *manager.Manager
	broadcaster *broadcaster.Broadcaster
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*topicRef // session_id -> subscription refcount
	users    map[string]*topicRef // user_id -> subscription refcount
	all      *broadcaster.Subscription
	handlers map[types.EventType]Handler
	wg       sync.WaitGroup
}

// Handler processes one inbound client event.
type Handler func(connectionID string, event types.Event) error

type topicRef struct {
	sub   *broadcaster.Subscription
	count int
}

// New creates the service. Call Start to begin relaying cross-process
// events; the manager's own Start is the caller's responsibility.
func New(m *manager.Manager, b *broadcaster.Broadcaster, logger zerolog.Logger) *Service {
	s := &Service{
		manager:     m,
		broadcaster: b,
		logger:      logger.With().Str("component", "realtime-service").Logger(),
		sessions:    make(map[string]*topicRef),
		users:       make(map[string]*topicRef),
		handlers:    make(map[types.EventType]Handler),
	}
	m.OnDisconnect(s.connectionClosed)
	return s
}

// Manager returns the underlying connection manager.
func (s *Service) Manager() *manager.Manager { return s.manager }

// Broadcaster returns the underlying broadcaster.
func (s *Service) Broadcaster() *broadcaster.Broadcaster { return s.broadcaster }

// Start subscribes to the global broadcast topic. Session and user
// topics are joined lazily as connections authenticate. A missing
// backend is non-fatal: the service then runs standalone.
func (s *Service) Start() {
	sub, err := s.broadcaster.SubscribeToAll()
	if err != nil {
		s.logger.Warn().Err(err).Msg("broadcast backend unavailable, running standalone")
		return
	}
	s.mu.Lock()
	s.all = sub
	s.mu.Unlock()
	s.relay(sub, func(event types.Event) {
		s.manager.SendToAll(event)
	})
}

// Stop closes all broadcaster subscriptions.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.all != nil {
		s.all.Close()
		s.all = nil
	}
	for id, ref := range s.sessions {
		ref.sub.Close()
		delete(s.sessions, id)
	}
	for id, ref := range s.users {
		ref.sub.Close()
		delete(s.users, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("service stopped")
}

// relay pumps one subscription into the local registry until it closes.
func (s *Service) relay(sub *broadcaster.Subscription, deliver func(types.Event)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range sub.C {
			deliver(event)
		}
	}()
}

// Register authenticates a new socket, writes the auth response as the
// first frame, and on success joins the session and user topics and
// replays any queued backlog for the session to the new connection.
func (s *Service) Register(conn types.Conn, req types.AuthRequest) types.AuthResponse {
	resp := s.manager.Authenticate(conn, req)
	if !resp.Success {
		// One failure response, then the caller may close the socket.
		_ = conn.WriteJSON(resp)
		return resp
	}

	c := s.manager.Connection(resp.ConnectionID)
	if c == nil {
		return resp
	}
	c.WriteRaw(resp)
	if established, err := types.NewEvent(types.EventConnectionEstablished, map[string]any{
		"connection_id":      resp.ConnectionID,
		"available_channels": resp.AvailableChannels,
	}); err == nil {
		c.Send(established.WithRouting(resp.UserID, resp.SessionID))
	}

	s.trackUser(resp.UserID)
	if resp.SessionID != "" {
		s.trackSession(resp.SessionID)
		s.broadcaster.UpdateStats(broadcaster.StatActiveSessions, 1)
		s.replayQueued(resp.ConnectionID, resp.SessionID)
	}
	return resp
}

// replayQueued drains the session's priority queue into the freshly
// attached connection, oldest-highest-priority first.
func (s *Service) replayQueued(connectionID, sessionID string) {
	queued := s.broadcaster.GetQueuedMessages(sessionID, replayLimit)
	for _, event := range queued {
		s.manager.SendToConnection(connectionID, event)
	}
	if len(queued) > 0 {
		s.logger.Info().
			Str("session_id", sessionID).
			Int("events", len(queued)).
			Msg("replayed queued backlog")
	}
}

func (s *Service) trackSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.sessions[sessionID]; ok {
		ref.count++
		return
	}
	sub, err := s.broadcaster.SubscribeToSession(sessionID)
	if err != nil {
		return
	}
	s.sessions[sessionID] = &topicRef{sub: sub, count: 1}
	s.relay(sub, func(event types.Event) {
		s.manager.SendToSession(sessionID, event)
	})
}

func (s *Service) trackUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.users[userID]; ok {
		ref.count++
		return
	}
	sub, err := s.broadcaster.SubscribeToUser(userID)
	if err != nil {
		return
	}
	s.users[userID] = &topicRef{sub: sub, count: 1}
	s.relay(sub, func(event types.Event) {
		s.manager.SendToUser(userID, event)
	})
}

// connectionClosed releases topic subscriptions held on behalf of the
// departed connection.
func (s *Service) connectionClosed(c *manager.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.users[c.UserID]; ok {
		ref.count--
		if ref.count <= 0 {
			ref.sub.Close()
			delete(s.users, c.UserID)
		}
	}
	if c.SessionID == "" {
		return
	}
	if ref, ok := s.sessions[c.SessionID]; ok {
		ref.count--
		if ref.count <= 0 {
			ref.sub.Close()
			delete(s.sessions, c.SessionID)
		}
	}
	s.broadcaster.UpdateStats(broadcaster.StatActiveSessions, -1)
}

// RegisterHandler registers a handler for an inbound event type.
func (s *Service) RegisterHandler(t types.EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
	s.logger.Debug().Str("event_type", string(t)).Msg("handler registered")
}

// Dispatch routes an inbound client event to its registered handler.
// Events without a handler are logged and dropped; a handler error is
// logged but never propagated to the transport.
func (s *Service) Dispatch(connectionID string, event types.Event) {
	s.mu.Lock()
	h, ok := s.handlers[event.Type]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Str("event_type", string(event.Type)).Msg("no handler")
		return
	}
	if err := h(connectionID, event); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("handler error")
	}
}

// SendToUser delivers the event locally and publishes it for other
// instances. Returns the local delivery count.
func (s *Service) SendToUser(userID string, event types.Event) int {
	event = event.WithRouting(userID, event.SessionID)
	sent := s.manager.SendToUser(userID, event)
	s.broadcaster.BroadcastToUser(userID, event)
	return sent
}

// SendToSession delivers the event locally and publishes it for other
// instances. A non-nil priority additionally queues the event for
// replay should the session reconnect elsewhere.
func (s *Service) SendToSession(sessionID string, event types.Event, priority *int) int {
	event = event.WithRouting(event.UserID, sessionID)
	sent := s.manager.SendToSession(sessionID, event)
	s.broadcaster.BroadcastToSession(sessionID, event, priority)
	s.broadcaster.StoreMessageHistory(sessionID, event, defaultHistory)
	return sent
}

// SendToChannel delivers the event to local channel subscribers.
// Channel membership is a per-process index; cross-process channel
// traffic rides the global broadcast topic instead.
func (s *Service) SendToChannel(channel string, event types.Event) int {
	return s.manager.SendToChannel(channel, event)
}

// BroadcastToAll delivers the event to every local connection and
// publishes it on the global topic.
func (s *Service) BroadcastToAll(event types.Event) int {
	sent := s.manager.SendToAll(event)
	s.broadcaster.BroadcastToAll(event)
	return sent
}
