// Package broadcaster extends event delivery beyond a single process
// through Redis: channel pub/sub fan-out, per-session priority queues
// for clients that are briefly offline, bounded message history, and
// durable per-event persistence.
//
// Every operation degrades gracefully when the backend is unreachable:
// it logs the failure and returns an empty, false, or zero result so a
// transient Redis outage never crashes the real-time path. Callers that
// need stronger guarantees retry on their side.
package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tripsage/realtime/src/metrics"
	"github.com/tripsage/realtime/src/types"
)

// Stats counter names persisted in Redis.
const (
	StatMessagesSent   = "messages_sent"
	StatMessagesQueued = "messages_queued"
	StatActiveSessions = "active_sessions"
)

// Envelope wraps a published event with the originating instance id so
// a node can skip events it already delivered locally.
type Envelope struct {
	InstanceID string      `json:"instance_id"`
	Event      types.Event `json:"event"`
}

// Broadcaster is the distributed fan-out layer. Safe for concurrent use.
type Broadcaster struct {
	client     *redis.Client
	cfg        *RedisConfig
	instanceID string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a broadcaster over its own Redis client.
func New(cfg *RedisConfig, logger zerolog.Logger) *Broadcaster {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg, logger)
}

// NewWithClient creates a broadcaster over an existing Redis client.
func NewWithClient(client *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		client:     client,
		cfg:        cfg,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "broadcaster").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID returns this node's identity in published envelopes.
func (b *Broadcaster) InstanceID() string { return b.instanceID }

// Close stops subscriptions and releases the Redis client.
func (b *Broadcaster) Close() error {
	b.cancel()
	return b.client.Close()
}

func (b *Broadcaster) sessionTopic(sessionID string) string {
	return b.cfg.Prefix + "session:" + sessionID
}

func (b *Broadcaster) userTopic(userID string) string {
	return b.cfg.Prefix + "user:" + userID
}

func (b *Broadcaster) broadcastTopic() string {
	return b.cfg.Prefix + "broadcast"
}

func (b *Broadcaster) queueKey(sessionID string) string {
	return b.cfg.Prefix + "queue:" + sessionID
}

func (b *Broadcaster) historyKey(sessionID string) string {
	return b.cfg.Prefix + "history:" + sessionID
}

func (b *Broadcaster) markerKey(sessionID string) string {
	return b.cfg.Prefix + "session_active:" + sessionID
}

func (b *Broadcaster) eventKey(sessionID, eventID string) string {
	return b.cfg.Prefix + "event:" + sessionID + ":" + eventID
}

func (b *Broadcaster) statKey(name string) string {
	return b.cfg.Prefix + "stats:" + name
}

// degraded logs a backend failure and records it; callers return their
// zero result immediately after.
func (b *Broadcaster) degraded(op string, err error) {
	metrics.BackendErrors.Inc()
	b.logger.Warn().Err(err).Str("op", op).Msg("backend unavailable, degrading")
}

// publish marshals the envelope and publishes it to topic.
func (b *Broadcaster) publish(topic string, event types.Event) bool {
	env := Envelope{InstanceID: b.instanceID, Event: event}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Msg("envelope marshal failed")
		return false
	}
	if err := b.client.Publish(b.ctx, topic, data).Err(); err != nil {
		b.degraded("publish", err)
		return false
	}
	return true
}

// BroadcastToSession publishes the event on the session topic. The
// publish always happens; when priority is non-nil the event is also
// queued for replay and the queue TTL is refreshed. Duplicate detection
// (by a message_id payload key) only suppresses the secondary queue
// write, never the publish itself.
func (b *Broadcaster) BroadcastToSession(sessionID string, event types.Event, priority *int) bool {
	ok := b.publish(b.sessionTopic(sessionID), event)
	if ok {
		metrics.BroadcastsPublished.WithLabelValues("session").Inc()
		b.UpdateStats(StatMessagesSent, 1)
		b.markSessionActive(sessionID)
	}
	if priority != nil && !b.isDuplicate(event) {
		b.QueueMessageForSession(sessionID, event, *priority)
	}
	return ok
}

// BroadcastToUser publishes the event on the user topic. No queueing.
func (b *Broadcaster) BroadcastToUser(userID string, event types.Event) bool {
	ok := b.publish(b.userTopic(userID), event)
	if ok {
		metrics.BroadcastsPublished.WithLabelValues("user").Inc()
		b.UpdateStats(StatMessagesSent, 1)
	}
	return ok
}

// BroadcastToAll publishes the event on the global broadcast topic.
func (b *Broadcaster) BroadcastToAll(event types.Event) bool {
	ok := b.publish(b.broadcastTopic(), event)
	if ok {
		metrics.BroadcastsPublished.WithLabelValues("broadcast").Inc()
		b.UpdateStats(StatMessagesSent, 1)
	}
	return ok
}

// isDuplicate sets a short-TTL marker keyed by the caller-supplied
// message id and reports whether the marker already existed. Events
// without a message id are never considered duplicates.
func (b *Broadcaster) isDuplicate(event types.Event) bool {
	msgID, _ := event.Payload["message_id"].(string)
	if msgID == "" {
		return false
	}
	set, err := b.client.SetNX(b.ctx, b.cfg.Prefix+"dedupe:"+msgID, 1, b.cfg.DedupeTTL).Result()
	if err != nil {
		b.degraded("dedupe", err)
		return false
	}
	if !set {
		b.logger.Debug().Str("message_id", msgID).Msg("duplicate message, skipping secondary write")
	}
	return !set
}

// markSessionActive refreshes the session activity marker consulted by
// CleanupExpiredQueues.
func (b *Broadcaster) markSessionActive(sessionID string) {
	if err := b.client.Set(b.ctx, b.markerKey(sessionID), 1, b.cfg.MarkerTTL).Err(); err != nil {
		b.degraded("mark_session", err)
	}
}

// UpdateStats adjusts a named persisted counter by delta.
func (b *Broadcaster) UpdateStats(name string, delta int64) {
	if err := b.client.IncrBy(b.ctx, b.statKey(name), delta).Err(); err != nil {
		b.degraded("update_stats", err)
	}
}

// GetStats reads the persisted counters. Unset counters read as zero;
// a backend failure yields all zeros, never an error.
func (b *Broadcaster) GetStats() map[string]int64 {
	stats := map[string]int64{
		StatMessagesSent:   0,
		StatMessagesQueued: 0,
		StatActiveSessions: 0,
	}
	for name := range stats {
		val, err := b.client.Get(b.ctx, b.statKey(name)).Int64()
		if err != nil {
			if err != redis.Nil {
				b.degraded("get_stats", err)
			}
			continue
		}
		stats[name] = val
	}
	return stats
}

// Subscription is a handle for receiving events published by other
// instances. Events originating from this instance are filtered out
// before they reach C.
type Subscription struct {
	C <-chan types.Event

	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Close stops the subscription and releases its Redis resources.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

// SubscribeToSession subscribes to a session topic.
func (b *Broadcaster) SubscribeToSession(sessionID string) (*Subscription, error) {
	return b.subscribe(b.sessionTopic(sessionID))
}

// SubscribeToUser subscribes to a user topic.
func (b *Broadcaster) SubscribeToUser(userID string) (*Subscription, error) {
	return b.subscribe(b.userTopic(userID))
}

// SubscribeToAll subscribes to the global broadcast topic.
func (b *Broadcaster) SubscribeToAll() (*Subscription, error) {
	return b.subscribe(b.broadcastTopic())
}

func (b *Broadcaster) subscribe(topic string) (*Subscription, error) {
	pubsub := b.client.Subscribe(b.ctx, topic)
	if _, err := pubsub.Receive(b.ctx); err != nil {
		_ = pubsub.Close()
		b.degraded("subscribe", err)
		return nil, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}

	out := make(chan types.Event, 64)
	sub := &Subscription{C: out, pubsub: pubsub, done: make(chan struct{})}

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Error().Err(err).Msg("failed to decode broadcast envelope")
					continue
				}
				if env.InstanceID == b.instanceID {
					continue
				}
				select {
				case out <- env.Event:
				default:
					b.logger.Warn().Str("topic", topic).Msg("subscription buffer full, dropping")
				}
			case <-sub.done:
				return
			case <-b.ctx.Done():
				return
			}
		}
	}()

	b.logger.Info().Str("topic", topic).Msg("subscribed")
	return sub, nil
}

// Ping verifies backend reachability.
func (b *Broadcaster) Ping() error {
	return b.client.Ping(b.ctx).Err()
}
