package broadcaster

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tripsage/realtime/src/types"
)

// queueSeq breaks ties between equal-priority queue entries. Members
// with the same score are ordered lexicographically by Redis, so a
// zero-padded monotonic prefix preserves insertion order.
var queueSeq atomic.Uint64

// queueMember encodes an event for the session priority queue. The
// fixed-width timestamp+sequence prefix sorts lexicographically in
// insertion order and is stripped on read.
func queueMember(event types.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%019d%05d|%s", time.Now().UnixNano(), queueSeq.Add(1)%100000, data), nil
}

func decodeQueueMember(member string) (types.Event, error) {
	var event types.Event
	_, payload, ok := strings.Cut(member, "|")
	if !ok {
		return event, fmt.Errorf("malformed queue member")
	}
	err := json.Unmarshal([]byte(payload), &event)
	return event, err
}

// QueueMessageForSession enqueues the event for later replay without
// publishing it. Lower priority scores deliver first; equal priorities
// preserve insertion order. The queue TTL is refreshed on every push so
// an active session's backlog never expires mid-conversation.
func (b *Broadcaster) QueueMessageForSession(sessionID string, event types.Event, priority int) bool {
	member, err := queueMember(event)
	if err != nil {
		b.logger.Error().Err(err).Msg("queue member encode failed")
		return false
	}
	key := b.queueKey(sessionID)

	pipe := b.client.Pipeline()
	pipe.ZAdd(b.ctx, key, redis.Z{Score: float64(priority), Member: member})
	pipe.Expire(b.ctx, key, b.cfg.QueueTTL)
	if _, err := pipe.Exec(b.ctx); err != nil {
		b.degraded("queue_message", err)
		return false
	}

	b.UpdateStats(StatMessagesQueued, 1)
	b.markSessionActive(sessionID)
	return true
}

// GetQueuedMessages pops up to limit events from the session queue in
// priority order (FIFO within equal priority). ZPOPMIN returns and
// removes the members in one command, so two concurrent drains of the
// same queue can never both observe an entry: delivery from the queue
// is at-most-once.
func (b *Broadcaster) GetQueuedMessages(sessionID string, limit int) []types.Event {
	if limit <= 0 {
		return nil
	}

	popped, err := b.client.ZPopMin(b.ctx, b.queueKey(sessionID), int64(limit)).Result()
	if err != nil {
		b.degraded("get_queued", err)
		return nil
	}
	return b.decodeQueueMembers(popped)
}

// decodeQueueMembers converts popped sorted-set members into events,
// preserving their pop order and dropping undecodable entries.
func (b *Broadcaster) decodeQueueMembers(popped []redis.Z) []types.Event {
	events := make([]types.Event, 0, len(popped))
	for _, z := range popped {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		event, err := decodeQueueMember(member)
		if err != nil {
			b.logger.Error().Err(err).Msg("dropping undecodable queue entry")
			continue
		}
		events = append(events, event)
	}
	return events
}

// StoreMessageHistory pushes the event onto the front of the session's
// bounded history list, trimming to maxHistory and refreshing the TTL.
func (b *Broadcaster) StoreMessageHistory(sessionID string, event types.Event, maxHistory int) bool {
	if maxHistory <= 0 {
		return false
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Msg("history encode failed")
		return false
	}
	key := b.historyKey(sessionID)

	pipe := b.client.Pipeline()
	pipe.LPush(b.ctx, key, data)
	pipe.LTrim(b.ctx, key, 0, int64(maxHistory-1))
	pipe.Expire(b.ctx, key, b.cfg.HistoryTTL)
	if _, err := pipe.Exec(b.ctx); err != nil {
		b.degraded("store_history", err)
		return false
	}
	return true
}

// GetMessageHistory reads the most recent limit entries without
// removing them. Newest first.
func (b *Broadcaster) GetMessageHistory(sessionID string, limit int) []types.Event {
	if limit <= 0 {
		return nil
	}
	raw, err := b.client.LRange(b.ctx, b.historyKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		b.degraded("get_history", err)
		return nil
	}
	events := make([]types.Event, 0, len(raw))
	for _, r := range raw {
		var event types.Event
		if err := json.Unmarshal([]byte(r), &event); err != nil {
			b.logger.Error().Err(err).Msg("dropping undecodable history entry")
			continue
		}
		events = append(events, event)
	}
	return events
}

// PersistEvent stores the event under its own key with a TTL,
// independent of the queue and history mechanisms.
func (b *Broadcaster) PersistEvent(sessionID string, event types.Event, ttl time.Duration) bool {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Msg("persist encode failed")
		return false
	}
	if err := b.client.Set(b.ctx, b.eventKey(sessionID, event.ID), data, ttl).Err(); err != nil {
		b.degraded("persist_event", err)
		return false
	}
	return true
}

// GetPersistedEvents scans for all durable events of a session.
func (b *Broadcaster) GetPersistedEvents(sessionID string) []types.Event {
	pattern := b.eventKey(sessionID, "*")
	var events []types.Event
	iter := b.client.Scan(b.ctx, 0, pattern, 100).Iterator()
	for iter.Next(b.ctx) {
		raw, err := b.client.Get(b.ctx, iter.Val()).Result()
		if err != nil {
			if err != redis.Nil {
				b.degraded("get_persisted", err)
			}
			continue
		}
		var event types.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := iter.Err(); err != nil {
		b.degraded("get_persisted", err)
		return nil
	}
	return events
}

// CleanupExpiredQueues deletes priority queues whose session activity
// marker has expired and returns the number removed. A maintenance
// operation; not part of the publish path.
func (b *Broadcaster) CleanupExpiredQueues() int {
	prefix := b.cfg.Prefix + "queue:"
	removed := 0
	iter := b.client.Scan(b.ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(b.ctx) {
		key := iter.Val()
		sessionID := strings.TrimPrefix(key, prefix)
		exists, err := b.client.Exists(b.ctx, b.markerKey(sessionID)).Result()
		if err != nil {
			b.degraded("cleanup_queues", err)
			return removed
		}
		if exists == 0 {
			if err := b.client.Del(b.ctx, key).Err(); err != nil {
				b.degraded("cleanup_queues", err)
				return removed
			}
			removed++
			b.logger.Debug().Str("session_id", sessionID).Msg("expired queue removed")
		}
	}
	if err := iter.Err(); err != nil {
		b.degraded("cleanup_queues", err)
	}
	return removed
}
