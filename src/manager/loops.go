package manager

import (
	"time"

	"github.com/tripsage/realtime/src/metrics"
	"github.com/tripsage/realtime/src/types"
)

// loopBackoff is slept after a panicking loop iteration before the
// next tick is honored, so a persistent bug cannot spin the loop hot.
const loopBackoff = 5 * time.Second

// Start launches the cleanup and heartbeat loops. Calling Start on a
// running manager is a no-op.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.wg.Add(2)
	go m.runLoop("cleanup", m.opts.CleanupInterval, m.cleanupPass)
	go m.runLoop("heartbeat", m.opts.HeartbeatInterval, m.heartbeatPass)
	m.logger.Info().
		Dur("cleanup_interval", m.opts.CleanupInterval).
		Dur("heartbeat_interval", m.opts.HeartbeatInterval).
		Dur("stale_timeout", m.opts.StaleTimeout).
		Msg("manager started")
}

// Stop halts the loops and disconnects every registered connection.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.runMu.Unlock()

	m.wg.Wait()
	for _, id := range m.ConnectionIDs() {
		m.Disconnect(id)
	}
	m.logger.Info().Msg("manager stopped")
}

// runLoop drives one maintenance pass per tick. Each iteration runs in
// its own failure boundary: a panic is caught, logged, and followed by
// a backoff sleep, so one bad pass can never kill the loop and starve
// connections of heartbeats or stale cleanup.
func (m *Manager) runLoop(name string, interval time.Duration, pass func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.guardedPass(name, pass)
		}
	}
}

func (m *Manager) guardedPass(name string, pass func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("loop", name).
				Any("panic", r).
				Msg("maintenance pass failed, continuing after backoff")
			select {
			case <-m.done:
			case <-time.After(loopBackoff):
			}
		}
	}()
	pass()
}

// cleanupPass disconnects every connection whose last heartbeat is
// older than the stale timeout. The id set is snapshotted first so the
// scan never holds the registry lock across sends.
func (m *Manager) cleanupPass() {
	var stale []string
	for _, id := range m.ConnectionIDs() {
		c := m.Connection(id)
		if c == nil {
			continue
		}
		if c.Status() == types.StatusError || c.IsStale(m.opts.StaleTimeout) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.logger.Info().Str("connection_id", id).Msg("evicting stale connection")
		metrics.StaleEvictions.Inc()
		m.Disconnect(id)
	}
}

// heartbeatPass sends a heartbeat event to every connection. A failed
// send flips that connection to the error state like any other send
// failure and never aborts the pass for the rest.
func (m *Manager) heartbeatPass() {
	for _, id := range m.ConnectionIDs() {
		c := m.Connection(id)
		if c == nil {
			continue
		}
		beat, err := types.NewEvent(types.EventConnectionHeartbeat, map[string]any{
			"connection_id": id,
		})
		if err != nil {
			continue
		}
		if c.Send(beat.WithRouting(c.UserID, c.SessionID)) {
			c.UpdateHeartbeat()
		}
	}
}
