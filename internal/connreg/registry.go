// Package connreg implements the Connection Registry (C1): the exclusive
// owner of every live Connection, keyed by its opaque ID. Grounded on
// api_realtime/internal/websocket/hub.go's Hub.clients map and
// register/unregister channels, generalized from a gorilla/websocket-specific
// hub into a transport-agnostic registry.
package connreg

import (
	"sync"
	"time"

	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/pkg/logging"
)

// ChannelUnsubscriber is the narrow capability the registry needs from the
// channel manager on disconnect: remove the connection from every channel it
// had joined. Kept as an interface (rather than importing internal/channel
// directly) to avoid a registry<->channel import cycle.
type ChannelUnsubscriber interface {
	UnsubscribeAll(connID string)
}

// Registry owns every live Connection. All mutators are serialized per
// connection via the registry-wide mutex (coarse but simple — the hub.go
// grounding uses exactly this shape); reads iterate over a snapshot so they
// never block writers for long.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*conn.Connection
	channel ChannelUnsubscriber
	logger  logging.Logger
}

func New(channelMgr ChannelUnsubscriber, logger logging.Logger) *Registry {
	return &Registry{
		byID:    make(map[string]*conn.Connection),
		channel: channelMgr,
		logger:  logger,
	}
}

// Register adds a connection. Idempotent on ID: registering the same ID
// twice replaces the stored pointer without error (mirrors hub.go's
// register-channel semantics, where re-registration just overwrites the map
// entry).
func (r *Registry) Register(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID()] = c
	if r.logger != nil {
		r.logger.WithField("connection_id", c.ID()).Debug("connection registered")
	}
}

// Unregister removes a connection. It first asks the channel manager to
// remove the connection from every subscribed channel, then clears the
// connection's own metadata and channel set, then drops it from the
// registry.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	r.mu.Unlock()

	if r.channel != nil {
		r.channel.UnsubscribeAll(id)
	}
	c.Clear()
	if r.logger != nil {
		r.logger.WithField("connection_id", id).Debug("connection unregistered")
	}
}

// Lookup returns the connection for id, or nil if not registered.
func (r *Registry) Lookup(id string) *conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Iterate returns a snapshot slice of every currently registered connection.
// Reads are lock-free over this snapshot once taken.
func (r *Registry) Iterate() []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn.Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Touch updates last_activity_at for id, if registered.
func (r *Registry) Touch(id string, now time.Time) {
	if c := r.Lookup(id); c != nil {
		c.Touch(now)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IdleConnections returns the IDs of connections idle for at least threshold,
// as of now.
func (r *Registry) IdleConnections(now time.Time, threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var idle []string
	for id, c := range r.byID {
		if c.Idle(now, threshold) {
			idle = append(idle, id)
		}
	}
	return idle
}
