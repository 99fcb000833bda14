// Package channel implements the Channel Manager (C2), the Channel Router
// (C3), and the presence snapshot cache (§4.11). Grounded on
// api_realtime/internal/websocket/hub.go's broadcast/tenant-scoping logic,
// generalized from ad hoc tenant checks into the public/private/presence
// classification spec.md §3 describes.
package channel

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/internal/message"
	"github.com/relaysignal/signalman/pkg/logging"
)

// Kind classifies a channel purely from its name.
type Kind string

const (
	KindPublic   Kind = "public"
	KindPrivate  Kind = "private"
	KindPresence Kind = "presence"
)

// Classify infers a channel's Kind from its name prefix:
// "private-"|"private."|"user." => private; "presence-"|"presence." =>
// presence; everything else => public.
func Classify(name string) Kind {
	switch {
	case strings.HasPrefix(name, "presence-"), strings.HasPrefix(name, "presence."):
		return KindPresence
	case strings.HasPrefix(name, "private-"), strings.HasPrefix(name, "private."), strings.HasPrefix(name, "user."):
		return KindPrivate
	default:
		return KindPublic
	}
}

// broadcastBatchSize is the fixed fan-out batch size spec.md §4.2 requires.
const broadcastBatchSize = 100

// PresenceMember is one entry of a presence channel's snapshot.
type PresenceMember struct {
	UserID      string
	UserInfo    map[string]string
	ConnectedAt time.Time
}

// Sender delivers a message to a single connection. Implementations are
// transport-specific (e.g. a websocket write); the channel manager never
// assumes a particular transport.
type Sender interface {
	Send(c *conn.Connection, msg *message.Message) error
}

type channelState struct {
	mu          sync.Mutex
	kind        Kind
	subscribers map[string]*conn.Connection // connID -> connection
}

// Manager owns per-channel subscriber sets. It never owns Connections
// themselves (the registry does) — only non-owning references keyed by ID,
// per spec.md §3's Ownership invariant.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*channelState
	// membership is the reverse index connID -> set of channel names, used
	// by UnsubscribeAll so the registry doesn't need to hand back a
	// Connection's own channel list on disconnect.
	membership map[string]map[string]struct{}
	sender     Sender
	logger     logging.Logger
}

func NewManager(sender Sender, logger logging.Logger) *Manager {
	return &Manager{
		channels:   make(map[string]*channelState),
		membership: make(map[string]map[string]struct{}),
		sender:     sender,
		logger:     logger,
	}
}

func (m *Manager) stateFor(name string) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.channels[name]
	if !ok {
		cs = &channelState{kind: Classify(name), subscribers: make(map[string]*conn.Connection)}
		m.channels[name] = cs
	}
	return cs
}

// Subscribe adds c to channel's subscriber set. Idempotent: subscribing
// twice is a no-op the second time. Guarded by the channel's own critical
// section so duplicate subscriptions under concurrent callers are
// impossible.
func (m *Manager) Subscribe(channelName string, c *conn.Connection) {
	cs := m.stateFor(channelName)
	cs.mu.Lock()
	_, already := cs.subscribers[c.ID()]
	if !already {
		cs.subscribers[c.ID()] = c
	}
	cs.mu.Unlock()
	if already {
		return
	}

	c.AddChannel(channelName)

	m.mu.Lock()
	set, ok := m.membership[c.ID()]
	if !ok {
		set = make(map[string]struct{})
		m.membership[c.ID()] = set
	}
	set[channelName] = struct{}{}
	m.mu.Unlock()
}

// Unsubscribe removes c from channel's subscriber set.
func (m *Manager) Unsubscribe(channelName string, c *conn.Connection) {
	m.mu.RLock()
	cs, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	delete(cs.subscribers, c.ID())
	cs.mu.Unlock()

	c.RemoveChannel(channelName)

	m.mu.Lock()
	if set, ok := m.membership[c.ID()]; ok {
		delete(set, channelName)
		if len(set) == 0 {
			delete(m.membership, c.ID())
		}
	}
	m.mu.Unlock()
}

// UnsubscribeAll removes connID from every channel it belongs to. Called by
// the connection registry on disconnect, before the connection itself is
// cleared.
func (m *Manager) UnsubscribeAll(connID string) {
	m.mu.Lock()
	set, ok := m.membership[connID]
	var names []string
	if ok {
		names = make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
	}
	delete(m.membership, connID)
	m.mu.Unlock()

	for _, name := range names {
		m.mu.RLock()
		cs, ok := m.channels[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		cs.mu.Lock()
		delete(cs.subscribers, connID)
		cs.mu.Unlock()
	}
}

// Broadcast sends msg to every subscriber of channelName except the
// optional excluded connection ID. It takes a snapshot of the subscriber
// set first (so concurrent subscribe/unsubscribe never mutates mid-
// iteration), then delivers in batches of 100, yielding cooperatively
// between batches. Individual send failures are logged and never abort the
// broadcast.
func (m *Manager) Broadcast(channelName string, msg *message.Message, except string) {
	m.mu.RLock()
	cs, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return // 0 subscribers is a no-op
	}

	cs.mu.Lock()
	snapshot := make([]*conn.Connection, 0, len(cs.subscribers))
	for id, c := range cs.subscribers {
		if id == except {
			continue
		}
		snapshot = append(snapshot, c)
	}
	cs.mu.Unlock()

	if m.sender == nil {
		return
	}

	for i := 0; i < len(snapshot); i += broadcastBatchSize {
		end := i + broadcastBatchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		for _, c := range snapshot[i:end] {
			if err := m.sender.Send(c, msg); err != nil && m.logger != nil {
				m.logger.WithError(err).WithField("connection_id", c.ID()).
					WithField("channel", channelName).Warn("broadcast send failed")
			}
		}
		if end < len(snapshot) {
			// Yield cooperatively between batches so a large broadcast
			// doesn't starve other work on this goroutine's scheduler.
			runtime.Gosched()
		}
	}
}

// PresenceOf returns the presence snapshot for a presence channel: for each
// authenticated subscriber, {user_id, user_info, connected_at}. Defined
// only on presence channels; returns nil, false otherwise.
func (m *Manager) PresenceOf(channelName string) ([]PresenceMember, bool) {
	if Classify(channelName) != KindPresence {
		return nil, false
	}
	m.mu.RLock()
	cs, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return []PresenceMember{}, true
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	members := make([]PresenceMember, 0, len(cs.subscribers))
	for _, c := range cs.subscribers {
		id := c.Identity()
		if !id.Authenticated() {
			continue
		}
		members = append(members, PresenceMember{
			UserID:      id.UserID,
			UserInfo:    c.Metadata(),
			ConnectedAt: c.ConnectedAt(),
		})
	}
	return members, true
}

// SubscriberCount reports the current subscriber count of a channel, mostly
// for metrics and channel:list tooling.
func (m *Manager) SubscriberCount(channelName string) int {
	m.mu.RLock()
	cs, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.subscribers)
}
