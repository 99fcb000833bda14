package channel

import (
	"context"
	"time"

	"github.com/relaysignal/signalman/pkg/cache"
)

// PresenceCache wraps Manager.PresenceOf with a short TTL,
// stale-while-revalidate cache so a hot presence channel polled by many
// connections doesn't recompute its snapshot on every call. Additive only:
// it never changes PresenceOf's contract (still presence-channel-only,
// still a snapshot), it only avoids recomputation under load. Grounded on
// pkg/cache/cache.go.
type PresenceCache struct {
	mgr   *Manager
	cache *cache.Cache
}

// NewPresenceCache builds a presence cache with the given TTL and
// stale-while-revalidate window.
func NewPresenceCache(mgr *Manager, ttl, swr time.Duration) *PresenceCache {
	return &PresenceCache{
		mgr: mgr,
		cache: cache.New(cache.Options{
			TTL:                  ttl,
			StaleWhileRevalidate: swr,
			MaxEntries:           4096,
		}, cache.MetricsHooks{}),
	}
}

// PresenceOf returns the (possibly cached) presence snapshot for a
// channel. Returns ok=false for non-presence channels, matching
// Manager.PresenceOf's contract.
func (p *PresenceCache) PresenceOf(ctx context.Context, channelName string) ([]PresenceMember, bool) {
	if Classify(channelName) != KindPresence {
		return nil, false
	}
	val, ok, err := p.cache.Get(ctx, channelName, func(ctx context.Context, key string) (interface{}, bool, error) {
		members, present := p.mgr.PresenceOf(key)
		if !present {
			return nil, false, nil
		}
		return members, true, nil
	})
	if err != nil || !ok {
		return nil, false
	}
	members, _ := val.([]PresenceMember)
	return members, true
}

// Invalidate drops the cached snapshot for a channel, e.g. after a
// subscribe/unsubscribe that should be reflected immediately.
func (p *PresenceCache) Invalidate(channelName string) {
	p.cache.Delete(channelName)
}
