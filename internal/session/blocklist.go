package session

import (
	"context"
	"time"

	"warden.dev/internal/cache"
)

const (
	minBlockTTL = time.Minute
	maxLiveTTL  = 30 * time.Second
)

type sessionState int

const (
	stateUnknown sessionState = iota
	stateLive
	stateEnded
)

// Blocklist remembers ended sessions until their natural expiry so that tokens
// bound to them can be refused without a store read. It also keeps a short
// lived "live" marker, capped at the session's expiry, for sessions the store
// has just confirmed. Entries age out through the cache TTL; no separate sweep
// is needed.
type Blocklist struct {
	cache cache.Cache
	now   func() time.Time
}

// NewBlocklist returns nil for a nil or Nop cache.
func NewBlocklist(c cache.Cache) *Blocklist {
	if c == nil {
		return nil
	}
	if _, ok := c.(cache.Nop); ok {
		return nil
	}
	return &Blocklist{cache: c, now: time.Now}
}

func blockKey(sessionID string) string {
	return cache.Key("session", "blocked", sessionID)
}

func liveKey(sessionID string) string {
	return cache.Key("session", "live", sessionID)
}

// Block records sessionID as ended until the given time and drops its live marker.
func (b *Blocklist) Block(ctx context.Context, sessionID string, until time.Time) error {
	ttl := until.Sub(b.now())
	if ttl < minBlockTTL {
		ttl = minBlockTTL
	}
	if err := b.cache.Set(ctx, blockKey(sessionID), true, ttl); err != nil {
		return err
	}
	return b.cache.Remove(ctx, liveKey(sessionID))
}

// IsBlocked reports whether sessionID was ended.
func (b *Blocklist) IsBlocked(ctx context.Context, sessionID string) (bool, error) {
	return b.cache.Exists(ctx, blockKey(sessionID))
}

// markLive caches a confirmed live session for at most maxLiveTTL and never
// past its expiry.
func (b *Blocklist) markLive(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.now())
	if ttl > maxLiveTTL {
		ttl = maxLiveTTL
	}
	if ttl <= 0 {
		return nil
	}
	return b.cache.Set(ctx, liveKey(sessionID), true, ttl)
}

func (b *Blocklist) state(ctx context.Context, sessionID string) (sessionState, error) {
	blocked, err := b.IsBlocked(ctx, sessionID)
	if err != nil {
		return stateUnknown, err
	}
	if blocked {
		return stateEnded, nil
	}
	live, err := b.cache.Exists(ctx, liveKey(sessionID))
	if err != nil || !live {
		return stateUnknown, err
	}
	return stateLive, nil
}
