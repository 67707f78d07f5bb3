// Package cache is the key-value façade used to avoid re-deriving trust and
// permission state on every call. The store stays authoritative: callers treat
// every cache error as a miss.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"warden.dev/internal/obs"
)

// ErrInvalidKey is returned for empty keys or patterns.
var ErrInvalidKey = errors.New("cache: invalid key")

// Cache is the contract every backend satisfies. Values are JSON encoded so
// that memory and redis backends behave the same for callers.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	// RemoveByPattern deletes every key matching a glob (`*`, `?`, `[...]`).
	RemoveByPattern(ctx context.Context, pattern string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Get decodes the value stored under key into a T.
func Get[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var v T
	ok, err := c.Get(ctx, key, &v)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Set stores value under key for ttl.
func Set[T any](ctx context.Context, c Cache, key string, value T, ttl time.Duration) error {
	return c.Set(ctx, key, value, ttl)
}

// GetOrSet returns the cached value for key or computes it with factory and
// stores it. Cache failures are logged and bypassed; factory errors are returned
// and nothing is stored.
func GetOrSet[T any](ctx context.Context, c Cache, key string, ttl time.Duration, factory func(context.Context) (T, error)) (T, error) {
	if c != nil {
		v, ok, err := Get[T](ctx, c, key)
		if err != nil {
			l := obs.Component("cache")
			l.Warn().Err(err).Str("key", key).Msg("cache read failed, falling back to source")
		} else if ok {
			return v, nil
		}
	}
	v, err := factory(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if c != nil && ttl > 0 {
		if err := c.Set(ctx, key, v, ttl); err != nil {
			l := obs.Component("cache")
			l.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return v, nil
}

// Key joins parts with ':' after percent-encoding the separator, glob
// metacharacters and '%' itself. Distinct parts always give distinct keys, and
// user supplied fragments can never widen a RemoveByPattern call.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyEscaper.Replace(p)
	}
	return strings.Join(escaped, ":")
}

var keyEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	"\\", "%5C",
	"/", "%2F",
)

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

// Nop never stores anything. It lets services run without a cache.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Nop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Remove(context.Context, string) error { return nil }
func (Nop) RemoveByPattern(context.Context, string) error { return nil }
func (Nop) Exists(context.Context, string) (bool, error) { return false, nil }
