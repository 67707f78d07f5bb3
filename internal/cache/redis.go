package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"warden.dev/internal/obs"
)

const (
	backendRedis   = "redis"
	scanBatch      = 256
	defaultTimeout = 250 * time.Millisecond
)

// Redis is the distributed backend. Keys are namespaced with a prefix and every
// call runs through a circuit breaker, so an unreachable server turns into fast
// errors that callers treat as misses.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	log     zerolog.Logger
}

// RedisOptions tunes the backend.
type RedisOptions struct {
	Prefix string
	// Timeout bounds every round trip. Zero means 250ms.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// NewRedisClient dials addr. The connection is verified lazily by the first call.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	log := obs.Component("cache.redis")
	threshold := opts.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("cache circuit breaker state change")
		},
	})
	return &Redis{
		client:  client,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		breaker: breaker,
		log:     log,
	}, nil
}

var _ Cache = (*Redis)(nil)

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		obs.CacheOps.WithLabelValues(backendRedis, op, "error").Inc()
		return err
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	var (
		data  []byte
		found bool
	)
	err := r.do(ctx, "get", func(ctx context.Context) error {
		b, err := r.client.Get(ctx, r.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		data, found = b, true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		obs.CacheOps.WithLabelValues(backendRedis, "get", "miss").Inc()
		return false, nil
	}
	if err := decode(data, dst); err != nil {
		obs.CacheOps.WithLabelValues(backendRedis, "get", "error").Inc()
		return false, err
	}
	obs.CacheOps.WithLabelValues(backendRedis, "get", "hit").Inc()
	return true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	return r.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, r.key(key), data, ttl).Err()
	})
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return r.do(ctx, "remove", func(ctx context.Context) error {
		return r.client.Del(ctx, r.key(key)).Err()
	})
}

// RemoveByPattern walks the keyspace with SCAN and deletes matches in batches.
// It is best-effort: a failure midway leaves earlier batches deleted.
func (r *Redis) RemoveByPattern(ctx context.Context, pattern string) error {
	if err := validKey(pattern); err != nil {
		return err
	}
	match := r.key(pattern)
	var cursor uint64
	for {
		var keys []string
		err := r.do(ctx, "remove_pattern", func(ctx context.Context) error {
			var err error
			keys, cursor, err = r.client.Scan(ctx, cursor, match, scanBatch).Result()
			if err != nil || len(keys) == 0 {
				return err
			}
			return r.client.Del(ctx, keys...).Err()
		})
		if err != nil {
			return err
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	var n int64
	err := r.do(ctx, "exists", func(ctx context.Context) error {
		var err error
		n, err = r.client.Exists(ctx, r.key(key)).Result()
		return err
	})
	return n > 0, err
}

// Ping reports whether the server answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}
