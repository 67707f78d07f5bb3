package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warden.dev/internal/cache"
	"warden.dev/internal/keylock"
	"warden.dev/internal/obs"
)

const defaultPermissionCacheTTL = 5 * time.Minute

// Service implements the RBAC half of the engine: the permission catalog,
// roles and their grants, user-role assignment and permission resolution.
type Service struct {
	store    Store
	cache    cache.Cache
	cacheTTL time.Duration
	locks    *keylock.Locker
	now      func() time.Time
	log      zerolog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source used for validity windows and timestamps.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn == nil {
			return errors.New("auth: clock function is required")
		}
		s.now = fn
		return nil
	}
}

// WithCache enables read-through caching of resolved permission sets.
func WithCache(c cache.Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if c == nil {
			return nil
		}
		if ttl <= 0 {
			ttl = defaultPermissionCacheTTL
		}
		s.cache = c
		s.cacheTTL = ttl
		return nil
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// NewService constructs the RBAC service on top of store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	s := &Service{
		store: store,
		cache: cache.Nop{},
		locks: keylock.New(),
		now:   time.Now,
		log:   obs.Component("rbac"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func permissionCacheKey(userID string) string {
	return cache.Key("perm", userID)
}

// invalidateUser drops one user's cached permission set.
func (s *Service) invalidateUser(ctx context.Context, userID string) {
	if err := s.cache.Remove(ctx, permissionCacheKey(userID)); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache invalidation failed")
	}
}

// invalidateAll drops every cached permission set. Used when a role or
// permission change can affect many users.
func (s *Service) invalidateAll(ctx context.Context) {
	if err := s.cache.RemoveByPattern(ctx, "perm:*"); err != nil {
		s.log.Warn().Err(err).Msg("permission cache bulk invalidation failed")
	}
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
