package security

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warden.dev/internal/audit"
	"warden.dev/internal/cache"
	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/keylock"
	"warden.dev/internal/obs"
)

const (
	defaultTrustCacheTTL = 10 * time.Minute
	defaultLookupTimeout = 2 * time.Second
)

// TrustedDevice records that a user vouched for a fingerprint. Rows are
// soft-revoked and never deleted.
type TrustedDevice struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Fingerprint string     `json:"fingerprint"`
	Name        string     `json:"name,omitempty"`
	IsTrusted   bool       `json:"is_trusted"`
	TrustedAt   time.Time  `json:"trusted_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	Version     int64      `json:"version"`
}

// TrustStore persists trusted devices, unique per (user, fingerprint).
type TrustStore interface {
	FindTrustedDevice(ctx context.Context, userID, fingerprint string) (TrustedDevice, error)
	CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error
	UpdateTrustedDevice(ctx context.Context, d *TrustedDevice) error
	ListTrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error)
}

// TrustRegistry answers "is this device trusted" with a read-through cache in
// front of the store. Every failure on the read path answers false.
type TrustRegistry struct {
	store    TrustStore
	cache    cache.Cache
	cacheTTL time.Duration
	timeout  time.Duration
	activity *audit.ActivityLog
	locks    *keylock.Locker
	now      func() time.Time
	log      zerolog.Logger
}

type TrustOption func(*TrustRegistry)

// WithTrustCache enables caching of trust answers for ttl.
func WithTrustCache(c cache.Cache, ttl time.Duration) TrustOption {
	return func(r *TrustRegistry) {
		if c == nil {
			return
		}
		if ttl <= 0 {
			ttl = defaultTrustCacheTTL
		}
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithLookupTimeout bounds each store read made by IsDeviceTrusted.
func WithLookupTimeout(d time.Duration) TrustOption {
	return func(r *TrustRegistry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithTrustActivity records trust and revoke operations in the activity log.
func WithTrustActivity(l *audit.ActivityLog) TrustOption {
	return func(r *TrustRegistry) { r.activity = l }
}

func WithTrustClock(fn func() time.Time) TrustOption {
	return func(r *TrustRegistry) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewTrustRegistry(store TrustStore, opts ...TrustOption) (*TrustRegistry, error) {
	if store == nil {
		return nil, errors.New("security: trust store is required")
	}
	r := &TrustRegistry{
		store:   store,
		cache:   cache.Nop{},
		timeout: defaultLookupTimeout,
		locks:   keylock.New(),
		now:     time.Now,
		log:     obs.Component("trust"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func trustKey(userID, fingerprint string) string {
	return cache.Key("trust", userID, fingerprint)
}

func trustPattern(userID string) string {
	return cache.Key("trust", userID) + ":*"
}

func trustArgs(userID, fingerprint string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))
	if userID == "" {
		return "", "", errs.Validation("trusted device", "user_id is required")
	}
	if fingerprint == "" {
		return "", "", errs.Validation("trusted device", "fingerprint is required")
	}
	return userID, fingerprint, nil
}

// IsDeviceTrusted reports whether fingerprint is an active trusted device of
// the user. Any store failure yields false together with a security error, so
// callers that ignore the error still fail closed.
func (r *TrustRegistry) IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	userID, fingerprint, err := trustArgs(userID, fingerprint)
	if err != nil {
		return false, err
	}
	key := trustKey(userID, fingerprint)
	if trusted, ok, err := cache.Get[bool](ctx, r.cache, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("trust cache read failed, falling back to store")
	} else if ok {
		return trusted, nil
	}

	// The store read and the cache fill run under the user's lock, so a
	// revoke cannot land between them and be overwritten by a stale true.
	unlock := r.locks.Lock(userID)
	defer unlock()

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d, err := r.store.FindTrustedDevice(lookupCtx, userID, fingerprint)
	switch {
	case errs.IsNotFound(err):
		r.remember(ctx, key, false)
		return false, nil
	case err != nil:
		r.log.Error().Err(err).Str("user_id", userID).Msg("trusted device lookup failed, treating as untrusted")
		return false, errs.Security("trusted device lookup", err)
	}
	trusted := d.IsTrusted && d.RevokedAt == nil
	r.remember(ctx, key, trusted)
	return trusted, nil
}

func (r *TrustRegistry) remember(ctx context.Context, key string, trusted bool) {
	if r.cacheTTL <= 0 {
		return
	}
	if err := cache.Set(ctx, r.cache, key, trusted, r.cacheTTL); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("trust cache write failed")
	}
}

// forget drops the cached answer. A failed removal would leave a stale answer
// for up to the TTL, so the write-through value is attempted as well.
func (r *TrustRegistry) forget(ctx context.Context, key string, trusted bool) {
	if err := r.cache.Remove(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("trust cache invalidation failed")
	}
	r.remember(ctx, key, trusted)
}

// TrustDevice marks the fingerprint trusted, reactivating a revoked row when
// one exists.
func (r *TrustRegistry) TrustDevice(ctx context.Context, userID, fingerprint, name string) (TrustedDevice, error) {
	userID, fingerprint, err := trustArgs(userID, fingerprint)
	if err != nil {
		return TrustedDevice{}, err
	}
	if !ValidFingerprint(fingerprint) {
		return TrustedDevice{}, errs.Validation("trusted device", "fingerprint %q is malformed", fingerprint)
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	now := r.now().UTC()
	d, err := r.store.FindTrustedDevice(ctx, userID, fingerprint)
	switch {
	case errs.IsNotFound(err):
		d = TrustedDevice{
			ID:          ids.At(now),
			UserID:      userID,
			Fingerprint: fingerprint,
			Name:        strings.TrimSpace(name),
			IsTrusted:   true,
			TrustedAt:   now,
			Version:     1,
		}
		if err := r.store.CreateTrustedDevice(ctx, &d); err != nil {
			return TrustedDevice{}, err
		}
	case err != nil:
		return TrustedDevice{}, err
	default:
		if d.IsTrusted && d.RevokedAt == nil {
			r.forget(ctx, trustKey(userID, fingerprint), true)
			return d, nil
		}
		d.IsTrusted = true
		d.TrustedAt = now
		d.RevokedAt = nil
		if n := strings.TrimSpace(name); n != "" {
			d.Name = n
		}
		if err := r.store.UpdateTrustedDevice(ctx, &d); err != nil {
			return TrustedDevice{}, err
		}
	}
	r.forget(ctx, trustKey(userID, fingerprint), true)
	r.record(ctx, audit.KindDeviceTrusted, d)
	return d, nil
}

// RevokeTrust soft-revokes the fingerprint. Revoking a device that was never
// trusted, or is already revoked, is a no-op.
func (r *TrustRegistry) RevokeTrust(ctx context.Context, userID, fingerprint string) error {
	userID, fingerprint, err := trustArgs(userID, fingerprint)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	d, err := r.store.FindTrustedDevice(ctx, userID, fingerprint)
	if errs.IsNotFound(err) {
		r.forget(ctx, trustKey(userID, fingerprint), false)
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.revokeLocked(ctx, &d); err != nil {
		return err
	}
	r.forget(ctx, trustKey(userID, fingerprint), false)
	return nil
}

func (r *TrustRegistry) revokeLocked(ctx context.Context, d *TrustedDevice) error {
	if !d.IsTrusted && d.RevokedAt != nil {
		return nil
	}
	now := r.now().UTC()
	d.IsTrusted = false
	d.RevokedAt = &now
	if err := r.store.UpdateTrustedDevice(ctx, d); err != nil {
		return err
	}
	r.record(ctx, audit.KindDeviceRevoked, *d)
	return nil
}

// RevokeAllTrust revokes every trusted device of the user and returns how many
// rows changed.
func (r *TrustRegistry) RevokeAllTrust(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errs.Validation("trusted device", "user_id is required")
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	devices, err := r.store.ListTrustedDevices(ctx, userID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for i := range devices {
		d := devices[i]
		if !d.IsTrusted {
			continue
		}
		if err := r.revokeLocked(ctx, &d); err != nil {
			return revoked, err
		}
		revoked++
	}
	if err := r.cache.RemoveByPattern(ctx, trustPattern(userID)); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("trust cache bulk invalidation failed")
	}
	return revoked, nil
}

// ListTrustedDevices returns the user's devices, currently trusted first.
func (r *TrustRegistry) ListTrustedDevices(ctx context.Context, userID string, includeRevoked bool) ([]TrustedDevice, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("trusted device", "user_id is required")
	}
	devices, err := r.store.ListTrustedDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]TrustedDevice, 0, len(devices))
	for _, d := range devices {
		if d.IsTrusted || includeRevoked {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsTrusted != out[j].IsTrusted {
			return out[i].IsTrusted
		}
		return out[i].TrustedAt.After(out[j].TrustedAt)
	})
	return out, nil
}

func (r *TrustRegistry) record(ctx context.Context, kind string, d TrustedDevice) {
	if r.activity == nil {
		return
	}
	_, _ = r.activity.Append(ctx, audit.Activity{
		UserID:   d.UserID,
		Kind:     kind,
		Metadata: map[string]string{"fingerprint": d.Fingerprint, "device_id": d.ID},
	})
}
