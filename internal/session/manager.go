package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/keylock"
	"warden.dev/internal/obs"
)

const (
	DefaultMaxSessions = 5
	DefaultTTL         = 7 * 24 * time.Hour
)

// Manager owns session state transitions. All writes for one user run under
// that user's lock, so the device limit and the single current session hold
// under concurrent logins.
type Manager struct {
	store       Store
	locks       *keylock.Locker
	blocklist   *Blocklist
	maxSessions int
	ttl         time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// Option configures Manager.
type Option func(*Manager) error

func WithMaxSessions(n int) Option {
	return func(m *Manager) error {
		if n <= 0 {
			return errors.New("session: max sessions must be positive")
		}
		m.maxSessions = n
		return nil
	}
}

func WithTTL(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return errors.New("session: ttl must be positive")
		}
		m.ttl = d
		return nil
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn == nil {
			return errors.New("session: clock function is required")
		}
		m.now = fn
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) error {
		m.log = l
		return nil
	}
}

// WithBlocklist makes ended sessions visible to CheckSession without a store read.
func WithBlocklist(b *Blocklist) Option {
	return func(m *Manager) error {
		m.blocklist = b
		return nil
	}
}

func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	m := &Manager{
		store:       store,
		locks:       keylock.New(),
		maxSessions: DefaultMaxSessions,
		ttl:         DefaultTTL,
		now:         time.Now,
		log:         obs.Component("session"),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.blocklist != nil {
		m.blocklist.now = m.now
	}
	return m, nil
}

// MaxSessions reports the configured device limit.
func (m *Manager) MaxSessions() int { return m.maxSessions }

// CreateSession opens a new current session for the user. Expired sessions are
// closed first; if the user is still at the device limit the least recently
// active sessions are evicted to make room.
func (m *Manager) CreateSession(ctx context.Context, in NewSession) (Session, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return Session{}, errs.Validation("session", "user_id is required")
	}
	ttl := m.ttl
	if in.TTL > 0 {
		ttl = in.TTL
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	existing, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	live := make([]Session, 0, len(existing))
	for _, s := range existing {
		if !s.IsActive {
			continue
		}
		if !s.Live(now) {
			if err := m.endLocked(ctx, &s, StateExpired, ReasonExpired, now); err != nil {
				return Session{}, err
			}
			continue
		}
		live = append(live, s)
	}

	if over := len(live) - m.maxSessions + 1; over > 0 {
		sort.SliceStable(live, func(i, j int) bool {
			if !live[i].LastActiveAt.Equal(live[j].LastActiveAt) {
				return live[i].LastActiveAt.Before(live[j].LastActiveAt)
			}
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		})
		for i := 0; i < over; i++ {
			if err := m.endLocked(ctx, &live[i], StateDeviceLimitEvicted, ReasonDeviceLimit, now); err != nil {
				return Session{}, err
			}
			m.log.Info().Str("user_id", userID).Str("session_id", live[i].SessionID).Msg("session evicted by device limit")
		}
		live = live[over:]
	}

	for i := range live {
		if !live[i].IsCurrent {
			continue
		}
		live[i].IsCurrent = false
		if err := m.store.UpdateSession(ctx, &live[i]); err != nil {
			return Session{}, err
		}
	}

	s := Session{
		ID:           ids.At(now),
		SessionID:    ids.NewSessionID(),
		UserID:       userID,
		Device:       in.Device,
		Fingerprint:  in.Fingerprint,
		IPAddress:    strings.TrimSpace(in.IPAddress),
		Location:     strings.TrimSpace(in.Location),
		UserAgent:    in.UserAgent,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
		IsActive:     true,
		IsCurrent:    true,
		State:        StateActive,
		Version:      1,
	}
	if err := m.store.CreateSession(ctx, &s); err != nil {
		return Session{}, err
	}
	m.log.Info().Str("user_id", userID).Str("session_id", s.SessionID).Str("device_type", s.Device.Type).Msg("session created")
	return s, nil
}

// endLocked moves s to a terminal state. The caller holds the user's lock.
func (m *Manager) endLocked(ctx context.Context, s *Session, st State, reason string, now time.Time) error {
	if reason == "" {
		reason = DefaultReason(st)
	}
	s.IsActive = false
	s.IsCurrent = false
	s.State = st
	s.EndedAt = &now
	s.EndReason = reason
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	obs.SessionsEnded.WithLabelValues(string(st)).Inc()
	if m.blocklist != nil {
		if err := m.blocklist.Block(ctx, s.SessionID, s.ExpiresAt); err != nil {
			m.log.Warn().Err(err).Str("session_id", s.SessionID).Msg("session blocklist write failed")
		}
	}
	return nil
}

// lockSession loads sessionID, takes its owner's lock and reloads it so the
// caller sees the state as of holding the lock.
func (m *Manager) lockSession(ctx context.Context, sessionID string) (Session, func(), error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, nil, errs.Validation("session", "session_id is required")
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	unlock := m.locks.Lock(s.UserID)
	s, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		unlock()
		return Session{}, nil, err
	}
	return s, unlock, nil
}

// UpdateLastActive records a heartbeat. A session found past its expiry is
// closed as Expired instead.
func (m *Manager) UpdateLastActive(ctx context.Context, sessionID string) (Session, error) {
	s, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	now := m.now().UTC()
	if !s.IsActive {
		return s, errs.Conflict("session", sessionID, "session has ended")
	}
	if !s.Live(now) {
		if err := m.endLocked(ctx, &s, StateExpired, ReasonExpired, now); err != nil {
			return Session{}, err
		}
		return s, errs.Conflict("session", sessionID, "session has expired")
	}
	s.LastActiveAt = now
	if err := m.store.UpdateSession(ctx, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// EndSession moves one session to a terminal state. Ending an ended session
// returns it unchanged.
func (m *Manager) EndSession(ctx context.Context, sessionID string, st State, reason string) (Session, error) {
	if !st.Terminal() {
		return Session{}, errs.Validation("session", "state %q is not terminal", st)
	}
	s, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()
	if !s.IsActive {
		return s, nil
	}
	if err := m.endLocked(ctx, &s, st, reason, m.now().UTC()); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Logout ends a session on the user's own request.
func (m *Manager) Logout(ctx context.Context, sessionID string) (Session, error) {
	return m.EndSession(ctx, sessionID, StateLoggedOut, ReasonLoggedOut)
}

// RevokeSession ends a session on an administrator's request. The session must
// belong to userID.
func (m *Manager) RevokeSession(ctx context.Context, userID, sessionID string) (Session, error) {
	s, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()
	if s.UserID != strings.TrimSpace(userID) {
		return Session{}, errs.NotFound("session", sessionID)
	}
	if !s.IsActive {
		return s, nil
	}
	if err := m.endLocked(ctx, &s, StateAdminRevoked, ReasonRevoked, m.now().UTC()); err != nil {
		return Session{}, err
	}
	return s, nil
}

// EndAllUserSessions ends every active session of the user and reports how many changed.
func (m *Manager) EndAllUserSessions(ctx context.Context, userID string, st State, reason string) (int, error) {
	return m.endWhere(ctx, userID, st, reason, func(Session) bool { return true })
}

// EndOtherSessions ends every active session of the user except keepSessionID,
// which becomes the current one.
func (m *Manager) EndOtherSessions(ctx context.Context, userID, keepSessionID string) (int, error) {
	userID = strings.TrimSpace(userID)
	keep, err := m.store.GetSession(ctx, strings.TrimSpace(keepSessionID))
	if err != nil {
		return 0, err
	}
	if keep.UserID != userID {
		return 0, errs.NotFound("session", keepSessionID)
	}
	n, err := m.endWhere(ctx, userID, StateLoggedOut, ReasonLoggedOut, func(s Session) bool {
		return s.SessionID != keep.SessionID
	})
	if err != nil {
		return n, err
	}

	unlock := m.locks.Lock(userID)
	defer unlock()
	keep, err = m.store.GetSession(ctx, keep.SessionID)
	if err != nil {
		return n, err
	}
	if keep.IsActive && !keep.IsCurrent {
		keep.IsCurrent = true
		if err := m.store.UpdateSession(ctx, &keep); err != nil {
			return n, err
		}
	}
	return n, nil
}

// EndSessions ends the listed sessions of the user. Ids that are unknown,
// owned by someone else or already ended are skipped.
func (m *Manager) EndSessions(ctx context.Context, userID string, sessionIDs []string, st State, reason string) (int, error) {
	wanted := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		wanted[id] = struct{}{}
	}
	return m.endWhere(ctx, userID, st, reason, func(s Session) bool {
		_, ok := wanted[s.SessionID]
		return ok
	})
}

func (m *Manager) endWhere(ctx context.Context, userID string, st State, reason string, match func(Session) bool) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errs.Validation("session", "user_id is required")
	}
	if !st.Terminal() {
		return 0, errs.Validation("session", "state %q is not terminal", st)
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	sessions, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	ended := 0
	for _, s := range sessions {
		if !s.IsActive || !match(s) {
			continue
		}
		if err := m.endLocked(ctx, &s, st, reason, now); err != nil {
			return ended, err
		}
		ended++
	}
	if ended > 0 {
		m.log.Info().Str("user_id", userID).Str("state", string(st)).Int("ended", ended).Msg("sessions ended")
	}
	return ended, nil
}

// ExpireSessions ends active sessions whose expiry has passed. Candidates are
// re-read under their owner's lock, so runs may overlap with each other and
// with live traffic.
func (m *Manager) ExpireSessions(ctx context.Context) (int, error) {
	now := m.now().UTC()
	candidates, err := m.store.ListExpiredSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := m.expireOne(ctx, c.UserID, c.SessionID, now)
		if err != nil {
			if errs.IsConcurrency(err) || errs.IsNotFound(err) {
				continue
			}
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		obs.SweepAffected.WithLabelValues("sessions").Add(float64(expired))
		m.log.Info().Int("expired", expired).Msg("sessions expired")
	}
	return expired, nil
}

func (m *Manager) expireOne(ctx context.Context, userID, sessionID string, now time.Time) (bool, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !s.IsActive || s.Live(now) {
		return false, nil
	}
	if err := m.endLocked(ctx, &s, StateExpired, ReasonExpired, now); err != nil {
		return false, err
	}
	return true, nil
}

// CheckSession fails when sessionID has been ended, has expired or does not
// exist. The blocklist answers when it knows the session; otherwise the store
// decides and the answer is cached.
func (m *Manager) CheckSession(ctx context.Context, sessionID string) error {
	if m.blocklist != nil {
		st, err := m.blocklist.state(ctx, sessionID)
		switch {
		case err != nil:
			m.log.Warn().Err(err).Msg("session blocklist read failed, checking store")
		case st == stateEnded:
			return errs.Conflict("session", sessionID, "session has ended")
		case st == stateLive:
			return nil
		}
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	now := m.now()
	if !s.Live(now) {
		return errs.Conflict("session", sessionID, "session has ended")
	}
	if m.blocklist != nil {
		if err := m.blocklist.markLive(ctx, sessionID, s.ExpiresAt); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("session live marker write failed")
		}
	}
	return nil
}
