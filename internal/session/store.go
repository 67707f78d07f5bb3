package session

import (
	"context"
	"time"
)

// Store persists sessions. Updates are versioned: a stale version fails with
// errs.ErrConcurrency and a successful update bumps it.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]Session, error)
	// ListExpiredSessions returns active sessions whose expiry is before now.
	ListExpiredSessions(ctx context.Context, now time.Time) ([]Session, error)
	UpdateSession(ctx context.Context, s *Session) error
}
