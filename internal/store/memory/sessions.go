package memory

import (
	"context"
	"sort"
	"time"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/session"
)

func cloneSession(s *session.Session) session.Session {
	out := *s
	out.EndedAt = copyTime(s.EndedAt)
	return out
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if sess.SessionID == "" {
		return errs.Validation("session", "session_id is required")
	}
	if _, taken := s.sessions[sess.SessionID]; taken {
		return errs.Conflict("session", sess.SessionID, "session id already exists")
	}
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if sess.Version == 0 {
		sess.Version = 1
	}
	cp := cloneSession(sess)
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, errs.NotFound("session", sessionID)
	}
	return cloneSession(sess), nil
}

func (s *Store) listSessions(match func(*session.Session) bool) []session.Session {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if match(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]session.Session, error) {
	return s.listSessions(func(sess *session.Session) bool { return sess.UserID == userID }), nil
}

func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]session.Session, error) {
	return s.listSessions(func(sess *session.Session) bool {
		return sess.IsActive && sess.ExpiresAt.Before(now)
	}), nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	cur, ok := s.sessions[sess.SessionID]
	if !ok {
		return errs.NotFound("session", sess.SessionID)
	}
	if cur.Version != sess.Version {
		return errs.Concurrency("session", sess.SessionID)
	}
	if !cur.IsActive && sess.IsActive {
		return errs.Conflict("session", sess.SessionID, "ended sessions cannot be resumed")
	}
	sess.Version++
	cp := cloneSession(sess)
	s.sessions[sess.SessionID] = &cp
	return nil
}
