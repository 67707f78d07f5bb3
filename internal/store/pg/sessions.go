package pg

import (
	"context"
	"database/sql"
	"time"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/session"
)

const sessionColumns = `id, session_id, user_id, device_name, device_type, device_os, device_browser,
	fingerprint, ip_address, location, user_agent, created_at, last_active_at, expires_at,
	is_active, is_current, state, ended_at, end_reason, version`

func scanSession(row scanner) (session.Session, error) {
	var (
		s     session.Session
		state string
		ended sql.NullTime
	)
	err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.Device.Name, &s.Device.Type, &s.Device.OS, &s.Device.Browser,
		&s.Fingerprint, &s.IPAddress, &s.Location, &s.UserAgent, &s.CreatedAt, &s.LastActiveAt, &s.ExpiresAt,
		&s.IsActive, &s.IsCurrent, &state, &ended, &s.EndReason, &s.Version)
	s.State = session.State(state)
	s.EndedAt = timeOrNil(ended)
	return s, err
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if sess.SessionID == "" {
		return errs.Validation("session", "session_id is required")
	}
	if sess.ID == "" {
		sess.ID = ids.At(sess.CreatedAt)
	}
	if sess.Version == 0 {
		sess.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, sess.ID, sess.SessionID, sess.UserID, sess.Device.Name, sess.Device.Type, sess.Device.OS, sess.Device.Browser,
		sess.Fingerprint, sess.IPAddress, sess.Location, sess.UserAgent, sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt,
		sess.IsActive, sess.IsCurrent, string(sess.State), nullTime(sess.EndedAt), sess.EndReason, sess.Version)
	return mapErr(err, "session", sess.SessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		select `+sessionColumns+` from user_sessions where session_id = $1
	`, sessionID))
	return sess, mapErr(err, "session", sessionID)
}

func (s *Store) listSessions(ctx context.Context, where string, arg any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from user_sessions where `+where+` order by id
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]session.Session, error) {
	return s.listSessions(ctx, `user_id = $1`, userID)
}

func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]session.Session, error) {
	return s.listSessions(ctx, `is_active and expires_at < $1`, now)
}

// UpdateSession writes the mutable session columns. An ended row is never
// flipped back to active; the guard lives in the where clause so a racing
// writer cannot slip past it.
func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	res, err := s.db.ExecContext(ctx, `
		update user_sessions
		set last_active_at = $3, expires_at = $4, is_active = $5, is_current = $6,
			state = $7, ended_at = $8, end_reason = $9, version = version + 1
		where session_id = $1 and version = $2 and (is_active or not $5)
	`, sess.SessionID, sess.Version, sess.LastActiveAt, sess.ExpiresAt, sess.IsActive, sess.IsCurrent,
		string(sess.State), nullTime(sess.EndedAt), sess.EndReason)
	if err != nil {
		return mapErr(err, "session", sess.SessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := s.GetSession(ctx, sess.SessionID)
		if err != nil {
			return err
		}
		if cur.Version == sess.Version && !cur.IsActive && sess.IsActive {
			return errs.Conflict("session", sess.SessionID, "ended sessions cannot be resumed")
		}
		return errs.Concurrency("session", sess.SessionID)
	}
	sess.Version++
	return nil
}
