package session

import (
	"context"
	"sort"
	"strings"
	"time"

	"warden.dev/internal/errs"
)

func (m *Manager) GetSession(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, errs.Validation("session", "session_id is required")
	}
	return m.store.GetSession(ctx, sessionID)
}

// ListSessions returns the user's sessions, most recently active first.
func (m *Manager) ListSessions(ctx context.Context, userID string, includeEnded bool) ([]Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("session", "user_id is required")
	}
	all, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(all))
	for _, s := range all {
		if !includeEnded && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	sortByActivity(out)
	return out, nil
}

func sortByActivity(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
}

// ActiveSessions returns the user's active, unexpired sessions.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]Session, error) {
	all, err := m.ListSessions(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := all[:0]
	for _, s := range all {
		if s.Live(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// LatestSession returns the user's most recently active session in any state,
// or nil when the user has none.
func (m *Manager) LatestSession(ctx context.Context, userID string) (*Session, error) {
	all, err := m.ListSessions(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	latest := all[0]
	return &latest, nil
}

// SessionsSince returns sessions of the user created at or after since, oldest first.
func (m *Manager) SessionsSince(ctx context.Context, userID string, since time.Time) ([]Session, error) {
	all, err := m.ListSessions(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(all))
	for _, s := range all {
		if !s.CreatedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Stats summarizes the user's sessions.
func (m *Manager) Stats(ctx context.Context, userID string) (Stats, error) {
	all, err := m.ListSessions(ctx, userID, true)
	if err != nil {
		return Stats{}, err
	}
	now := m.now()
	st := Stats{UserID: strings.TrimSpace(userID), ByState: map[State]int{}}
	devices := map[string]struct{}{}
	locations := map[string]struct{}{}
	for _, s := range all {
		if s.Live(now) {
			st.Active++
		} else if !s.IsActive {
			st.Ended++
		}
		st.ByState[s.State]++
		key := s.Fingerprint
		if key == "" {
			key = s.Device.Type + "|" + s.Device.OS + "|" + s.Device.Browser
		}
		devices[key] = struct{}{}
		if s.Location != "" {
			locations[strings.ToLower(s.Location)] = struct{}{}
		}
	}
	st.Devices = len(devices)
	st.Locations = len(locations)
	if len(all) > 0 {
		last := all[0].LastActiveAt
		st.LastActiveAt = &last
	}
	return st, nil
}
