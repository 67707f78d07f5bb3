package memory

import (
	"context"
	"time"

	"warden.dev/internal/audit"
	"warden.dev/internal/ids"
)

func (s *Store) AppendActivity(ctx context.Context, a *audit.Activity) error {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	if a.ID == "" {
		a.ID = ids.At(a.OccurredAt)
	}
	cp := *a
	cp.Factors = append([]string(nil), a.Factors...)
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.activity = append(s.activity, cp)
	return nil
}

// ListActivity returns the user's activities at or after since in append order.
func (s *Store) ListActivity(ctx context.Context, userID string, since time.Time) ([]audit.Activity, error) {
	s.activityMu.RLock()
	defer s.activityMu.RUnlock()
	var out []audit.Activity
	for _, a := range s.activity {
		if a.UserID == userID && !a.OccurredAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}
