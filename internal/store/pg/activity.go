package pg

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"warden.dev/internal/audit"
	"warden.dev/internal/ids"
)

func (s *Store) AppendActivity(ctx context.Context, a *audit.Activity) error {
	if a.ID == "" {
		a.ID = ids.At(a.OccurredAt)
	}
	factors, err := json.Marshal(nonNil(a.Factors))
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_activity (id, user_id, kind, risk_score, risk_level, factors, metadata, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.UserID, a.Kind, a.RiskScore, a.RiskLevel, factors, metadata, a.OccurredAt)
	return mapErr(err, "activity", a.ID)
}

// ListActivity returns the user's activities at or after since, oldest first.
func (s *Store) ListActivity(ctx context.Context, userID string, since time.Time) ([]audit.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, kind, risk_score, risk_level, factors, metadata, occurred_at
		from security_activity
		where user_id = $1 and occurred_at >= $2
		order by occurred_at, id
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Activity
	for rows.Next() {
		var (
			a                 audit.Activity
			factors, metadata []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &a.RiskScore, &a.RiskLevel, &factors, &metadata, &a.OccurredAt); err != nil {
			return nil, err
		}
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &a.Factors); err != nil {
				return nil, err
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
