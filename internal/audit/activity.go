package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/obs"
)

// Activity kinds written by the security engine.
const (
	KindLoginAssessed      = "login_risk_assessed"
	KindLoginBlocked       = "login_blocked"
	KindSuspiciousDetected = "suspicious_activity_detected"
	KindSessionsTerminated = "suspicious_sessions_terminated"
	KindDeviceTrusted      = "device_trusted"
	KindDeviceRevoked      = "device_trust_revoked"
)

// Activity is one append-only security log record.
type Activity struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Kind       string            `json:"kind"`
	RiskScore  int               `json:"risk_score"`
	RiskLevel  string            `json:"risk_level,omitempty"`
	Factors    []string          `json:"factors,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ActivityStore persists activities. There is no update or delete.
type ActivityStore interface {
	AppendActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, userID string, since time.Time) ([]Activity, error)
}

// Publisher fans activities out to other systems.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// ActivityLog appends security activities to a store and optionally publishes
// them. Publishing is best-effort; the store write is what counts.
type ActivityLog struct {
	store     ActivityStore
	publisher Publisher
	subject   string
	now       func() time.Time
	log       zerolog.Logger
}

type ActivityOption func(*ActivityLog)

// WithPublisher publishes every appended activity under subjectPrefix.<kind>.
func WithPublisher(p Publisher, subjectPrefix string) ActivityOption {
	return func(l *ActivityLog) {
		l.publisher = p
		if subjectPrefix != "" {
			l.subject = subjectPrefix
		}
	}
}

func WithActivityClock(fn func() time.Time) ActivityOption {
	return func(l *ActivityLog) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewActivityLog(store ActivityStore, opts ...ActivityOption) (*ActivityLog, error) {
	if store == nil {
		return nil, errors.New("audit: activity store is required")
	}
	l := &ActivityLog{
		store:   store,
		subject: "warden.security",
		now:     time.Now,
		log:     obs.Component("activity"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append records a. ID and OccurredAt are filled in when empty.
func (l *ActivityLog) Append(ctx context.Context, a Activity) (Activity, error) {
	if strings.TrimSpace(a.UserID) == "" || strings.TrimSpace(a.Kind) == "" {
		return Activity{}, errs.Validation("activity", "user_id and kind are required")
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = l.now().UTC()
	}
	if a.ID == "" {
		a.ID = ids.At(a.OccurredAt)
	}
	if err := l.store.AppendActivity(ctx, &a); err != nil {
		l.log.Error().Err(err).Str("user_id", a.UserID).Str("kind", a.Kind).Msg("activity append failed")
		return Activity{}, err
	}
	l.log.Info().
		Str("user_id", a.UserID).
		Str("kind", a.Kind).
		Int("risk_score", a.RiskScore).
		Str("risk_level", a.RiskLevel).
		Strs("factors", a.Factors).
		Msg("security activity")
	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, l.subject+"."+a.Kind, a); err != nil {
			l.log.Warn().Err(err).Str("kind", a.Kind).Msg("activity publish failed")
		}
	}
	return a, nil
}

// Recent lists the user's activities at or after since, oldest first.
func (l *ActivityLog) Recent(ctx context.Context, userID string, since time.Time) ([]Activity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("activity", "user_id is required")
	}
	return l.store.ListActivity(ctx, userID, since)
}
