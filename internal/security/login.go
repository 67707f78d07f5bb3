package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"warden.dev/internal/audit"
	"warden.dev/internal/obs"
	"warden.dev/internal/session"
)

// ErrLoginBlocked is returned by LoginGate when the assessed risk is critical.
var ErrLoginBlocked = errors.New("security: login blocked")

// SessionOpener creates sessions. *session.Manager implements it.
type SessionOpener interface {
	CreateSession(ctx context.Context, in session.NewSession) (session.Session, error)
}

// LoginAttempt describes an authenticated user asking for a new session.
type LoginAttempt struct {
	UserID    string
	Device    DeviceInfo
	IPAddress string
	Location  string
	TTL       time.Duration
}

type LoginResult struct {
	Assessment RiskAssessment   `json:"assessment"`
	Session    *session.Session `json:"session,omitempty"`
}

// LoginGate runs the risk engine in front of session creation.
type LoginGate struct {
	risk     *RiskEngine
	sessions SessionOpener
	activity *audit.ActivityLog
	log      zerolog.Logger
}

func NewLoginGate(risk *RiskEngine, sessions SessionOpener, activity *audit.ActivityLog) (*LoginGate, error) {
	if risk == nil || sessions == nil {
		return nil, errors.New("security: risk engine and session opener are required")
	}
	return &LoginGate{risk: risk, sessions: sessions, activity: activity, log: obs.Component("login")}, nil
}

// BeginSession assesses the attempt and opens a session unless the attempt
// must be blocked. A blocked attempt returns the assessment together with
// ErrLoginBlocked. Attempts that only require verification are let through;
// the caller decides how to verify using Assessment.RequiresVerification.
func (g *LoginGate) BeginSession(ctx context.Context, in LoginAttempt) (LoginResult, error) {
	a, err := g.risk.AssessLoginRisk(ctx, in.UserID, in.Device, in.IPAddress, in.Location)
	if err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{Assessment: a}
	if a.ShouldBlock {
		g.log.Warn().Str("user_id", a.UserID).Int("risk_score", a.Score).Strs("factors", a.FactorCodes()).Msg("login blocked")
		if g.activity != nil {
			if _, err := g.activity.Append(ctx, audit.Activity{
				UserID:    a.UserID,
				Kind:      audit.KindLoginBlocked,
				RiskScore: a.Score,
				RiskLevel: a.Level.String(),
				Factors:   a.FactorCodes(),
				Metadata:  map[string]string{"fingerprint": a.Fingerprint},
			}); err != nil {
				g.log.Error().Err(err).Str("user_id", a.UserID).Msg("blocked login not recorded")
			}
		}
		return res, fmt.Errorf("%w: risk score %d", ErrLoginBlocked, a.Score)
	}

	s, err := g.sessions.CreateSession(ctx, session.NewSession{
		UserID:      a.UserID,
		Device:      in.Device.SessionDevice(),
		Fingerprint: a.Fingerprint,
		IPAddress:   in.IPAddress,
		Location:    in.Location,
		UserAgent:   in.Device.UserAgent,
		TTL:         in.TTL,
	})
	if err != nil {
		return res, err
	}
	res.Session = &s
	return res, nil
}
