package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"warden.dev/internal/audit"
	"warden.dev/internal/errs"
	"warden.dev/internal/obs"
	"warden.dev/internal/session"
)

// RiskLevel buckets a risk score.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"low", "medium", "high", "critical"}

func (l RiskLevel) String() string {
	if l < RiskLow || l > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
	return riskLevelNames[l]
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	if l < RiskLow || l > RiskCritical {
		return nil, fmt.Errorf("security: invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *RiskLevel) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range riskLevelNames {
		if n == name {
			*l = RiskLevel(i)
			return nil
		}
	}
	return fmt.Errorf("security: unknown risk level %q", name)
}

// Risk factor codes.
const (
	FactorUntrustedDevice    = "untrusted_device"
	FactorNewLocation        = "new_location"
	FactorNewIP              = "new_ip"
	FactorRecentActivity     = "recent_activity"
	FactorConcurrentSessions = "concurrent_sessions"
	FactorHighRiskNetwork    = "high_risk_network"
	FactorBotUserAgent       = "bot_user_agent"
	FactorHistoryUnavailable = "history_unavailable"
	FactorTrustUnavailable   = "trust_unavailable"
)

// RiskFactor is one signal that contributed to a score.
type RiskFactor struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Weight      int    `json:"weight"`
}

// RiskAssessment is computed per login attempt. It is logged to the activity
// log and never stored as its own record.
type RiskAssessment struct {
	UserID               string       `json:"user_id"`
	Score                int          `json:"risk_score"`
	Level                RiskLevel    `json:"risk_level"`
	Factors              []RiskFactor `json:"factors"`
	RecommendedActions   []string     `json:"recommended_actions"`
	RequiresVerification bool         `json:"requires_verification"`
	ShouldBlock          bool         `json:"should_block"`
	// Degraded is set when a signal could not be evaluated and the score was
	// raised to fail closed.
	Degraded    bool      `json:"degraded,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	AssessedAt  time.Time `json:"assessed_at"`
}

// FactorCodes lists the codes of the contributing factors.
func (a RiskAssessment) FactorCodes() []string {
	out := make([]string, len(a.Factors))
	for i, f := range a.Factors {
		out[i] = f.Code
	}
	return out
}

type RiskWeights struct {
	UntrustedDevice    int `json:"untrusted_device"`
	NewLocation        int `json:"new_location"`
	NewIP              int `json:"new_ip"`
	RecentActivity     int `json:"recent_activity"`
	ConcurrentSessions int `json:"concurrent_sessions"`
	HighRiskNetwork    int `json:"high_risk_network"`
	BotUserAgent       int `json:"bot_user_agent"`
}

// RiskThresholds are inclusive upper bounds: score <= Low is low, <= Medium is
// medium, <= High is high and anything above is critical.
type RiskThresholds struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// RiskConfig is the single weight and threshold table used by the engine.
type RiskConfig struct {
	Weights                RiskWeights
	Thresholds             RiskThresholds
	RecentActivityWindow   time.Duration
	ConcurrentSessionLimit int
	// HighRiskMarkers are matched case-insensitively as whole words of the
	// location and the address.
	HighRiskMarkers []string
	// BotSignatures are matched case-insensitively as substrings of the user agent.
	BotSignatures []string
	// LocalLocations never count as a location change.
	LocalLocations []string
	LookupTimeout  time.Duration
}

var defaultBotSignatures = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
	"python-urllib", "go-http-client", "httpclient", "okhttp", "headless", "phantomjs", "selenium",
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Weights: RiskWeights{
			UntrustedDevice:    20,
			NewLocation:        30,
			NewIP:              15,
			RecentActivity:     25,
			ConcurrentSessions: 20,
			HighRiskNetwork:    35,
			BotUserAgent:       40,
		},
		Thresholds:             RiskThresholds{Low: 20, Medium: 50, High: 80},
		RecentActivityWindow:   5 * time.Minute,
		ConcurrentSessionLimit: 5,
		HighRiskMarkers:        []string{"tor", "vpn", "proxy", "anonymous", "hosting"},
		BotSignatures:          append([]string(nil), defaultBotSignatures...),
		LocalLocations:         []string{"local", "localhost", "unknown"},
		LookupTimeout:          defaultLookupTimeout,
	}
}

func (c RiskConfig) Validate() error {
	w := c.Weights
	for _, v := range []int{w.UntrustedDevice, w.NewLocation, w.NewIP, w.RecentActivity, w.ConcurrentSessions, w.HighRiskNetwork, w.BotUserAgent} {
		if v < 0 {
			return errors.New("security: risk weights must not be negative")
		}
	}
	t := c.Thresholds
	if !(0 <= t.Low && t.Low < t.Medium && t.Medium < t.High && t.High < 100) {
		return fmt.Errorf("security: risk thresholds must satisfy 0 <= low < medium < high < 100, got %d/%d/%d", t.Low, t.Medium, t.High)
	}
	if c.RecentActivityWindow <= 0 {
		return errors.New("security: recent activity window must be positive")
	}
	if c.ConcurrentSessionLimit <= 0 {
		return errors.New("security: concurrent session limit must be positive")
	}
	return nil
}

// Level maps a score onto the configured bands.
func (c RiskConfig) Level(score int) RiskLevel {
	switch {
	case score <= c.Thresholds.Low:
		return RiskLow
	case score <= c.Thresholds.Medium:
		return RiskMedium
	case score <= c.Thresholds.High:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func (c RiskConfig) isLocal(location string) bool {
	loc := strings.ToLower(strings.TrimSpace(location))
	if loc == "" {
		return true
	}
	for _, l := range c.LocalLocations {
		if strings.EqualFold(loc, l) {
			return true
		}
	}
	return false
}

// IsBot reports whether the user agent is empty or matches a bot signature.
func (c RiskConfig) IsBot(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	return ua == "" || containsAny(ua, lowerAll(c.BotSignatures))
}

// highRisk matches markers on word boundaries, so "tor" flags "TOR exit" but
// not "Toronto".
func (c RiskConfig) highRisk(values ...string) bool {
	for _, v := range values {
		words := " " + strings.Join(tokenize(v), " ") + " "
		for _, m := range c.HighRiskMarkers {
			if m = strings.Join(tokenize(m), " "); m != "" && strings.Contains(words, " "+m+" ") {
				return true
			}
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TrustChecker is the trust lookup the engine consults. *TrustRegistry implements it.
type TrustChecker interface {
	IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error)
}

// SessionSource is the session history the engine and the detector read.
// *session.Manager implements it.
type SessionSource interface {
	ActiveSessions(ctx context.Context, userID string) ([]session.Session, error)
	LatestSession(ctx context.Context, userID string) (*session.Session, error)
	SessionsSince(ctx context.Context, userID string, since time.Time) ([]session.Session, error)
}

// RiskEngine scores login attempts.
type RiskEngine struct {
	cfg      RiskConfig
	trust    TrustChecker
	sessions SessionSource
	activity *audit.ActivityLog
	now      func() time.Time
	log      zerolog.Logger
}

type RiskOption func(*RiskEngine) error

func WithRiskConfig(cfg RiskConfig) RiskOption {
	return func(e *RiskEngine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithRiskActivity appends every assessment to the activity log.
func WithRiskActivity(l *audit.ActivityLog) RiskOption {
	return func(e *RiskEngine) error {
		e.activity = l
		return nil
	}
}

func WithRiskClock(fn func() time.Time) RiskOption {
	return func(e *RiskEngine) error {
		if fn == nil {
			return errors.New("security: clock function is required")
		}
		e.now = fn
		return nil
	}
}

func NewRiskEngine(trust TrustChecker, sessions SessionSource, opts ...RiskOption) (*RiskEngine, error) {
	if trust == nil || sessions == nil {
		return nil, errors.New("security: trust checker and session source are required")
	}
	e := &RiskEngine{
		cfg:      DefaultRiskConfig(),
		trust:    trust,
		sessions: sessions,
		now:      time.Now,
		log:      obs.Component("risk"),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Config returns the active weight and threshold table.
func (e *RiskEngine) Config() RiskConfig { return e.cfg }

// AssessLoginRisk scores a login attempt by userID from the described device.
// Lookups that fail never lower the score: an unreadable trust registry counts
// as an untrusted device, and unreadable session history raises the score to
// at least the medium band.
func (e *RiskEngine) AssessLoginRisk(ctx context.Context, userID string, info DeviceInfo, ip, location string) (RiskAssessment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RiskAssessment{}, errs.Validation("risk assessment", "user_id is required")
	}
	ctx, span := obs.Tracer().Start(ctx, "security.AssessLoginRisk")
	defer span.End()

	now := e.now().UTC()
	a := RiskAssessment{
		UserID:      userID,
		Fingerprint: Fingerprint(info, ip),
		AssessedAt:  now,
	}
	w := e.cfg.Weights
	add := func(code, desc string, weight int) {
		a.Factors = append(a.Factors, RiskFactor{Code: code, Description: desc, Weight: weight})
		a.Score += weight
	}

	lookupCtx := ctx
	if e.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, e.cfg.LookupTimeout)
		defer cancel()
	}

	trustOK := true
	trusted, err := e.trust.IsDeviceTrusted(lookupCtx, userID, a.Fingerprint)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", userID).Msg("trust lookup failed, device counted as untrusted")
		trustOK = false
		trusted = false
	}
	if !trusted {
		add(FactorUntrustedDevice, "device is not in the trusted device registry", w.UntrustedDevice)
	}

	historyOK := true
	latest, err := e.sessions.LatestSession(lookupCtx, userID)
	if err != nil {
		historyOK = false
		e.log.Warn().Err(err).Str("user_id", userID).Msg("latest session lookup failed")
	} else if latest != nil {
		if !e.cfg.isLocal(location) && !e.cfg.isLocal(latest.Location) &&
			!strings.EqualFold(strings.TrimSpace(location), strings.TrimSpace(latest.Location)) {
			add(FactorNewLocation, fmt.Sprintf("location %q differs from last session location %q", location, latest.Location), w.NewLocation)
		}
		if ip != "" && latest.IPAddress != "" && ip != latest.IPAddress {
			add(FactorNewIP, "address differs from last session address", w.NewIP)
		}
		if since := now.Sub(latest.LastActiveAt); since >= 0 && since <= e.cfg.RecentActivityWindow {
			add(FactorRecentActivity, fmt.Sprintf("last session active %s ago", since.Round(time.Second)), w.RecentActivity)
		}
	}

	active, err := e.sessions.ActiveSessions(lookupCtx, userID)
	if err != nil {
		historyOK = false
		e.log.Warn().Err(err).Str("user_id", userID).Msg("active session lookup failed")
	} else if len(active) >= e.cfg.ConcurrentSessionLimit {
		add(FactorConcurrentSessions, fmt.Sprintf("%d active sessions", len(active)), w.ConcurrentSessions)
	}

	if e.cfg.highRisk(location, ip) {
		add(FactorHighRiskNetwork, "location or address matches a high-risk network marker", w.HighRiskNetwork)
	}
	if e.cfg.IsBot(info.UserAgent) {
		add(FactorBotUserAgent, "user agent matches an automated client signature", w.BotUserAgent)
	}

	if a.Score > 100 {
		a.Score = 100
	}
	if !trustOK || !historyOK {
		a.Degraded = true
		if floor := e.cfg.Thresholds.Low + 1; a.Score < floor {
			code, desc := FactorHistoryUnavailable, "session history unavailable"
			if !trustOK {
				code, desc = FactorTrustUnavailable, "trusted device registry unavailable"
			}
			a.Factors = append(a.Factors, RiskFactor{Code: code, Description: desc, Weight: floor - a.Score})
			a.Score = floor
		}
	}

	a.Level = e.cfg.Level(a.Score)
	a.RequiresVerification = a.Level >= RiskMedium
	a.ShouldBlock = a.Level >= RiskCritical
	a.RecommendedActions = recommendedActions(a)

	obs.RiskAssessments.WithLabelValues(a.Level.String()).Inc()
	obs.RiskScore.Observe(float64(a.Score))
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int("risk.score", a.Score),
		attribute.String("risk.level", a.Level.String()),
		attribute.Bool("risk.degraded", a.Degraded),
	)
	if a.Degraded {
		span.SetStatus(codes.Error, "risk signals degraded")
	}

	e.record(ctx, a, ip, location)
	return a, nil
}

func (e *RiskEngine) record(ctx context.Context, a RiskAssessment, ip, location string) {
	if e.activity == nil {
		return
	}
	_, err := e.activity.Append(ctx, audit.Activity{
		UserID:     a.UserID,
		Kind:       audit.KindLoginAssessed,
		RiskScore:  a.Score,
		RiskLevel:  a.Level.String(),
		Factors:    a.FactorCodes(),
		OccurredAt: a.AssessedAt,
		Metadata: map[string]string{
			"fingerprint": a.Fingerprint,
			"ip_digest":   IPDigest(ip),
			"location":    location,
			"degraded":    fmt.Sprint(a.Degraded),
		},
	})
	if err != nil {
		e.log.Error().Err(err).Str("user_id", a.UserID).Msg("risk assessment not recorded")
	}
}

func recommendedActions(a RiskAssessment) []string {
	var out []string
	for _, f := range a.Factors {
		switch f.Code {
		case FactorUntrustedDevice:
			out = append(out, "verify_device")
		case FactorConcurrentSessions:
			out = append(out, "review_active_sessions")
		case FactorNewLocation, FactorHighRiskNetwork:
			out = append(out, "notify_user")
		}
	}
	switch a.Level {
	case RiskMedium:
		out = append(out, "require_mfa")
	case RiskHigh:
		out = append(out, "require_mfa", "notify_user")
	case RiskCritical:
		out = append(out, "block_login", "notify_user", "require_password_reset")
	}
	seen := make(map[string]struct{}, len(out))
	actions := make([]string, 0, len(out))
	for _, s := range out {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		actions = append(actions, s)
	}
	return actions
}
