package security

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warden.dev/internal/audit"
	"warden.dev/internal/errs"
	"warden.dev/internal/obs"
	"warden.dev/internal/session"
)

// Finding kinds.
const (
	FindingConcurrentSessions = "concurrent_sessions"
	FindingMultipleLocations  = "multiple_locations"
	FindingRapidLogins        = "rapid_logins"
)

// Finding is one suspicious condition and the sessions it implicates.
type Finding struct {
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	SessionIDs  []string  `json:"session_ids"`
	DetectedAt  time.Time `json:"detected_at"`
}

type DetectorConfig struct {
	Window                 time.Duration
	ConcurrentSessionLimit int
	DistinctLocations      int
	RapidLoginCount        int
	RapidLoginWindow       time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:                 24 * time.Hour,
		ConcurrentSessionLimit: 5,
		DistinctLocations:      3,
		RapidLoginCount:        3,
		RapidLoginWindow:       10 * time.Minute,
	}
}

// SessionTerminator ends a set of a user's sessions. *session.Manager implements it.
type SessionTerminator interface {
	EndSessions(ctx context.Context, userID string, sessionIDs []string, st session.State, reason string) (int, error)
}

// Detector looks for account-sharing and takeover patterns in a user's recent
// sessions.
type Detector struct {
	cfg        DetectorConfig
	sessions   SessionSource
	terminator SessionTerminator
	local      RiskConfig
	activity   *audit.ActivityLog
	now        func() time.Time
	log        zerolog.Logger
}

type DetectorOption func(*Detector)

func WithDetectorConfig(cfg DetectorConfig) DetectorOption {
	return func(d *Detector) { d.cfg = cfg }
}

// WithLocalLocations sets the locations that never count as distinct places.
func WithLocalLocations(locations []string) DetectorOption {
	return func(d *Detector) { d.local.LocalLocations = locations }
}

func WithDetectorActivity(l *audit.ActivityLog) DetectorOption {
	return func(d *Detector) { d.activity = l }
}

func WithDetectorClock(fn func() time.Time) DetectorOption {
	return func(d *Detector) {
		if fn != nil {
			d.now = fn
		}
	}
}

func NewDetector(sessions SessionSource, terminator SessionTerminator, opts ...DetectorOption) (*Detector, error) {
	if sessions == nil || terminator == nil {
		return nil, errors.New("security: session source and terminator are required")
	}
	d := &Detector{
		cfg:        DefaultDetectorConfig(),
		sessions:   sessions,
		terminator: terminator,
		local:      DefaultRiskConfig(),
		now:        time.Now,
		log:        obs.Component("detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.Window <= 0 || d.cfg.RapidLoginWindow <= 0 {
		return nil, errors.New("security: detector windows must be positive")
	}
	if d.cfg.ConcurrentSessionLimit <= 0 || d.cfg.DistinctLocations <= 0 || d.cfg.RapidLoginCount <= 0 {
		return nil, errors.New("security: detector limits must be positive")
	}
	return d, nil
}

// DetectSuspiciousActivity evaluates the user's sessions over the rolling
// window. A nil slice means nothing was found.
func (d *Detector) DetectSuspiciousActivity(ctx context.Context, userID string) ([]Finding, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("suspicious activity", "user_id is required")
	}
	now := d.now().UTC()
	since := now.Add(-d.cfg.Window)

	active, err := d.sessions.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	recent, err := d.sessions.SessionsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load recent sessions: %w", err)
	}

	inWindow := make([]session.Session, 0, len(active))
	for _, s := range active {
		if !s.LastActiveAt.Before(since) {
			inWindow = append(inWindow, s)
		}
	}

	var findings []Finding
	if len(inWindow) >= d.cfg.ConcurrentSessionLimit {
		findings = append(findings, Finding{
			Kind:        FindingConcurrentSessions,
			Description: fmt.Sprintf("%d concurrently active sessions", len(inWindow)),
			SessionIDs:  sessionIDs(inWindow),
			DetectedAt:  now,
		})
	}
	if f, ok := d.locations(inWindow, now); ok {
		findings = append(findings, f)
	}
	if f, ok := d.rapidLogins(recent, now); ok {
		findings = append(findings, f)
	}

	if len(findings) > 0 {
		kinds := make([]string, len(findings))
		for i, f := range findings {
			kinds[i] = f.Kind
		}
		d.record(ctx, audit.Activity{
			UserID:   userID,
			Kind:     audit.KindSuspiciousDetected,
			Factors:  kinds,
			Metadata: map[string]string{"sessions": strings.Join(implicated(findings), ",")},
		})
	}
	return findings, nil
}

func (d *Detector) locations(active []session.Session, now time.Time) (Finding, bool) {
	seen := map[string]struct{}{}
	var hit []session.Session
	for _, s := range active {
		if d.local.isLocal(s.Location) {
			continue
		}
		seen[strings.ToLower(strings.TrimSpace(s.Location))] = struct{}{}
		hit = append(hit, s)
	}
	if len(seen) < d.cfg.DistinctLocations {
		return Finding{}, false
	}
	return Finding{
		Kind:        FindingMultipleLocations,
		Description: fmt.Sprintf("active sessions from %d distinct locations", len(seen)),
		SessionIDs:  sessionIDs(hit),
		DetectedAt:  now,
	}, true
}

// rapidLogins slides a window over session creation times and implicates every
// session that falls inside a window holding RapidLoginCount or more logins.
func (d *Detector) rapidLogins(recent []session.Session, now time.Time) (Finding, bool) {
	sorted := append([]session.Session(nil), recent...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	flagged := make([]bool, len(sorted))
	burst := 0
	start := 0
	for end := range sorted {
		for sorted[end].CreatedAt.Sub(sorted[start].CreatedAt) > d.cfg.RapidLoginWindow {
			start++
		}
		if n := end - start + 1; n >= d.cfg.RapidLoginCount {
			for i := start; i <= end; i++ {
				flagged[i] = true
			}
			if n > burst {
				burst = n
			}
		}
	}
	if burst == 0 {
		return Finding{}, false
	}
	var hit []session.Session
	for i, s := range sorted {
		if flagged[i] {
			hit = append(hit, s)
		}
	}
	return Finding{
		Kind:        FindingRapidLogins,
		Description: fmt.Sprintf("%d logins within %s", burst, d.cfg.RapidLoginWindow),
		SessionIDs:  sessionIDs(hit),
		DetectedAt:  now,
	}, true
}

// TerminationResult reports what TerminateSuspiciousSessions did.
type TerminationResult struct {
	Findings   []Finding `json:"findings"`
	Terminated int       `json:"terminated"`
}

// TerminateSuspiciousSessions ends every session implicated by a finding.
// Sessions that already ended are left untouched.
func (d *Detector) TerminateSuspiciousSessions(ctx context.Context, userID, reason string) (TerminationResult, error) {
	findings, err := d.DetectSuspiciousActivity(ctx, userID)
	if err != nil {
		return TerminationResult{}, err
	}
	res := TerminationResult{Findings: findings}
	ids := implicated(findings)
	if len(ids) == 0 {
		return res, nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = session.ReasonSuspicious
	}
	n, err := d.terminator.EndSessions(ctx, userID, ids, session.StateSuspiciousTerminated, reason)
	res.Terminated = n
	if err != nil {
		return res, err
	}
	d.log.Warn().Str("user_id", userID).Int("terminated", n).Strs("sessions", ids).Msg("suspicious sessions terminated")
	d.record(ctx, audit.Activity{
		UserID:   userID,
		Kind:     audit.KindSessionsTerminated,
		Metadata: map[string]string{"sessions": strings.Join(ids, ","), "reason": reason, "terminated": fmt.Sprint(n)},
	})
	return res, nil
}

func (d *Detector) record(ctx context.Context, a audit.Activity) {
	if d.activity == nil {
		return
	}
	if _, err := d.activity.Append(ctx, a); err != nil {
		d.log.Error().Err(err).Str("user_id", a.UserID).Str("kind", a.Kind).Msg("activity not recorded")
	}
}

func sessionIDs(sessions []session.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.SessionID
	}
	return out
}

// implicated is the sorted union of the findings' session ids.
func implicated(findings []Finding) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range findings {
		for _, id := range f.SessionIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
