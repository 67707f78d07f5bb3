package security_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden.dev/internal/audit"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
)

func newDetector(t *testing.T, e env) *security.Detector {
	t.Helper()
	d, err := security.NewDetector(e.sessions, e.sessions,
		security.WithDetectorClock(e.clock.Now),
		security.WithDetectorActivity(e.activity),
	)
	require.NoError(t, err)
	return d
}

func kinds(findings []security.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Kind
	}
	return out
}

func TestNoFindingsForOrdinaryUse(t *testing.T) {
	e := newEnv(t)
	d := newDetector(t, e)
	e.login(t, "u1", homeIP, "Berlin")
	e.clock.Advance(time.Hour)
	e.login(t, "u1", homeIP, "Berlin")

	findings, err := d.DetectSuspiciousActivity(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestRapidLogins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	d := newDetector(t, e)

	early := e.login(t, "u1", homeIP, "")
	e.clock.Advance(time.Hour)
	var burst []string
	for i := 0; i < 3; i++ {
		burst = append(burst, e.login(t, "u1", homeIP, "").SessionID)
		e.clock.Advance(3 * time.Minute)
	}

	findings, err := d.DetectSuspiciousActivity(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{security.FindingRapidLogins}, kinds(findings))
	require.ElementsMatch(t, burst, findings[0].SessionIDs)
	require.NotContains(t, findings[0].SessionIDs, early.SessionID)

	res, err := d.TerminateSuspiciousSessions(ctx, "u1", "")
	require.NoError(t, err)
	require.Equal(t, 3, res.Terminated)
	for _, id := range burst {
		s, err := e.sessions.GetSession(ctx, id)
		require.NoError(t, err)
		require.Equal(t, session.StateSuspiciousTerminated, s.State)
		require.Equal(t, "Suspicious activity detected", s.EndReason)
	}
	s, err := e.sessions.GetSession(ctx, early.SessionID)
	require.NoError(t, err)
	require.True(t, s.IsActive)

	events, err := e.activity.Recent(ctx, "u1", time.Time{})
	require.NoError(t, err)
	var logged []string
	for _, ev := range events {
		logged = append(logged, ev.Kind)
	}
	require.Contains(t, logged, audit.KindSuspiciousDetected)
	require.Contains(t, logged, audit.KindSessionsTerminated)
}

func TestMultipleLocations(t *testing.T) {
	e := newEnv(t)
	d := newDetector(t, e)
	for _, loc := range []string{"Berlin", "Paris", "local", "Lima"} {
		e.login(t, "u1", homeIP, loc)
		e.clock.Advance(time.Hour)
	}

	findings, err := d.DetectSuspiciousActivity(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{security.FindingMultipleLocations}, kinds(findings))
	require.Len(t, findings[0].SessionIDs, 3, "the local session is not implicated")
}

func TestConcurrentSessions(t *testing.T) {
	e := newEnv(t)
	d := newDetector(t, e)
	for i := 0; i < 5; i++ {
		e.login(t, "u1", homeIP, "")
		e.clock.Advance(time.Hour)
	}

	findings, err := d.DetectSuspiciousActivity(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{security.FindingConcurrentSessions}, kinds(findings))
	require.Len(t, findings[0].SessionIDs, 5)
}

func TestOldSessionsFallOutOfWindow(t *testing.T) {
	e := newEnv(t)
	d := newDetector(t, e)
	for i := 0; i < 3; i++ {
		e.login(t, "u1", homeIP, "")
	}
	e.clock.Advance(25 * time.Hour)

	findings, err := d.DetectSuspiciousActivity(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestDetectorPropagatesStoreErrors(t *testing.T) {
	e := newEnv(t)
	d, err := security.NewDetector(brokenSessions{}, e.sessions)
	require.NoError(t, err)
	_, err = d.DetectSuspiciousActivity(context.Background(), "u1")
	require.Error(t, err)
}

func TestLoginGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	gate, err := security.NewLoginGate(e.engine, e.sessions, e.activity)
	require.NoError(t, err)

	res, err := gate.BeginSession(ctx, security.LoginAttempt{
		UserID:    "u1",
		Device:    security.ParseUserAgent(browserUA),
		IPAddress: homeIP,
		Location:  "Berlin",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	require.Equal(t, res.Assessment.Fingerprint, res.Session.Fingerprint)
	require.Equal(t, "Chrome on Windows", res.Session.Device.Name)
	e.clock.Advance(time.Hour)

	res, err = gate.BeginSession(ctx, security.LoginAttempt{
		UserID:    "u1",
		Device:    security.ParseUserAgent("python-requests/2.31"),
		IPAddress: homeIP,
		Location:  "Tokyo",
	})
	require.ErrorIs(t, err, security.ErrLoginBlocked)
	require.Nil(t, res.Session)
	require.True(t, res.Assessment.ShouldBlock)

	active, err := e.sessions.ActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}
