package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden.dev/internal/cache"
	"warden.dev/internal/errs"
	"warden.dev/internal/session"
	"warden.dev/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, opts ...session.Option) (*session.Manager, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	c := cache.NewMemory(cache.WithMemoryClock(clk.Now))
	all := append([]session.Option{
		session.WithClock(clk.Now),
		session.WithBlocklist(session.NewBlocklist(c)),
	}, opts...)
	m, err := session.NewManager(memory.New(), all...)
	require.NoError(t, err)
	return m, clk
}

func open(t *testing.T, m *session.Manager, userID, device string) session.Session {
	t.Helper()
	s, err := m.CreateSession(context.Background(), session.NewSession{
		UserID:      userID,
		Device:      session.Device{Name: device, Type: "desktop"},
		Fingerprint: device,
	})
	require.NoError(t, err)
	return s
}

func currentCount(sessions []session.Session) int {
	n := 0
	for _, s := range sessions {
		if s.IsCurrent {
			n++
		}
	}
	return n
}

func TestDeviceLimitEvictsOldest(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	var opened []session.Session
	for i := 0; i < 5; i++ {
		opened = append(opened, open(t, m, "u1", fmt.Sprintf("d%d", i)))
		clk.Advance(time.Minute)
	}
	// d0 is refreshed, so d1 becomes the least recently active.
	_, err := m.UpdateLastActive(ctx, opened[0].SessionID)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	fresh := open(t, m, "u1", "d5")

	active, err := m.ActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 5)
	require.Equal(t, 1, currentCount(active))
	require.Equal(t, fresh.SessionID, active[0].SessionID)
	require.True(t, active[0].IsCurrent)

	evicted, err := m.GetSession(ctx, opened[1].SessionID)
	require.NoError(t, err)
	require.False(t, evicted.IsActive)
	require.Equal(t, session.StateDeviceLimitEvicted, evicted.State)
	require.Equal(t, "DeviceLimitEvicted", evicted.EndReason)
	require.NotNil(t, evicted.EndedAt)

	all, err := m.ListSessions(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, all, 6, "ended sessions are retained")
}

func TestConcurrentLoginsKeepInvariants(t *testing.T) {
	m, _ := newManager(t, session.WithMaxSessions(3))
	ctx := context.Background()

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.CreateSession(ctx, session.NewSession{UserID: "u1", Device: session.Device{Name: fmt.Sprint(i)}})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	active, err := m.ActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 3)
	require.Equal(t, 1, currentCount(active))
}

func TestHeartbeatRejectsEndedAndExpired(t *testing.T) {
	m, clk := newManager(t, session.WithTTL(time.Hour))
	ctx := context.Background()

	a := open(t, m, "u1", "a")
	_, err := m.Logout(ctx, a.SessionID)
	require.NoError(t, err)
	_, err = m.UpdateLastActive(ctx, a.SessionID)
	require.True(t, errs.IsConflict(err))

	b := open(t, m, "u1", "b")
	clk.Advance(2 * time.Hour)
	_, err = m.UpdateLastActive(ctx, b.SessionID)
	require.True(t, errs.IsConflict(err))
	got, err := m.GetSession(ctx, b.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StateExpired, got.State)
	require.Equal(t, "Expired", got.EndReason)
}

func TestEndSessionIsTerminalAndIdempotent(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	s := open(t, m, "u1", "a")

	ended, err := m.EndSession(ctx, s.SessionID, session.StateLoggedOut, "")
	require.NoError(t, err)
	require.Equal(t, session.ReasonLoggedOut, ended.EndReason)

	clk.Advance(time.Minute)
	again, err := m.EndSession(ctx, s.SessionID, session.StateAdminRevoked, "")
	require.NoError(t, err)
	require.Equal(t, session.StateLoggedOut, again.State, "terminal state never changes")
	require.Equal(t, ended.EndedAt, again.EndedAt)

	_, err = m.EndSession(ctx, s.SessionID, session.StateActive, "")
	require.True(t, errs.IsValidation(err))
}

func TestEndOtherSessions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	keep := open(t, m, "u1", "a")
	open(t, m, "u1", "b")
	open(t, m, "u1", "c")

	n, err := m.EndOtherSessions(ctx, "u1", keep.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	active, err := m.ActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, keep.SessionID, active[0].SessionID)
	require.True(t, active[0].IsCurrent)

	_, err = m.EndOtherSessions(ctx, "u2", keep.SessionID)
	require.True(t, errs.IsNotFound(err))
}

func TestEndAllUserSessions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	open(t, m, "u1", "a")
	open(t, m, "u1", "b")
	other := open(t, m, "u2", "c")

	n, err := m.EndAllUserSessions(ctx, "u1", session.StateAdminRevoked, "")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	active, err := m.ActiveSessions(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, other.SessionID, active[0].SessionID)
}

func TestRevokeSessionChecksOwner(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s := open(t, m, "u1", "a")

	_, err := m.RevokeSession(ctx, "u2", s.SessionID)
	require.True(t, errs.IsNotFound(err))

	revoked, err := m.RevokeSession(ctx, "u1", s.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StateAdminRevoked, revoked.State)
}

func TestExpireSessionsSweep(t *testing.T) {
	m, clk := newManager(t, session.WithTTL(time.Hour))
	ctx := context.Background()
	open(t, m, "u1", "a")
	open(t, m, "u2", "b")

	n, err := m.ExpireSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(61 * time.Minute)
	n, err = m.ExpireSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = m.ExpireSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckSessionUsesBlocklist(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s := open(t, m, "u1", "a")

	require.NoError(t, m.CheckSession(ctx, s.SessionID))
	_, err := m.Logout(ctx, s.SessionID)
	require.NoError(t, err)
	require.True(t, errs.IsConflict(m.CheckSession(ctx, s.SessionID)))
}

func TestCheckSessionWithoutBlocklist(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	m, err := session.NewManager(memory.New(), session.WithClock(clk.Now), session.WithTTL(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()
	s := open(t, m, "u1", "a")

	require.NoError(t, m.CheckSession(ctx, s.SessionID))
	clk.Advance(2 * time.Hour)
	require.True(t, errs.IsConflict(m.CheckSession(ctx, s.SessionID)))
	require.True(t, errs.IsNotFound(m.CheckSession(ctx, "missing")))
}

func TestLatestAndStats(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	latest, err := m.LatestSession(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, latest)

	a := open(t, m, "u1", "a")
	clk.Advance(time.Minute)
	b := open(t, m, "u1", "b")
	_, err = m.Logout(ctx, a.SessionID)
	require.NoError(t, err)

	latest, err = m.LatestSession(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, b.SessionID, latest.SessionID)

	st, err := m.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, st.Active)
	require.Equal(t, 1, st.Ended)
	require.Equal(t, 1, st.ByState[session.StateLoggedOut])
	require.Equal(t, 2, st.Devices)
}

func TestCheckSessionRefusesUnknownAndExpired(t *testing.T) {
	m, clk := newManager(t, session.WithTTL(time.Hour))
	ctx := context.Background()
	s := open(t, m, "u1", "a")

	require.True(t, errs.IsNotFound(m.CheckSession(ctx, "missing")))
	require.NoError(t, m.CheckSession(ctx, s.SessionID))
	require.NoError(t, m.CheckSession(ctx, s.SessionID))

	clk.Advance(2 * time.Hour)
	require.True(t, errs.IsConflict(m.CheckSession(ctx, s.SessionID)))
}

func TestNewBlocklistRejectsNop(t *testing.T) {
	require.Nil(t, session.NewBlocklist(nil))
	require.Nil(t, session.NewBlocklist(cache.Nop{}))
}
