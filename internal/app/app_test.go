package app_test

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"

	"warden.dev/internal/app"
	"warden.dev/internal/config"
	"warden.dev/internal/security"
	"warden.dev/internal/sweep"
)

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.LoadFrom(ctx, envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	rt, err := app.Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	require.Nil(t, rt.Postgres)
	require.Nil(t, rt.Bus)
	require.NoError(t, rt.ReadyProbe().Check(ctx))

	s, err := rt.Sweeps()
	require.NoError(t, err)
	require.Equal(t, []string{sweep.TaskCachePurge, sweep.TaskSessions, sweep.TaskUserRoles}, s.Tasks())

	_, err = rt.Auth.Bootstrap(ctx)
	require.NoError(t, err)

	res, err := rt.Login.BeginSession(ctx, security.LoginAttempt{
		UserID:    "u1",
		Device:    security.ParseUserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"),
		IPAddress: "203.0.113.9",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	require.NoError(t, rt.Sessions.CheckSession(ctx, res.Session.SessionID))
}

func TestBuildRejectsUnreachablePostgres(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.LoadFrom(ctx, envconfig.MapLookuper(map[string]string{
		"WARDEN_PG_DSN": "postgres://warden@127.0.0.1:1/warden?sslmode=disable&connect_timeout=1",
	}))
	require.NoError(t, err)

	_, err = app.Build(ctx, cfg)
	require.Error(t, err)
}
