package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"

	"warden.dev/internal/config"
	"warden.dev/internal/security"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 5, cfg.Sessions.MaxPerUser)
	require.Equal(t, 7*24*time.Hour, cfg.Sessions.TTL)
	require.Empty(t, cfg.Database.DSN)
	require.True(t, cfg.Development())
	require.Equal(t, security.DefaultRiskConfig().Weights, cfg.Risk.Policy().Weights)
	require.Equal(t, security.DefaultRiskConfig().Thresholds, cfg.Risk.Policy().Thresholds)
	require.Equal(t, []string{"tor", "vpn", "proxy", "anonymous", "hosting"}, cfg.Risk.Policy().HighRiskMarkers)
	require.Equal(t, security.DefaultDetectorConfig(), cfg.DetectorPolicy())
}

func TestOverrides(t *testing.T) {
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"WARDEN_ENV":                       "production",
		"WARDEN_HTTP_ADDR":                 ":9000",
		"WARDEN_PG_DSN":                    "postgres://warden@db/warden",
		"WARDEN_SESSION_MAX_PER_USER":      "3",
		"WARDEN_RISK_THRESHOLD_HIGH":       "90",
		"WARDEN_RISK_HIGH_RISK_MARKERS":    "tor, relay",
		"WARDEN_HTTP_CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
	}))
	require.NoError(t, err)

	require.False(t, cfg.Development())
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "postgres://warden@db/warden", cfg.Database.DSN)
	require.Equal(t, 3, cfg.Sessions.MaxPerUser)
	require.Equal(t, 90, cfg.Risk.Policy().Thresholds.High)
	require.Equal(t, []string{"tor", "relay"}, cfg.Risk.Policy().HighRiskMarkers)
	require.Len(t, cfg.Server.AllowedOrigins, 2)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	_, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"WARDEN_RISK_THRESHOLD_MEDIUM": "10",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "thresholds")
}

func TestValidateRejectsZeroSessions(t *testing.T) {
	_, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"WARDEN_SESSION_MAX_PER_USER": "0",
	}))
	require.ErrorContains(t, err, "SESSION_MAX_PER_USER")
}

func TestMalformedValue(t *testing.T) {
	_, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"WARDEN_SESSION_TTL": "forever",
	}))
	require.Error(t, err)
}

func TestAuthSecretLength(t *testing.T) {
	require.Error(t, config.AuthConfig{JWTSecret: "short"}.Validate())
	require.NoError(t, config.AuthConfig{JWTSecret: "0123456789abcdef0123456789abcdef"}.Validate())
}

func TestTrustedProxies(t *testing.T) {
	cfg, err := config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"WARDEN_HTTP_TRUSTED_PROXIES": "10.0.0.0/8,192.0.2.10",
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "192.0.2.10"}, cfg.Server.TrustedProxies)

	_, err = config.LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"WARDEN_HTTP_TRUSTED_PROXIES": "10.0.0.0/40",
	}))
	require.ErrorContains(t, err, "HTTP_TRUSTED_PROXIES")
}
