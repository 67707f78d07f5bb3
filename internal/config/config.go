// Package config loads warden settings from the environment. Every variable is
// prefixed with WARDEN_; an optional .env file is read first.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"warden.dev/internal/security"
	"warden.dev/internal/sweep"
)

const envPrefix = "WARDEN_"

type Config struct {
	Env      string         `env:"ENV,default=development"`
	Log      LogConfig      `env:",prefix=LOG_"`
	Server   ServerConfig   `env:",prefix=HTTP_"`
	Database DatabaseConfig `env:",prefix=PG_"`
	Redis    RedisConfig    `env:",prefix=REDIS_"`
	NATS     NATSConfig     `env:",prefix=NATS_"`
	OTel     OTelConfig     `env:",prefix=OTEL_"`
	Auth     AuthConfig     `env:",prefix=AUTH_"`
	Sessions SessionConfig  `env:",prefix=SESSION_"`
	Cache    CacheConfig    `env:",prefix=CACHE_"`
	Risk     RiskConfig     `env:",prefix=RISK_"`
	Detector DetectorConfig `env:",prefix=DETECT_"`
	Sweep    SweepConfig    `env:",prefix=SWEEP_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL,default=info"`
	Format string `env:"FORMAT,default=json"`
}

type ServerConfig struct {
	Addr            string        `env:"ADDR,default=:8080"`
	GRPCAddr        string        `env:"GRPC_ADDR,default=:9090"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	RateLimit       float64       `env:"RATE_LIMIT,default=20"`
	RateBurst       int           `env:"RATE_BURST,default=40"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES,default=1048576"`
	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig points at postgres. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN             string        `env:"DSN"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS,default=50"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS,default=25"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME,default=15m"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME,default=5m"`
	MigrateOnStart  bool          `env:"MIGRATE_ON_START,default=false"`
}

// RedisConfig enables the shared cache. An empty address keeps caching in process.
type RedisConfig struct {
	Addr             string        `env:"ADDR"`
	Password         string        `env:"PASSWORD"`
	DB               int           `env:"DB,default=0"`
	Prefix           string        `env:"PREFIX,default=warden"`
	Timeout          time.Duration `env:"TIMEOUT,default=250ms"`
	FailureThreshold uint32        `env:"FAILURE_THRESHOLD,default=5"`
	OpenTimeout      time.Duration `env:"OPEN_TIMEOUT,default=30s"`
}

// NATSConfig enables activity publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `env:"URL"`
	SubjectPrefix string `env:"SUBJECT_PREFIX,default=warden.security"`
}

type OTelConfig struct {
	Endpoint    string `env:"EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME,default=warden"`
}

// AuthConfig verifies bearer tokens minted elsewhere. The API refuses to start
// without a secret.
type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	Issuer    string        `env:"JWT_ISSUER"`
	Audience  string        `env:"JWT_AUDIENCE"`
	Leeway    time.Duration `env:"JWT_LEEWAY,default=30s"`
}

func (a AuthConfig) Validate() error {
	if len(a.JWTSecret) < 32 {
		return errors.New("config: WARDEN_AUTH_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

type SessionConfig struct {
	MaxPerUser int           `env:"MAX_PER_USER,default=5"`
	TTL        time.Duration `env:"TTL,default=168h"`
}

type CacheConfig struct {
	PermissionTTL time.Duration `env:"PERMISSION_TTL,default=5m"`
	TrustTTL      time.Duration `env:"TRUST_TTL,default=10m"`
}

type RiskConfig struct {
	WeightUntrustedDevice    int           `env:"WEIGHT_UNTRUSTED_DEVICE,default=20"`
	WeightNewLocation        int           `env:"WEIGHT_NEW_LOCATION,default=30"`
	WeightNewIP              int           `env:"WEIGHT_NEW_IP,default=15"`
	WeightRecentActivity     int           `env:"WEIGHT_RECENT_ACTIVITY,default=25"`
	WeightConcurrentSessions int           `env:"WEIGHT_CONCURRENT_SESSIONS,default=20"`
	WeightHighRiskNetwork    int           `env:"WEIGHT_HIGH_RISK_NETWORK,default=35"`
	WeightBotUserAgent       int           `env:"WEIGHT_BOT_USER_AGENT,default=40"`
	ThresholdLow             int           `env:"THRESHOLD_LOW,default=20"`
	ThresholdMedium          int           `env:"THRESHOLD_MEDIUM,default=50"`
	ThresholdHigh            int           `env:"THRESHOLD_HIGH,default=80"`
	RecentActivityWindow     time.Duration `env:"RECENT_ACTIVITY_WINDOW,default=5m"`
	ConcurrentSessionLimit   int           `env:"CONCURRENT_SESSION_LIMIT,default=5"`
	HighRiskMarkers          []string      `env:"HIGH_RISK_MARKERS,default=tor,vpn,proxy,anonymous,hosting"`
	LocalLocations           []string      `env:"LOCAL_LOCATIONS,default=local,localhost,unknown"`
	LookupTimeout            time.Duration `env:"LOOKUP_TIMEOUT,default=2s"`
}

// Policy converts the environment view into the engine's configuration. Bot
// signatures are not configurable here and keep their built-in list.
func (r RiskConfig) Policy() security.RiskConfig {
	p := security.DefaultRiskConfig()
	p.Weights = security.RiskWeights{
		UntrustedDevice:    r.WeightUntrustedDevice,
		NewLocation:        r.WeightNewLocation,
		NewIP:              r.WeightNewIP,
		RecentActivity:     r.WeightRecentActivity,
		ConcurrentSessions: r.WeightConcurrentSessions,
		HighRiskNetwork:    r.WeightHighRiskNetwork,
		BotUserAgent:       r.WeightBotUserAgent,
	}
	p.Thresholds = security.RiskThresholds{Low: r.ThresholdLow, Medium: r.ThresholdMedium, High: r.ThresholdHigh}
	p.RecentActivityWindow = r.RecentActivityWindow
	p.ConcurrentSessionLimit = r.ConcurrentSessionLimit
	p.HighRiskMarkers = trimAll(r.HighRiskMarkers)
	p.LocalLocations = trimAll(r.LocalLocations)
	p.LookupTimeout = r.LookupTimeout
	return p
}

type DetectorConfig struct {
	Window            time.Duration `env:"WINDOW,default=24h"`
	DistinctLocations int           `env:"DISTINCT_LOCATIONS,default=3"`
	RapidLoginCount   int           `env:"RAPID_LOGIN_COUNT,default=3"`
	RapidLoginWindow  time.Duration `env:"RAPID_LOGIN_WINDOW,default=10m"`
}

// DetectorPolicy shares the concurrent-session limit with the risk policy.
func (c Config) DetectorPolicy() security.DetectorConfig {
	return security.DetectorConfig{
		Window:                 c.Detector.Window,
		ConcurrentSessionLimit: c.Risk.ConcurrentSessionLimit,
		DistinctLocations:      c.Detector.DistinctLocations,
		RapidLoginCount:        c.Detector.RapidLoginCount,
		RapidLoginWindow:       c.Detector.RapidLoginWindow,
	}
}

type SweepConfig struct {
	SessionsEvery   time.Duration `env:"SESSIONS_EVERY,default=1m"`
	UserRolesEvery  time.Duration `env:"USER_ROLES_EVERY,default=5m"`
	CachePurgeEvery time.Duration `env:"CACHE_PURGE_EVERY,default=1m"`
	FailureBackoff  time.Duration `env:"FAILURE_BACKOFF,default=15s"`
}

func (s SweepConfig) Supervisor() sweep.Config {
	cfg := sweep.DefaultConfig()
	cfg.FailureBackoff = s.FailureBackoff
	return cfg
}

// Load reads .env (when present) and then the process environment.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads configuration through l. Tests pass envconfig.MapLookuper.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(envPrefix, l),
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules that struct tags cannot express.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "HTTP_ADDR must not be empty")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		problems = append(problems, "HTTP_RATE_LIMIT and HTTP_RATE_BURST must be positive")
	}
	if _, err := security.NewClientIPResolver(c.Server.TrustedProxies); err != nil {
		problems = append(problems, "HTTP_TRUSTED_PROXIES: "+err.Error())
	}
	if c.Sessions.MaxPerUser <= 0 {
		problems = append(problems, "SESSION_MAX_PER_USER must be positive")
	}
	if c.Sessions.TTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}
	if c.Cache.PermissionTTL <= 0 || c.Cache.TrustTTL <= 0 {
		problems = append(problems, "cache TTLs must be positive")
	}
	if c.Detector.Window <= 0 || c.Detector.RapidLoginWindow <= 0 {
		problems = append(problems, "detector windows must be positive")
	}
	if c.Sweep.SessionsEvery <= 0 || c.Sweep.UserRolesEvery <= 0 || c.Sweep.CachePurgeEvery <= 0 {
		problems = append(problems, "sweep intervals must be positive")
	}
	if err := c.Risk.Policy().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Development reports whether the service runs in a local environment.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
