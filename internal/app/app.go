// Package app assembles the engine from configuration. Both the API server
// and wardenctl build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/cache"
	"warden.dev/internal/config"
	"warden.dev/internal/httpapi"
	"warden.dev/internal/migrate"
	"warden.dev/internal/obs"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
	"warden.dev/internal/store/memory"
	"warden.dev/internal/store/pg"
	"warden.dev/internal/sweep"
)

// Backend is a store that serves every engine component.
type Backend interface {
	auth.Store
	session.Store
	security.TrustStore
	audit.ActivityStore
}

// Runtime holds the wired components. Close releases them in reverse order.
type Runtime struct {
	Config config.Config

	Store    Backend
	Postgres *pg.Store
	Cache    cache.Cache
	Bus      *audit.Bus

	Activity *audit.ActivityLog
	Auth     *auth.Service
	Sessions *session.Manager
	Trust    *security.TrustRegistry
	Risk     *security.RiskEngine
	Detector *security.Detector
	Login    *security.LoginGate

	memCache *cache.Memory
	redis    *cache.Redis
	closers  []func()
	log      zerolog.Logger
}

// Build opens the configured backends and wires the services on top of them.
func Build(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg, log: obs.Component("app")}
	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openCache(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openBus(); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.wire(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	db := rt.Config.Database
	if db.DSN == "" {
		rt.Store = memory.New()
		rt.log.Warn().Msg("no postgres DSN configured, state is kept in memory")
		return nil
	}
	st, err := pg.Open(db.DSN, pg.PoolConfig{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = st.Close() })
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if db.MigrateOnStart {
		applied, err := migrate.NewManager(st.DB()).Up(ctx)
		if err != nil && !errors.Is(err, migrate.ErrNothingApplied) {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			rt.log.Info().Strs("applied", applied).Msg("migrations applied")
		}
	}
	rt.Store = st
	rt.Postgres = st
	return nil
}

func (rt *Runtime) openCache(ctx context.Context) error {
	rc := rt.Config.Redis
	if rc.Addr == "" {
		rt.memCache = cache.NewMemory()
		rt.Cache = rt.memCache
		return nil
	}
	client := cache.NewRedisClient(rc.Addr, rc.Password, rc.DB)
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	r, err := cache.NewRedis(client, cache.RedisOptions{
		Prefix:           rc.Prefix,
		Timeout:          rc.Timeout,
		FailureThreshold: rc.FailureThreshold,
		OpenTimeout:      rc.OpenTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis cache: %w", err)
	}
	if err := r.Ping(ctx); err != nil {
		// The breaker keeps serving from the store while redis is down.
		rt.log.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unreachable at startup")
	}
	rt.redis = r
	rt.Cache = r
	return nil
}

func (rt *Runtime) openBus() error {
	url := rt.Config.NATS.URL
	if url == "" {
		return nil
	}
	bus, err := audit.DialBus(url, nats.Name("warden"))
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	rt.closers = append(rt.closers, bus.Close)
	rt.Bus = bus
	return nil
}

func (rt *Runtime) wire() error {
	cfg := rt.Config
	var actOpts []audit.ActivityOption
	if rt.Bus != nil {
		actOpts = append(actOpts, audit.WithPublisher(rt.Bus, cfg.NATS.SubjectPrefix))
	}
	var err error
	if rt.Activity, err = audit.NewActivityLog(rt.Store, actOpts...); err != nil {
		return err
	}
	if rt.Auth, err = auth.NewService(rt.Store, auth.WithCache(rt.Cache, cfg.Cache.PermissionTTL)); err != nil {
		return err
	}
	sessOpts := []session.Option{
		session.WithMaxSessions(cfg.Sessions.MaxPerUser),
		session.WithTTL(cfg.Sessions.TTL),
		session.WithBlocklist(session.NewBlocklist(rt.Cache)),
	}
	if rt.Sessions, err = session.NewManager(rt.Store, sessOpts...); err != nil {
		return err
	}
	policy := cfg.Risk.Policy()
	if rt.Trust, err = security.NewTrustRegistry(rt.Store,
		security.WithTrustCache(rt.Cache, cfg.Cache.TrustTTL),
		security.WithTrustActivity(rt.Activity),
		security.WithLookupTimeout(policy.LookupTimeout),
	); err != nil {
		return err
	}
	if rt.Risk, err = security.NewRiskEngine(rt.Trust, rt.Sessions,
		security.WithRiskConfig(policy),
		security.WithRiskActivity(rt.Activity),
	); err != nil {
		return err
	}
	if rt.Detector, err = security.NewDetector(rt.Sessions, rt.Sessions,
		security.WithDetectorConfig(cfg.DetectorPolicy()),
		security.WithLocalLocations(policy.LocalLocations),
		security.WithDetectorActivity(rt.Activity),
	); err != nil {
		return err
	}
	rt.Login, err = security.NewLoginGate(rt.Risk, rt.Sessions, rt.Activity)
	return err
}

// Sweeps returns a scheduler with the background expiry tasks registered.
// The purge task only exists for the in-process cache.
func (rt *Runtime) Sweeps() (*sweep.Scheduler, error) {
	sc := rt.Config.Sweep
	s := sweep.New(sweep.WithConfig(sc.Supervisor()))
	tasks := []sweep.Task{
		sweep.SessionExpiry(rt.Sessions, sc.SessionsEvery),
		sweep.RoleExpiry(rt.Auth, sc.UserRolesEvery),
	}
	if rt.memCache != nil {
		tasks = append(tasks, sweep.CachePurge(rt.memCache, sc.CachePurgeEvery))
	}
	for _, t := range tasks {
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ReadyProbe pings the external dependencies that are configured.
func (rt *Runtime) ReadyProbe() httpapi.ReadyProbe {
	checks := map[string]httpapi.Pinger{}
	if rt.Postgres != nil {
		checks["postgres"] = rt.Postgres
	}
	if rt.redis != nil {
		checks["redis"] = rt.redis
	}
	return httpapi.ReadyProbe{Checks: checks}
}

// Deps adapts the runtime to the HTTP layer.
func (rt *Runtime) Deps(verifier *httpapi.TokenVerifier) httpapi.Deps {
	return httpapi.Deps{
		Auth:     rt.Auth,
		Sessions: rt.Sessions,
		Trust:    rt.Trust,
		Risk:     rt.Risk,
		Detector: rt.Detector,
		Login:    rt.Login,
		Activity: rt.Activity,
		Verifier: verifier,
		Ready:    rt.ReadyProbe(),
	}
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
