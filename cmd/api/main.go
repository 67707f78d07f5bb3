package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"google.golang.org/grpc"

	"warden.dev/internal/app"
	"warden.dev/internal/config"
	"warden.dev/internal/httpapi"
	"warden.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("warden-api stopped")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Auth.Validate(); err != nil {
		return err
	}
	obs.InitLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Component("main")

	shutdownTracing, err := obs.InitTracing(ctx, cfg.OTel.ServiceName, cfg.OTel.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	verifier, err := httpapi.NewTokenVerifier([]byte(cfg.Auth.JWTSecret),
		httpapi.WithIssuer(cfg.Auth.Issuer),
		httpapi.WithAudience(cfg.Auth.Audience),
		httpapi.WithLeeway(cfg.Auth.Leeway),
	)
	if err != nil {
		return err
	}
	api, err := httpapi.New(rt.Deps(verifier), httpapi.Options{
		Version:        version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	if err != nil {
		return err
	}

	sweeps, err := rt.Sweeps()
	if err != nil {
		return err
	}
	if err := sweeps.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sweeps.Stop(); err != nil {
			log.Warn().Err(err).Msg("sweep shutdown")
		}
	}()

	health := httpapi.NewHealthServer(rt.ReadyProbe(), 10*time.Second)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	sup := suture.New("warden", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		Timeout: cfg.Server.ShutdownTimeout + time.Second,
	})
	sup.Add(&httpapi.HTTPService{
		Server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Handler(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	sup.Add(&httpapi.GRPCService{Addr: cfg.Server.GRPCAddr, Server: grpcServer})
	sup.Add(health)

	log.Info().
		Str("version", version).
		Str("http", cfg.Server.Addr).
		Str("grpc", cfg.Server.GRPCAddr).
		Bool("postgres", rt.Postgres != nil).
		Bool("nats", rt.Bus != nil).
		Msg("starting warden-api")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
