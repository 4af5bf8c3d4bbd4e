package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/config"
	"fundledger.org/internal/httpapi"
	"fundledger.org/internal/ledger"
	"fundledger.org/internal/migrate"
	"fundledger.org/internal/obs"
	"fundledger.org/internal/scheduler"
	"fundledger.org/internal/settings"
	"fundledger.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("FUND_CONFIG"), "Path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fundd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.AuthSecret != "" {
		if err := auth.SetSecret(cfg.AuthSecret); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(cfg.PostgresDSN, pg.WithLogger(logger.Named("pg")))
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()

	if cfg.Migrate {
		mctx, cancel := context.WithTimeout(ctx, time.Minute)
		mgr := migrate.NewManager(store.DB(), pg.Migrations, pg.Seeds, migrate.WithLogger(logger.Named("migrate")))
		err := mgr.Up(mctx)
		if err == nil {
			err = mgr.Seed(mctx)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	probe := httpapi.ReadyProbe{DB: store}
	providerOpts := []settings.Option{settings.WithLogger(logger)}
	if cfg.Redis.Enabled() {
		cache := settings.NewRedisCache(settings.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer cache.Close()
		probe.Cache = cache
		providerOpts = append(providerOpts, settings.WithCache(cache, cfg.Redis.TTL))
	}
	provider := settings.NewProvider(store, providerOpts...)

	svc := ledger.NewService(store, ledger.WithLogger(logger.Named("ledger")))

	api := httpapi.New(probe, svc, provider, httpapi.Options{
		Version:      version,
		RateBurst:    cfg.RateLimit.Burst,
		RatePerSec:   cfg.RateLimit.PerSecond,
		MaxBodyBytes: cfg.MaxBodyKB << 10,
		IssueTokens:  cfg.Development,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting fundd",
			zap.String("version", version),
			zap.String("addr", srv.Addr),
			zap.Bool("scheduler", cfg.Scheduler.Enabled),
			zap.Bool("redis", cfg.Redis.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(svc, provider, scheduler.Config{
			Interval: cfg.Scheduler.Interval,
			Trigger:  "scheduler",
		}, scheduler.WithLogger(logger))
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return sched.Stop()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
