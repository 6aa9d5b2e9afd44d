package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/instrument-catalog/internal/api"
	"github.com/Checker-Finance/instrument-catalog/internal/catalog"
	"github.com/Checker-Finance/instrument-catalog/internal/config"
	"github.com/Checker-Finance/instrument-catalog/internal/httpclient"
	"github.com/Checker-Finance/instrument-catalog/internal/instruments"
	"github.com/Checker-Finance/instrument-catalog/internal/jobs"
	"github.com/Checker-Finance/instrument-catalog/internal/lease"
	"github.com/Checker-Finance/instrument-catalog/internal/mirror"
	"github.com/Checker-Finance/instrument-catalog/internal/normalize"
	"github.com/Checker-Finance/instrument-catalog/internal/publisher"
	"github.com/Checker-Finance/instrument-catalog/internal/rate"
	"github.com/Checker-Finance/instrument-catalog/internal/resolver"
	"github.com/Checker-Finance/instrument-catalog/internal/source"
	"github.com/Checker-Finance/instrument-catalog/pkg/logger"
	"github.com/Checker-Finance/instrument-catalog/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()

	if err := cfg.Validate(); err != nil {
		logg.Fatalw("invalid configuration", "error", err)
	}
	loc, _ := cfg.Location()

	logg.Infow("starting [instrument-catalog]...",
		"source", utils.MaskURL(cfg.SourceLocation),
		"store", cfg.StorePath,
		"tz", loc.String())

	// --- Source fetcher ---
	rateMgr := rate.NewManager(rate.Config{RequestsPerSecond: 1, Burst: 2})
	retry := httpclient.DefaultRetryPolicy()
	retry.Retries = cfg.FetchRetries
	retry.InitialBackoff = cfg.FetchBackoff
	fetcher, err := source.New(cfg.SourceLocation, source.Options{
		Timeout: cfg.FetchTimeout,
		Retry:   retry,
		RateMgr: rateMgr,
		Logger:  logger.Named("source"),
	})
	if err != nil {
		logg.Fatalw("failed to init source", "error", err)
	}

	var opts []catalog.Option

	// --- NATS publisher (optional) ---
	var pub *publisher.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		pub, err = publisher.New(nc, cfg.NATSSubjectPrefix, cfg.ServiceName, cfg.NATSJetStream, logger.Named("publisher"))
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		opts = append(opts, catalog.WithListener(pub))
	} else {
		logg.Warn("NATS_URL not configured; catalog events disabled")
	}

	// --- Postgres mirror (optional) ---
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pgCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logg.Fatalw("invalid DATABASE_URL", "error", err)
		}
		pgCfg.MaxConns = int32(cfg.PGMaxConns)
		pgCfg.MinConns = int32(cfg.PGMinConns)
		pool, err = pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			logg.Fatalw("failed to connect to postgres", "error", err)
		}
		mw := mirror.NewWriter(pool, cfg.MirrorTable, logger.Named("mirror"))
		if err := mw.EnsureSchema(ctx); err != nil {
			logg.Fatalw("failed to prepare mirror tables", "error", err)
		}
		opts = append(opts, catalog.WithListener(mw))
	}

	// --- Refresh lease: Redis when shared, in-process otherwise ---
	var locker lease.Locker = lease.NewLocal()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPass})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logg.Fatalw("failed to connect to redis", "error", err)
		}
		locker = lease.NewRedis(rdb, cfg.ServiceName+":lease:")
	}

	// --- Catalog ---
	builder := catalog.NewBuilder(fetcher, normalize.New(cfg.Schema, logger.Named("normalize")), catalog.BuildConfig{
		StorePath:       cfg.StorePath,
		MinPayloadBytes: cfg.MinPayloadBytes,
		MinRows:         cfg.MinRows,
	}, logger.Named("builder"))
	cat := catalog.New(catalog.Config{
		StorePath:     cfg.StorePath,
		MinStoreBytes: cfg.MinStoreBytes,
		Location:      loc,
	}, builder, instruments.New(logger.Named("index")), logger.Named("catalog"), opts...)

	res := resolver.New(cat, resolver.Config{
		StrikeSteps: cfg.StrikeSteps,
		SearchLimit: cfg.SearchLimit,
		Location:    loc,
	}, logger.Named("resolver"))

	// --- Scheduler ---
	sched := jobs.New(cat, jobs.Config{
		Enabled:      cfg.SchedulerEnabled,
		RefreshAt:    jobs.Clock(cfg.RefreshAt),
		PurgeAt:      jobs.Clock(cfg.PurgeAt),
		Location:     loc,
		MisfireGrace: cfg.MisfireGrace,
		LeaseTTL:     cfg.LeaseTTL,
	}, logger.Named("scheduler"), jobs.WithLease(locker))

	// A failed startup refresh leaves the service degraded; a prior snapshot keeps serving.
	if refreshed, err := cat.EnsureFresh(ctx); err != nil {
		logg.Errorw("startup refresh failed", "error", err)
	} else {
		logg.Infow("catalog ready", "refreshed", refreshed, "state", cat.Status().State)
	}
	sched.Start(ctx)

	// --- HTTP adapter ---
	app := api.NewApp(api.AppConfig{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	api.RegisterRoutes(app, &api.Handler{
		Logger:   logger.Named("api"),
		Resolver: res,
		Catalog:  cat,
		Triggers: sched,
		AdminLimiter: rate.NewManager(rate.Config{
			RequestsPerSecond: float64(cfg.AdminRatePerMin) / 60,
			Burst:             1,
			Cooldown:          10 * time.Second,
		}),
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Main process stays alive until interrupted ---
	logg.Infow("[instrument-catalog] running",
		"env", cfg.Env,
		"scheduler", cfg.SchedulerEnabled,
		"nats", cfg.NATSURL != "",
		"mirror", cfg.DatabaseURL != "",
		"redis_lease", cfg.RedisAddr != "")

	<-ctx.Done()
	logg.Info("shutting down [instrument-catalog]...")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if pub != nil {
		pub.Close()
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logg.Warnw("redis.close_failed", "error", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
}
