package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-dispatch/internal/config"
	"github.com/example/pickup-dispatch/internal/dispatch"
	"github.com/example/pickup-dispatch/internal/geo"
	httpapi "github.com/example/pickup-dispatch/internal/http"
	"github.com/example/pickup-dispatch/internal/ingest"
	"github.com/example/pickup-dispatch/internal/lifecycle"
	"github.com/example/pickup-dispatch/internal/matcher"
	"github.com/example/pickup-dispatch/internal/route"
	"github.com/example/pickup-dispatch/internal/storage"
	"github.com/example/pickup-dispatch/internal/tracing"
)

const migrationFile = "001_create_dispatch.sql"

type app struct {
	Handler http.Handler
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// build wires every component from cfg. Optional backends (Postgres, Redis,
// Kafka, webhook) are used only when configured.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{}
	checks := map[string]httpapi.Checker{}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	oracle, err := buildOracle(cfg.Route, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		if cfg.RunMigrations {
			if err := migrate(ctx, ps); err != nil {
				a.Close()
				return nil, err
			}
			logger.Info("migration applied", "file", migrationFile)
		}
		checks["postgres"] = ps.Ping
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var positions geo.Geo
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.RedisSearchRadiusKm)
		checks["redis"] = rg.Ping
		positions = rg
	} else {
		positions = geo.NewIndex()
	}
	if err := warm(ctx, store, positions); err != nil {
		logger.Warn("warming positions index failed", "error", err)
	}

	var publisher httpapi.LocationPublisher
	var events lifecycle.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic)
		a.closers = append(a.closers, kp.Close)
		publisher, events = kp, kp
	}

	ws := dispatch.NewWSRegistry()
	var fallback dispatch.Notifier
	if cfg.NotifyWebhookURL != "" {
		fallback = dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey)
	}
	notifier := dispatch.NewPushDispatcher(ws, fallback, logger)

	engine := matcher.NewEngine(oracle, matcher.Options{
		Profile:        cfg.Route.Profile,
		CandidateLimit: cfg.Dispatch.CandidateLimit,
		Parallelism:    cfg.Dispatch.Parallelism,
		CallTimeout:    cfg.Route.CallTimeout,
	}, logger)

	svc := lifecycle.NewService(lifecycle.Deps{
		Store:       store,
		Pool:        positions,
		Engine:      engine,
		Notifier:    notifier,
		Events:      events,
		Logger:      logger,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	})

	a.Handler = httpapi.NewServer(httpapi.Deps{
		Lifecycle: svc,
		Store:     store,
		Positions: positions,
		Publisher: publisher,
		WS:        ws,
		Checks:    checks,
		Logger:    logger,
	})
	return a, nil
}

// buildOracle picks the provider and wraps it so repeated lookups hit the
// cache and a failing provider trips the breaker.
func buildOracle(rc config.RouteConfig, logger *slog.Logger) (route.Oracle, error) {
	var o route.Oracle
	switch rc.Provider {
	case config.ProviderORS:
		o = route.NewORSClient(rc.ORSEndpoint, rc.ORSKey)
	case config.ProviderOSRM:
		o = route.NewOSRMClient(rc.OSRMEndpoint)
	case config.ProviderGoogle:
		g, err := route.NewGoogleClient(rc.GoogleMapsKey)
		if err != nil {
			return nil, err
		}
		o = g
	case config.ProviderStraight:
		return route.StraightLine{}, nil
	default:
		return nil, fmt.Errorf("unknown route provider %q", rc.Provider)
	}
	o = route.NewBreaker(o, route.BreakerSettings{
		Name:             rc.Provider,
		FailureThreshold: uint32(rc.BreakerFailures),
		OpenTimeout:      rc.BreakerOpenTimeout,
	}, logger)
	if rc.CacheTTL > 0 {
		o = route.NewCache(o, rc.CacheTTL)
	}
	return o, nil
}

// warm copies the stored drivers into the positions index so a restart does
// not start from an empty pool.
func warm(ctx context.Context, store storage.Store, positions geo.Geo) error {
	drivers, err := store.ListDrivers(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range drivers {
		if err := positions.Upsert(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("driver %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

func migrate(ctx context.Context, ps *storage.PostgresStore) error {
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	b, err := os.ReadFile(filepath.Join(dir, migrationFile))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if err := ps.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", migrationFile, err)
	}
	return nil
}
