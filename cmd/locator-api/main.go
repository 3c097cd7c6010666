// Package main provides the pharmacy locator API entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/api/handlers"
	"github.com/medilink/pharmacy-locator/internal/api/middleware"
	"github.com/medilink/pharmacy-locator/internal/cache"
	"github.com/medilink/pharmacy-locator/internal/config"
	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/internal/observability/logging"
	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
	"github.com/medilink/pharmacy-locator/internal/observability/tracing"
	"github.com/medilink/pharmacy-locator/internal/registry"
	"github.com/medilink/pharmacy-locator/pkg/circuitbreaker"
)

const serviceName = "locator-api"

func main() {
	cfg, err := config.Load(os.Getenv("LOCATOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(serviceName, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.App.Env
	tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Value())
	}, logger)

	// Postgres is the registry of record
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	pg := registry.NewPostgresStore(pool, logger)
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Reads go to the search index when one is configured
	var source registry.Lister = pg
	readBreaker := "postgres-read"
	if cfg.Elastic.URL != "" {
		ecfg := registry.DefaultElasticConfig()
		ecfg.URL = cfg.Elastic.URL
		ecfg.Index = cfg.Elastic.Index
		es, err := registry.NewElasticStore(ecfg, m, logger)
		if err != nil {
			logger.Fatal("failed to connect to elasticsearch", zap.Error(err))
		}
		defer es.Close()
		if err := es.EnsureIndex(ctx); err != nil {
			logger.Fatal("failed to ensure index", zap.Error(err))
		}
		source, readBreaker = es, "elastic-read"
	}

	cb, err := breakers.GetOrCreate(readBreaker, circuitbreaker.DefaultConfig(readBreaker))
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}

	cacheOpts := []cache.Option{cache.WithMetrics(m)}
	var broadcaster handlers.Broadcaster
	var shared *cache.RedisStore
	if cfg.Redis.Addr != "" {
		shared, err = cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
			Channel:  cfg.Redis.Channel,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer shared.Close()
		cacheOpts = append(cacheOpts, cache.WithShared(shared))
		broadcaster = shared
	}

	pharmacies := cache.NewPharmacyList(
		registry.NewGuarded(source, cb, logger),
		cache.Config{TTL: cfg.Cache.TTL},
		logger,
		cacheOpts...,
	)

	if shared != nil {
		go func() {
			err := shared.SubscribeInvalidations(ctx, func(reason string) {
				pharmacies.Invalidate()
				logger.Info("pharmacy cache invalidated", zap.String("reason", reason))
			})
			if err != nil {
				logger.Error("invalidation subscription ended", zap.Error(err))
			}
		}()
	}

	svc := locator.NewService(pharmacies, logger, locator.WithMetrics(m))
	pharmacyHandler := handlers.NewPharmacyHandler(svc, logger)
	adminHandler := handlers.NewAdminHandler(pharmacies, broadcaster, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(pool, breakers))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.Auth.JWTSecret != "" {
				r.Use(middleware.JWTAuth([]byte(cfg.Auth.JWTSecret)))
			}
			r.Mount("/pharmacies", pharmacyHandler.Routes())
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(cfg.Auth.APIKeyClients()))
			r.Mount("/admin", adminHandler.Routes())
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	// Warm the cache so the first patient request does not pay for the load
	if _, err := pharmacies.Get(ctx); err != nil {
		logger.Warn("initial pharmacy load failed", zap.Error(err))
	}

	logger.Info("starting locator API", zap.String("port", cfg.Server.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}

func readyHandler(pool *pgxpool.Pool, breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		dbErr := pool.Ping(r.Context())
		if dbErr != nil {
			status = http.StatusServiceUnavailable
		}
		statuses := breakers.HealthStatus()
		for _, s := range statuses {
			if !s.Healthy {
				status = http.StatusServiceUnavailable
			}
		}

		resp := map[string]interface{}{"breakers": statuses, "database": "ok"}
		if dbErr != nil {
			resp["database"] = dbErr.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}
