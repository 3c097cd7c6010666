// Package main provides the registry sync service entry point.
// It applies pharmacy update events from Redpanda to the registry stores and
// tells locator replicas to drop their cached pharmacy lists.
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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/cache"
	"github.com/medilink/pharmacy-locator/internal/config"
	"github.com/medilink/pharmacy-locator/internal/infrastructure/redpanda"
	"github.com/medilink/pharmacy-locator/internal/observability/logging"
	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
	"github.com/medilink/pharmacy-locator/internal/observability/tracing"
	"github.com/medilink/pharmacy-locator/internal/registry"
	"github.com/medilink/pharmacy-locator/pkg/circuitbreaker"
	"github.com/medilink/pharmacy-locator/pkg/idempotency"
	"github.com/medilink/pharmacy-locator/pkg/workerpool"
)

const serviceName = "registry-sync"

// errApplyFailed marks events that exhausted their retries
var errApplyFailed = errors.New("apply failed")

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

	// Make sure the topics exist before joining the group
	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("failed to create admin client", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	pg := registry.NewPostgresStore(pool, logger)
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	icfg := idempotency.DefaultInboxConfig()
	icfg.IsTerminal = func(err error) bool { return errors.Is(err, errApplyFailed) }
	inbox := idempotency.NewInbox(pool, icfg, logger)
	if err := inbox.Migrate(ctx); err != nil {
		logger.Fatal("inbox migration failed", zap.Error(err))
	}
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("failed to recover stale inbox entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()

	var invalidate registry.InvalidateFunc
	if cfg.Redis.Addr != "" {
		rcfg := cache.DefaultRedisConfig()
		rcfg.Addr = cfg.Redis.Addr
		rcfg.Password = cfg.Redis.Password
		rcfg.DB = cfg.Redis.DB
		rcfg.Key = cfg.Redis.Key
		rcfg.Channel = cfg.Redis.Channel
		shared, err := cache.NewRedisStore(ctx, rcfg, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer shared.Close()
		invalidate = shared.PublishInvalidation
	} else {
		logger.Warn("redis not configured, locator caches will only refresh on TTL")
	}

	syncer := registry.NewSyncer(breakers, invalidate, m, logger)
	if err := syncer.AddTarget("postgres", pg); err != nil {
		logger.Fatal("failed to add postgres target", zap.Error(err))
	}
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
		if err := syncer.AddTarget("elastic", es); err != nil {
			logger.Fatal("failed to add elastic target", zap.Error(err))
		}
	}

	workers, err := workerpool.New(workerpool.Config{
		Workers:    cfg.Sync.Workers,
		MaxRetries: cfg.Sync.MaxRetries,
		RetryDelay: cfg.Sync.RetryDelay,
	}, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		ev := task.Payload.(registry.UpdateEvent)
		if err := syncer.Apply(ctx, ev); err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true}
	}, logger)
	if err != nil {
		logger.Fatal("failed to create worker pool", zap.Error(err))
	}
	workers.Start()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.Kafka.Brokers
	dlq, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		logger.Fatal("failed to create dead-letter producer", zap.Error(err))
	}
	defer dlq.Close()

	deadLetter := func(ctx context.Context, msg *redpanda.ConsumedMessage, reason error) error {
		logger.Warn("dead-lettering registry update",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(reason))
		return dlq.Produce(ctx, redpanda.DeadLetterRecord(msg, reason))
	}

	handle := func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		ev, err := redpanda.DecodeUpdate(msg)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			return deadLetter(ctx, msg, err)
		}

		res, err := inbox.Process(ctx, ev.DedupKey(), serviceName, msg.Value, func(ctx context.Context) error {
			result, err := workers.SubmitWait(ctx, &workerpool.Task{ID: ev.EventID, Payload: ev, Context: ctx})
			if err != nil {
				return err
			}
			if !result.Success {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %w", errApplyFailed, result.Error)
			}
			return nil
		})
		switch {
		case err == nil:
			if res.Duplicate {
				logger.Debug("skipping already applied update", zap.String("event_id", ev.EventID))
			}
			return nil
		case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, errApplyFailed):
			// the dead-letter topic is at-least-once: a replay of a failed event lands there again
			return deadLetter(ctx, msg, err)
		default:
			// transient; the consumer retries this record
			return err
		}
	}

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.Kafka.Brokers
	ccfg.GroupID = cfg.Kafka.GroupID
	consumer, err := redpanda.NewConsumer(ccfg, handle, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	consumer.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"breakers": breakers.HealthStatus(),
			"pool":     workers.Stats(),
			"consumer": consumer.Stats(),
		}
		ready := workers.IsHealthy()
		if err := admin.Ping(r.Context(), 2*time.Second); err != nil {
			resp["brokers"] = err.Error()
			ready = false
		} else {
			resp["brokers"] = "ok"
		}
		if lag, err := admin.GroupLag(r.Context(), cfg.Kafka.GroupID); err != nil {
			resp["lag_error"] = err.Error()
			ready = false
		} else {
			resp["lag"] = lag
		}
		if stats, err := inbox.GetStats(r.Context()); err == nil {
			resp["inbox"] = stats
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("registry sync started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.GroupID),
		zap.String("port", cfg.Server.Port))

	<-ctx.Done()
	logger.Info("shutting down registry sync")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	inbox.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("registry sync stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
