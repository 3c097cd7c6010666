// Package main provides a one-shot importer that publishes a CSV of pharmacies
// as registry update events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/config"
	"github.com/medilink/pharmacy-locator/internal/infrastructure/redpanda"
	"github.com/medilink/pharmacy-locator/internal/observability/logging"
	"github.com/medilink/pharmacy-locator/internal/registry"
)

const serviceName = "registry-import"

func main() {
	file := flag.String("file", "", "CSV or TSV file with columns id,name,address,phone,lat,lon,availability")
	batchSize := flag.Int("batch", 500, "records per produce batch")
	dryRun := flag.Bool("dry-run", false, "parse and validate without publishing")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: registry-import -file pharmacies.csv [-batch 500] [-dry-run]")
		os.Exit(2)
	}
	if *batchSize <= 0 {
		*batchSize = 500
	}

	cfg, err := config.Load(os.Getenv("LOCATOR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(serviceName, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	f, err := os.Open(*file)
	if err != nil {
		logger.Fatal("failed to open file", zap.String("file", *file), zap.Error(err))
	}
	records, err := registry.ReadCSV(f)
	f.Close()
	if err != nil {
		logger.Fatal("failed to parse file", zap.String("file", *file), zap.Error(err))
	}

	missing := 0
	for _, rec := range records {
		if rec.Location == nil {
			missing++
		}
	}
	logger.Info("pharmacies parsed",
		zap.Int("pharmacies", len(records)),
		zap.Int("without_location", missing))

	if *dryRun {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("failed to create admin client", zap.Error(err))
	}
	if err := admin.Ping(ctx, 5*time.Second); err != nil {
		logger.Fatal("redpanda unreachable", zap.Strings("brokers", cfg.Kafka.Brokers), zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}
	admin.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	importID := uuid.NewString()
	now := time.Now().UTC()
	batch := make([]*redpanda.Record, 0, *batchSize)
	published := 0

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := producer.ProduceBatch(ctx, batch); err != nil {
			logger.Fatal("failed to publish batch",
				zap.Int("published", published),
				zap.Error(err))
		}
		published += len(batch)
		batch = batch[:0]
	}

	for i := range records {
		rec := records[i]
		out, err := redpanda.UpdateRecord(registry.UpdateEvent{
			EventID:    fmt.Sprintf("%s-%d", importID, i),
			Op:         registry.OpUpsert,
			PharmacyID: rec.ID,
			Pharmacy:   &rec,
			OccurredAt: now,
		})
		if err != nil {
			logger.Fatal("failed to encode pharmacy", zap.String("id", rec.ID), zap.Error(err))
		}
		batch = append(batch, out)
		if len(batch) >= *batchSize {
			flush()
		}
	}
	flush()

	logger.Info("import complete",
		zap.String("import_id", importID),
		zap.Int("published", published),
		zap.String("topic", redpanda.TopicRegistryUpdates))
}
