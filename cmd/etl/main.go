// Command etl loads a GHCN-M station inventory and its monthly measurement file
// into the climate warehouse.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/climate-warehouse-etl/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/climate-warehouse-etl/internal/adapter/kafka"
	"github.com/couchcryptid/climate-warehouse-etl/internal/adapter/source"
	"github.com/couchcryptid/climate-warehouse-etl/internal/config"
	"github.com/couchcryptid/climate-warehouse-etl/internal/domain"
	"github.com/couchcryptid/climate-warehouse-etl/internal/observability"
	"github.com/couchcryptid/climate-warehouse-etl/internal/pipeline"
	"github.com/couchcryptid/climate-warehouse-etl/internal/store/memory"
	"github.com/couchcryptid/climate-warehouse-etl/internal/store/postgres"
	"github.com/joho/godotenv"
)

// warehouse is the store surface the run needs.
type warehouse interface {
	pipeline.StationWriter
	pipeline.ChunkBeginner
	EnsureSchema(ctx context.Context) error
	EnsureSource(ctx context.Context, name, url string) (int32, error)
	StationIDs(ctx context.Context, country string) ([]string, error)
	Counts(ctx context.Context) (domain.WarehouseCounts, error)
	Ping(ctx context.Context) error
	Close()
}

func main() {
	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger, metrics, os.Stdout)
	stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Error("load interrupted; committed chunks are kept", "error", err)
		} else {
			logger.Error("load failed", "error", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, out io.Writer) error {
	start := time.Now()

	store, err := openWarehouse(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	sourceID, err := store.EnsureSource(ctx, cfg.SourceName, cfg.SourceURL)
	if err != nil {
		return err
	}
	logger.Info("source ready", "source", cfg.SourceName, "source_id", sourceID)

	parser, err := domain.NewMeasurementParser(cfg.LineFormat, cfg.MinYear, cfg.MaxYear)
	if err != nil {
		return err
	}

	var observer pipeline.ChunkObserver
	if len(cfg.KafkaBrokers) > 0 {
		pub := kafkaadapter.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.SourceName, logger)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("kafka publisher close error", "error", err)
			}
		}()
		observer = pub
		logger.Info("chunk events enabled", "topic", cfg.KafkaTopic)
	}

	opener := source.NewOpener(source.WithS3Endpoint(cfg.S3Endpoint))

	loaded, err := loadStations(ctx, cfg, opener, store, logger, metrics)
	if err != nil {
		return err
	}

	ingestCfg := pipeline.IngestorConfig{
		ChunkSize:              cfg.ChunkSize,
		MaxRetries:             cfg.ChunkMaxRetries,
		MalformedWarnThreshold: cfg.MalformedWarnThreshold,
		Observer:               observer,
	}
	if cfg.CountryFilter != "" {
		allow, err := allowList(ctx, store, cfg.CountryFilter, logger)
		if err != nil {
			return err
		}
		ingestCfg.Allow = allow
	}
	stager := pipeline.NewStager(store, cfg.StationCacheSize, logger, metrics)
	ingestor := pipeline.NewIngestor(parser, stager, logger, metrics, ingestCfg)

	if cfg.HTTPAddr != "" {
		srv := httpadapter.NewServer(cfg.HTTPAddr, &readiness{store: store, ingestor: ingestor}, ingestor, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
		}()
	}

	measurements, err := opener.Open(ctx, cfg.MeasurementsPath)
	if err != nil {
		return fmt.Errorf("open measurements: %w", err)
	}
	defer measurements.Close()

	ingested, runErr := ingestor.Run(ctx, measurements)

	// Counts are read even after a failure: committed chunks stay in place.
	counts, err := store.Counts(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("could not read warehouse counts", "error", err)
	}
	printSummary(out, loaded, ingested, counts, time.Since(start))
	return runErr
}

func openWarehouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (warehouse, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; nothing is persisted")
		return memory.New(), nil
	default:
		store, err := postgres.Open(ctx, postgres.Options{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.PostgresMaxConns,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect warehouse: %w", err)
		}
		return store, nil
	}
}

// allowList restricts measurements to stations of country already in the warehouse.
func allowList(ctx context.Context, store warehouse, country string, logger *slog.Logger) (func(string) bool, error) {
	ids, err := store.StationIDs(ctx, country)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	logger.Info("country filter active", "country", country, "stations", len(ids))
	return func(id string) bool {
		_, ok := allowed[id]
		return ok
	}, nil
}

func loadStations(ctx context.Context, cfg *config.Config, opener *source.Opener, w pipeline.StationWriter, logger *slog.Logger, metrics *observability.Metrics) (pipeline.LoadResult, error) {
	r, err := opener.Open(ctx, cfg.StationsPath)
	if err != nil {
		return pipeline.LoadResult{}, fmt.Errorf("open stations: %w", err)
	}
	defer r.Close()

	loader := pipeline.NewStationLoader(w, logger, metrics, cfg.StationBatchSize, cfg.CountryFilter)
	return loader.Load(ctx, r)
}

// readiness reports ready when the store answers and a chunk has committed.
type readiness struct {
	store    warehouse
	ingestor *pipeline.Ingestor
}

func (r *readiness) CheckReadiness(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("warehouse unreachable: %w", err)
	}
	return r.ingestor.CheckReadiness(ctx)
}
