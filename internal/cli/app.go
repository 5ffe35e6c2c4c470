package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/distill/internal/config"
	"github.com/raphaelgruber/distill/internal/convert"
	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/events"
	"github.com/raphaelgruber/distill/internal/extract"
	"github.com/raphaelgruber/distill/internal/llm"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/pipeline"
	"github.com/raphaelgruber/distill/internal/service"
	"github.com/raphaelgruber/distill/internal/storage"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store       db.Store
	dbClient    *db.Client
	blobs       storage.Storage
	snapshotter *convert.Snapshotter
	metrics     *metrics.Collector
	events      *events.Manager
	pipeline    *pipeline.Pipeline
	exec        *service.Executor
	ingest      *service.IngestService
}

// openStore connects the configured persistence backend.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (db.Store, *db.Client, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, nothing is persisted")
		return db.NewMemoryStore(), nil, nil
	}

	client, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, nil, fmt.Errorf("initialize schema: %w", err)
	}
	return client, client, nil
}

func storageConfig(cfg config.Config) storage.Config {
	sc := storage.Config{
		Backend:   cfg.StorageBackend,
		LocalDir:  cfg.StorageLocalDir,
		BadgerDir: cfg.StorageBadger,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
		UseSSL:    cfg.MinIOUseSSL,
	}
	if cfg.StorageBackend == storage.BackendMinIO {
		sc.Endpoint = cfg.MinIOEndpoint
	}
	return sc
}

// newConverter creates the local converter from the tool settings.
func newConverter(cfg config.Config, logger *slog.Logger) (*convert.Converter, error) {
	opts := []convert.Option{convert.WithLogger(logger)}
	if cfg.CaptionsEnabled {
		model, err := llm.NewModel(cfg)
		if err != nil {
			return nil, fmt.Errorf("init caption model: %w", err)
		}
		opts = append(opts, convert.WithCaptioner(model))
	}
	return convert.New(convert.Config{
		Pdftotext:     cfg.PdftotextBin,
		Tesseract:     cfg.TesseractBin,
		TesseractLang: cfg.TesseractLang,
		Ffprobe:       cfg.FfprobeBin,
		TranscribeCmd: cfg.TranscribeCmd,
	}, opts...), nil
}

// buildSteps assembles the fallback chain. Disabled steps get an untyped
// nil collaborator so they opt out in CanHandle.
func buildSteps(cfg config.Config, blobs storage.Storage, logger *slog.Logger) ([]pipeline.Step, *convert.Snapshotter, error) {
	var extractor pipeline.Extractor
	if cfg.ExtractionAPIKey != "" {
		client, err := extract.NewClient(cfg.ExtractionAPIKey,
			extract.WithEndpoint(cfg.ExtractionURL),
			extract.WithTimeout(cfg.ExtractionTimeout))
		if err != nil {
			return nil, nil, fmt.Errorf("init extraction client: %w", err)
		}
		extractor = client
	}

	conv, err := newConverter(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var (
		renderer    pipeline.Renderer
		snapshotter *convert.Snapshotter
	)
	if cfg.SnapshotEnabled {
		snapshotter = convert.NewSnapshotter(cfg.BrowserBin, cfg.SnapshotTimeout)
		renderer = snapshotter
	}

	steps := []pipeline.Step{
		pipeline.NewExtractionStep(extractor),
		pipeline.NewConversionStep(conv, convert.NewFetcher(cfg.FetchTimeout), blobs),
		pipeline.NewSnapshotStep(renderer, conv),
	}
	return steps, snapshotter, nil
}

// newApp wires the store, storage, pipeline, executor and event manager
// from cfg. The executor is created but not started.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector()}

	store, client, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store, a.dbClient = store, client

	a.blobs, err = storage.New(ctx, storageConfig(cfg))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	steps, snapshotter, err := buildSteps(cfg, a.blobs, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.snapshotter = snapshotter

	a.pipeline = pipeline.New(a.store, a.blobs, steps,
		pipeline.WithStepTimeout(cfg.StepTimeout),
		pipeline.WithChunking(models.ChunkingConfig{MaxSize: cfg.ChunkMaxSize, MinSize: cfg.ChunkMinSize}),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(logger))

	a.events = events.NewManager(
		events.WithBufferSize(cfg.EventBuffer),
		events.WithSendTimeout(cfg.EventSendTimeout),
		events.WithLogger(logger))

	a.exec, err = service.NewExecutor(a.store, a.pipeline, a.events,
		service.WithWorkers(cfg.Workers),
		service.WithQueueSize(cfg.QueueSize),
		service.WithRunTimeout(cfg.RunTimeout),
		service.WithExecutorMetrics(a.metrics),
		service.WithExecutorLogger(logger))
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.ingest = service.NewIngestService(a.store, a.blobs, a.exec, logger)

	logger.Debug("app ready",
		"store", cfg.Store,
		"storage", cfg.StorageBackend,
		"steps", a.pipeline.StepNames(),
		"extraction", cfg.ExtractionAPIKey != "",
		"snapshot", cfg.SnapshotEnabled)
	return a, nil
}

// health pings the database when one is configured.
func (a *app) health(ctx context.Context) error {
	if a.dbClient == nil {
		return nil
	}
	return a.dbClient.Ping(ctx)
}

// close releases everything newApp opened. The executor must already be
// shut down.
func (a *app) close(ctx context.Context) {
	if a.events != nil {
		a.events.Close()
	}
	if a.snapshotter != nil {
		if err := a.snapshotter.Close(); err != nil {
			a.logger.Warn("failed to close browser", "error", err)
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("failed to close storage", "error", err)
		}
	}
	if a.dbClient != nil {
		if err := a.dbClient.Close(ctx); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}
