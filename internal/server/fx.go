// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-extractor/internal/api"
	"github.com/JakeFAU/resilient-extractor/internal/clock/system"
	"github.com/JakeFAU/resilient-extractor/internal/config"
	"github.com/JakeFAU/resilient-extractor/internal/dispatcher"
	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/hash/sha256"
	"github.com/JakeFAU/resilient-extractor/internal/id/uuid"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
	"github.com/JakeFAU/resilient-extractor/internal/logging"
	"github.com/JakeFAU/resilient-extractor/internal/progress"
	progresssinks "github.com/JakeFAU/resilient-extractor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/resilient-extractor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/resilient-extractor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/resilient-extractor/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/resilient-extractor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/resilient-extractor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/resilient-extractor/internal/storage/memory"
	pgstore "github.com/JakeFAU/resilient-extractor/internal/storage/postgres"
	"github.com/JakeFAU/resilient-extractor/internal/store"
	"github.com/JakeFAU/resilient-extractor/internal/telemetry"
	"github.com/JakeFAU/resilient-extractor/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	pipeline        *Pipeline
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	queue           *queueMemory.Queue
	blobStore       jobs.BlobStore
	pgPool          *pgxpool.Pool
	resultStore     *pgstore.ResultStore
	progressRepo    store.ProgressRepository
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	telemetry       *telemetry.Providers
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Strings("strategies", cfg.Extraction.Strategies),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the extraction pipeline.
func (a *App) Pipeline() *Pipeline {
	return a.pipeline
}

// Extract validates raw tasks and runs them as one batch.
func (a *App) Extract(ctx context.Context, batchID string, raw []extraction.RawTask) (extraction.BatchResult, error) {
	return a.pipeline.Run(ctx, batchID, raw)
}

// BlobStore returns the configured blob backend.
func (a *App) BlobStore() jobs.BlobStore {
	return a.blobStore
}

// Handler returns the API handler. It is nil for CLI-only apps.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the dispatcher and HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	if a.apiServer == nil || a.dispatch == nil {
		return errors.New("app was built without the API")
	}
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// Workers still write results and job rows until they return.
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher still running at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	if a.pipeline != nil {
		if err := a.pipeline.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	// The result and progress stores share the pool.
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	// Sync fails on stderr/stdout ttys; nothing useful to do with the error.
	_ = a.logger.Sync()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// Options select which parts of the application Build wires.
type Options struct {
	// API wires the job runner and HTTP server. The run command leaves it off.
	API bool
	// Logger overrides the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		logger = logging.WithService(logger, cfg.Application.ServiceName, cfg.Application.Version)
		zap.ReplaceGlobals(logger)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.telemetry, err = telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err := app.build(ctx, opts); err != nil {
		// Release whatever was opened before the failure.
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	var err error
	if a.blobStore, err = setupStorage(ctx, a); err != nil {
		return err
	}
	if err = setupDatabase(ctx, a); err != nil {
		return err
	}

	observer, err := setupProgress(ctx, a, opts.Registerer)
	if err != nil {
		return err
	}
	a.pipeline, err = BuildPipeline(*a.cfg, observer, a.logger)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	if !opts.API {
		return nil
	}

	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	jobStore := memoryStorage.NewJobStore()
	a.queue = queueMemory.NewQueue(a.cfg.QueueDepth)
	a.dispatch = setupDispatcher(a, jobStore, publisher)

	var progressHandler *api.ProgressHandler
	if a.progressRepo != nil {
		progressHandler = api.NewProgressHandler(a.progressRepo, a.logger)
	}
	a.apiServer = api.NewServer(api.Deps{
		Extractor:  a.pipeline,
		Jobs:       jobStore,
		Dispatcher: a.dispatch,
		IDs:        uuid.New(),
		Clock:      system.New(),
		Breakers:   a.pipeline.Breakers,
		Resources:  a.pipeline,
		Progress:   progressHandler,
		Ready:      a.ready,
		Logger:     a.logger,
	}, *a.cfg)
	return nil
}

// ready reports whether the database, when configured, answers a ping.
func (a *App) ready(ctx context.Context) error {
	if a.pgPool == nil {
		return nil
	}
	if err := a.pgPool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (jobs.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, skipping result and progress stores")
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      app.cfg.Database.DSN,
		MaxConns: int32(app.cfg.Database.MaxConns), //nolint:gosec // bounded by config validation
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	app.pgPool = pool
	app.resultStore, err = pgstore.NewResultStore(pool, app.cfg.Database.ResultsTable)
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	app.progressRepo, err = pgstore.NewProgressStore(pool)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized", zap.String("results_table", app.cfg.Database.ResultsTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (jobs.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher",
			zap.String("topic", memorypublisher.DefaultTopic),
		)
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

// setupProgress builds the observer hub. It returns a no-op observer when
// progress tracking is off or no sink is available.
func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (extraction.Observer, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return extraction.NopObserver{}, nil
	}
	var sinkList []progress.Sink
	if app.progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.progressRepo, app.logger.Named("progress_store")))
		app.logger.Debug("added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupDispatcher(app *App, jobStore jobs.Store, publisher jobs.Publisher) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		ContentType: "text/html; charset=utf-8",
		BlobPrefix:  app.cfg.Storage.Prefix,
		Topic:       app.cfg.PubSub.TopicName,
	}
	if app.pubsubPublisher == nil {
		workerCfg.Topic = memorypublisher.DefaultTopic
	}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Workers),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
	)

	deps := worker.Deps{
		Queue:     app.queue,
		Jobs:      jobStore,
		Runner:    app.pipeline,
		BlobStore: app.blobStore,
		Publisher: publisher,
		Hasher:    newHasher(app.cfg.Storage),
		Clock:     system.New(),
	}
	if app.resultStore != nil {
		deps.Results = app.resultStore
	}
	runners := make([]dispatcher.Runner, 0, app.cfg.Workers)
	for i := 0; i < app.cfg.Workers; i++ {
		runners = append(runners, worker.New(deps, workerCfg, app.logger.Named("worker").With(zap.Int("index", i))))
	}
	return dispatcher.New(app.queue, runners)
}

func newHasher(cfg config.StorageConfig) *sha256.Hasher {
	if cfg.CollapseWhitespace {
		return sha256.New(sha256.WithCollapsedWhitespace())
	}
	return sha256.New()
}
