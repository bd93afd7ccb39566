// Package server assembles the media job server from configuration and runs
// it until the process is signalled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/admission"
	"github.com/JakeFAU/media-job-server/internal/api"
	"github.com/JakeFAU/media-job-server/internal/clock/system"
	"github.com/JakeFAU/media-job-server/internal/config"
	"github.com/JakeFAU/media-job-server/internal/dispatcher"
	"github.com/JakeFAU/media-job-server/internal/download"
	"github.com/JakeFAU/media-job-server/internal/events"
	"github.com/JakeFAU/media-job-server/internal/events/sinks"
	"github.com/JakeFAU/media-job-server/internal/handlers"
	"github.com/JakeFAU/media-job-server/internal/id/uuid"
	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/media"
	memorypublisher "github.com/JakeFAU/media-job-server/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-job-server/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/media-job-server/internal/queue/memory"
	"github.com/JakeFAU/media-job-server/internal/registry"
	gcsstorage "github.com/JakeFAU/media-job-server/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-job-server/internal/storage/local"
	memoryStorage "github.com/JakeFAU/media-job-server/internal/storage/memory"
	s3storage "github.com/JakeFAU/media-job-server/internal/storage/s3"
	"github.com/JakeFAU/media-job-server/internal/telemetry"
	"github.com/JakeFAU/media-job-server/internal/webhook"
	"github.com/JakeFAU/media-job-server/internal/worker"
)

// localEventsTopic names the in-process topic used when Pub/Sub is not
// configured.
const localEventsTopic = "mediajobs-events"

// App owns every long-lived component of the server.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue     *queueMemory.Queue
	jobs      *memoryStorage.JobStore
	admission *admission.Controller
	registry  *registry.Registry
	dispatch  *dispatcher.Dispatcher
	notifier  *webhook.Notifier
	hub       *events.Hub
	apiServer *api.Server

	gcsClient      *storage.Client
	pubsub         *gcppublisher.Publisher
	tracerShutdown telemetry.Shutdown
}

// Build creates the application's dependencies. Collectors are registered
// with the default Prometheus registerer.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}

	_, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown

	app.logger.Info("building application dependencies")
	if err = os.MkdirAll(cfg.Media.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	blobStore, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	publisher, topic, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	if err = app.setupEvents(publisher, topic, reg); err != nil {
		return nil, err
	}

	clock := system.New()
	app.queue = queueMemory.NewQueue(clock)
	app.jobs = memoryStorage.NewJobStore()
	app.admission = admission.New(
		app.queue,
		admission.NewCounter(0),
		uuid.New(),
		clock,
		app.jobs,
		app.hub,
		admission.Config{
			MaxQueueLength: cfg.Queue.MaxLength,
			DefaultTimeout: cfg.Workers.JobTimeout,
		},
		logger.Named("admission"),
	)

	app.registry = registry.New()
	err = handlers.Register(app.registry, handlers.Deps{
		Engine:        media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, logger.Named("ffmpeg")),
		Downloader:    download.NewHTTPDownloader(cfg.Media.WorkDir, cfg.Media.DownloadTimeout, logger.Named("download")),
		Store:         blobStore,
		Logger:        logger.Named("handlers"),
		WorkDir:       cfg.Media.WorkDir,
		StoragePrefix: cfg.Storage.Prefix,
		LocalFilesDir: cfg.Media.LocalFilesDir,
		WhipSFXPath:   cfg.Media.WhipSFXPath,
	})
	if err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	app.logger.Info("handlers registered", zap.Strings("operations", app.registry.Operations()))

	app.notifier = webhook.New(webhook.Config{
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BaseDelay:      cfg.Webhook.BaseDelay,
		MaxDelay:       cfg.Webhook.MaxDelay,
		AttemptTimeout: cfg.Webhook.AttemptTimeout,
		RatePerSecond:  cfg.Webhook.RatePerSecond,
		Burst:          cfg.Webhook.Burst,
		BreakerTimeout: cfg.Webhook.BreakerTimeout,
		Emitter:        app.hub,
		Logger:         logger.Named("webhook"),
		Release:        app.jobs.Remove,
	})

	app.dispatch = dispatcher.NewPool(cfg.Workers.Count, func(slot int) *worker.Worker {
		return worker.New(
			slot,
			app.queue,
			app.registry,
			clock,
			app.notifier,
			app.hub,
			logger.Named("worker").With(zap.Int("slot", slot)),
		)
	})
	app.logger.Info("worker pool configured",
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("max_queue_length", cfg.Queue.MaxLength),
		zap.Duration("job_timeout", cfg.Workers.JobTimeout),
	)

	app.apiServer = api.NewServer(app.admission, app.registry, app.jobs, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Ready:       app.ready,
	}, logger.Named("api"))

	return app, nil
}

func (a *App) setupStorage(ctx context.Context) (job.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendS3:
		a.logger.Info("using S3 storage backend",
			zap.String("bucket", a.cfg.Storage.S3.Bucket),
			zap.String("endpoint", a.cfg.Storage.S3.Endpoint),
		)
		store, err := s3storage.New(ctx, a.cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (job.Publisher, string, error) {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, lifecycle events stay in process")
		return memorypublisher.NewBounded(a.cfg.Events.BufferSize), localEventsTopic, nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, a.cfg.PubSub.Topic, nil
}

func (a *App) setupEvents(publisher job.Publisher, topic string, reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("lifecycle metrics init failed: %w", err)
	}
	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		Logger:         a.logger.Named("events"),
	}
	a.hub = events.NewHub(hubCfg,
		sinks.NewLogSink(a.logger.Named("lifecycle")),
		promSink,
		sinks.NewPublisherSink(publisher, topic),
	)
	a.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.String("topic", topic),
	)
	return nil
}

// ready fails while the scratch directory is unusable.
func (a *App) ready(context.Context) error {
	info, err := os.Stat(a.cfg.Media.WorkDir)
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("work dir %q is not a directory", a.cfg.Media.WorkDir)
	}
	return nil
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the worker pool and the HTTP server and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still busy at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases infrastructure. Pending webhook deliveries are given until
// ctx expires.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("webhook notifier close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
