// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/api"
	"github.com/JakeFAU/lead-enricher/internal/archive"
	"github.com/JakeFAU/lead-enricher/internal/classifier"
	"github.com/JakeFAU/lead-enricher/internal/clock/system"
	"github.com/JakeFAU/lead-enricher/internal/config"
	"github.com/JakeFAU/lead-enricher/internal/controller"
	"github.com/JakeFAU/lead-enricher/internal/digest"
	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/fetcher"
	collyfetcher "github.com/JakeFAU/lead-enricher/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/lead-enricher/internal/fetcher/headless"
	"github.com/JakeFAU/lead-enricher/internal/fetcher/relay"
	"github.com/JakeFAU/lead-enricher/internal/hash/sha256"
	"github.com/JakeFAU/lead-enricher/internal/headless/detector"
	"github.com/JakeFAU/lead-enricher/internal/id/uuid"
	"github.com/JakeFAU/lead-enricher/internal/logging"
	"github.com/JakeFAU/lead-enricher/internal/metrics"
	"github.com/JakeFAU/lead-enricher/internal/policy/ratelimit"
	"github.com/JakeFAU/lead-enricher/internal/progress"
	progresssinks "github.com/JakeFAU/lead-enricher/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/lead-enricher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/lead-enricher/internal/publisher/pubsub"
	"github.com/JakeFAU/lead-enricher/internal/retry"
	gcsstorage "github.com/JakeFAU/lead-enricher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/lead-enricher/internal/storage/local"
	memorystorage "github.com/JakeFAU/lead-enricher/internal/storage/memory"
	pgstore "github.com/JakeFAU/lead-enricher/internal/storage/postgres"
	"github.com/JakeFAU/lead-enricher/internal/store"
	"github.com/JakeFAU/lead-enricher/internal/submit"
	"github.com/JakeFAU/lead-enricher/internal/telemetry"
	"github.com/JakeFAU/lead-enricher/internal/worker"
)

// Version is reported in trace resources.
var Version = "dev"

// Store is the persistence surface the application runs against.
type Store interface {
	enrich.Store
	store.StatsRepository
	Ping(ctx context.Context) error
}

// publisher is an enrich.Publisher that holds resources.
type publisher interface {
	enrich.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      Store
	closeStore func()
	publisher  publisher
	gcs        *storage.Client
	headless   *headlessfetcher.Renderer
	hub        *progress.Hub
	tracer     *sdktrace.TracerProvider

	processor  *worker.Processor
	controller *controller.Controller
	submitter  *submit.Submitter
}

// Options overrides infrastructure for embedding and tests.
type Options struct {
	// Logger replaces the logger built from config.
	Logger *zap.Logger
	// Registerer receives the progress collectors (default registerer when nil).
	Registerer prometheus.Registerer
	// Store replaces the store selected by database.driver.
	Store Store
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	return BuildWithOptions(ctx, cfg, Options{})
}

// BuildWithOptions creates the application's dependencies honoring opts. On
// error every resource opened so far is released.
func BuildWithOptions(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     cfg.Tracing.ServiceName,
			Version:     Version,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies",
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if opts.Store != nil {
		app.store = opts.Store
	} else if err = app.setupStore(ctx); err != nil {
		return nil, err
	}

	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(opts.Registerer); err != nil {
		return nil, err
	}
	pageFetcher, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}
	cls, err := classifier.New(classifier.Config{
		BaseURL:           cfg.Classifier.BaseURL,
		APIKey:            cfg.Classifier.APIKey,
		Model:             cfg.Classifier.Model,
		Temperature:       cfg.Classifier.Temperature,
		RatePerMillionIn:  cfg.Classifier.RatePerMillionIn,
		RatePerMillionOut: cfg.Classifier.RatePerMillionOut,
		RequestsPerSecond: cfg.Classifier.RequestsPerSecond,
		Timeout:           time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
	}, nil, logger.Named("classifier"))
	if err != nil {
		return nil, fmt.Errorf("classifier init failed: %w", err)
	}

	clock := system.New()
	app.processor, err = worker.New(worker.Config{
		FetchConcurrency:    cfg.Concurrency.Fetch,
		ClassifyConcurrency: cfg.Concurrency.Classify,
		CacheMinConfidence:  cfg.Cache.MinConfidence,
	}, worker.Deps{
		Store:      app.store,
		Fetcher:    pageFetcher,
		Classifier: cls,
		Digest:     digest.NewBuilder(cfg.Digest.MaxHTMLBytes, cfg.Digest.MaxTextChars),
		Archive:    archive.New(blobs, sha256.New(), logger.Named("archive")),
		Policy: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay(),
			MaxDelay:   cfg.Retry.MaxDelay(),
		},
		Clock:   clock,
		Emitter: app.hub,
		Logger:  logger.Named("worker"),
		Tracer:  telemetry.Tracer("github.com/JakeFAU/lead-enricher/internal/worker"),
	})
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	app.controller = controller.New(controller.Config{
		ChunkSize:     cfg.Controller.ChunkSize,
		PollInterval:  cfg.Controller.PollInterval(),
		YieldInterval: cfg.Controller.YieldInterval(),
		ErrorBackoff:  cfg.Controller.ErrorBackoff(),
	}, app.store, app.processor, clock, logger.Named("controller"))

	app.submitter = submit.New(app.store, uuid.New(), clock, logger.Named("submit"), cfg.Submit.ChunkSize)
	return app, nil
}

// Store exposes the configured store.
func (a *App) Store() Store { return a.store }

// Controller exposes the job controller.
func (a *App) Controller() *controller.Controller { return a.controller }

// Submitter exposes job submission.
func (a *App) Submitter() *submit.Submitter { return a.submitter }

// Logger exposes the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler builds the HTTP API. loopCtx parents controller loops started over HTTP.
func (a *App) Handler(loopCtx context.Context) http.Handler {
	return api.NewServer(api.Deps{
		Submitter:   a.submitter,
		Jobs:        a.store,
		Controller:  a.controller,
		Stats:       a.store,
		Ready:       a.store,
		LoopContext: loopCtx,
	}, a.cfg.Auth, a.logger.Named("api")).Handler()
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "memory":
		a.logger.Warn("using in-memory store; state is lost on exit")
		a.store = memorystorage.NewStore()
		return nil
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = pg
		a.closeStore = pg.Close
		if a.cfg.Database.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("auto migrate failed: %w", err)
			}
			a.logger.Info("database schema applied")
		}
		return nil
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
}

func (a *App) setupBlobs(ctx context.Context) (enrich.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Storage.BaseDir))
		return blobs, nil
	case "memory":
		a.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.NewPublisher()
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(a.store, a.logger.Named("provider_stats")),
		progresssinks.NewNotifySink(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("notify")),
	}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		FlushInterval:  time.Duration(a.cfg.Progress.FlushIntervalMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("flush_interval", hubCfg.FlushInterval),
	)
	return nil
}

func (a *App) setupFetcher() (*fetcher.Fetcher, error) {
	fc := a.cfg.Fetch
	attemptTimeout := time.Duration(fc.AttemptTimeoutSeconds) * time.Second
	premiumTimeout := time.Duration(fc.PremiumTimeoutSeconds) * time.Second

	direct := collyfetcher.New(collyfetcher.Config{
		UserAgent:    fc.UserAgent,
		Timeout:      attemptTimeout,
		MaxBodySize:  fc.MaxBodyBytes,
		HTTPFallback: fc.HTTPFallback,
	})
	relayClient := collyfetcher.New(collyfetcher.Config{
		UserAgent:   fc.UserAgent,
		Timeout:     attemptTimeout,
		MaxBodySize: fc.MaxBodyBytes,
	})
	premiumClient := collyfetcher.New(collyfetcher.Config{
		UserAgent:   fc.UserAgent,
		Timeout:     premiumTimeout,
		MaxBodySize: fc.MaxBodyBytes,
	})

	relays := make([]fetcher.Source, 0, len(fc.Relays))
	for _, rc := range fc.Relays {
		src, err := relay.New(rc, relayClient)
		if err != nil {
			return nil, fmt.Errorf("relay %q: %w", rc.Name, err)
		}
		relays = append(relays, src)
	}
	premium := make([]fetcher.Source, 0, len(fc.Premium)+1)
	for _, pc := range fc.Premium {
		src, err := relay.New(pc, premiumClient)
		if err != nil {
			return nil, fmt.Errorf("premium provider %q: %w", pc.Name, err)
		}
		premium = append(premium, src)
	}
	if a.cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			Settle:            time.Duration(a.cfg.Headless.SettleMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.headless = renderer
		premium = append(premium, renderer)
		a.logger.Info("headless premium tier enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	deps := fetcher.Deps{
		Direct:  direct,
		Relays:  relays,
		Premium: premium,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.ProviderRPS,
			DefaultBurst: a.cfg.RateLimit.ProviderBurst,
			Overrides:    a.cfg.RateLimit.Overrides,
		}),
		Emitter: a.hub,
		Logger:  a.logger.Named("fetcher"),
	}
	if fc.DNSCheck {
		deps.Resolver = net.DefaultResolver
	}
	if fc.DetectShells {
		deps.Shell = detector.NewHeuristic(0)
	}
	a.logger.Info("fetch tiers configured",
		zap.Int("relays", len(relays)),
		zap.Int("premium", len(premium)),
		zap.Duration("attempt_timeout", attemptTimeout),
		zap.Duration("premium_timeout", premiumTimeout),
	)
	return fetcher.New(fetcher.Config{
		AttemptTimeout:   attemptTimeout,
		PremiumTimeout:   premiumTimeout,
		MinContentLength: fc.MinContentLength,
		BlockSignatures:  fc.BlockSignatures,
		BlockedHosts:     fc.BlockedHosts,
	}, deps), nil
}

// Close gracefully shuts down the application: the controller loop is asked to
// stop and awaited, then infrastructure is released.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.controller != nil && a.controller.Stop() {
		if err := a.controller.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		if err := a.headless.Close(); err != nil {
			a.logger.Warn("headless renderer close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		a.closeStore()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
