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
	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/api"
	"github.com/JakeFAU/print-quote-service/internal/cart"
	"github.com/JakeFAU/print-quote-service/internal/clock/system"
	"github.com/JakeFAU/print-quote-service/internal/config"
	"github.com/JakeFAU/print-quote-service/internal/dispatcher"
	"github.com/JakeFAU/print-quote-service/internal/fetcher"
	"github.com/JakeFAU/print-quote-service/internal/hash/sha256"
	"github.com/JakeFAU/print-quote-service/internal/id/uuid"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/logging"
	"github.com/JakeFAU/print-quote-service/internal/orchestrator"
	"github.com/JakeFAU/print-quote-service/internal/policy/ratelimit"
	"github.com/JakeFAU/print-quote-service/internal/pricing"
	memorypublisher "github.com/JakeFAU/print-quote-service/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/print-quote-service/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/print-quote-service/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/print-quote-service/internal/storage/gcs"
	localstorage "github.com/JakeFAU/print-quote-service/internal/storage/local"
	memoryStorage "github.com/JakeFAU/print-quote-service/internal/storage/memory"
	pgstore "github.com/JakeFAU/print-quote-service/internal/storage/postgres"
	redisstore "github.com/JakeFAU/print-quote-service/internal/storage/redis"
	s3storage "github.com/JakeFAU/print-quote-service/internal/storage/s3"
	"github.com/JakeFAU/print-quote-service/internal/verification"
	"github.com/JakeFAU/print-quote-service/internal/worker"
)

const janitorInterval = time.Minute

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	orchestrator    *orchestrator.Orchestrator
	queue           *queueMemory.Queue
	tokens          *verification.Manager
	memorySessions  *verification.MemoryStore
	redisSessions   *redisstore.SessionStore
	clientLimiter   *ratelimit.Limiter
	hostLimiter     *ratelimit.Limiter
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	resultStore     *pgstore.ResultStore
	checks          map[string]api.Check
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		AuthEnabled    bool   `json:"auth_enabled"`
		TokenBackend   string `json:"token_backend"`
		StorageBackend string `json:"storage_backend"`
		Workers        int    `json:"workers"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		AuthEnabled:    cfg.Auth.Enabled,
		TokenBackend:   cfg.Tokens.Backend,
		StorageBackend: cfg.Storage.Backend,
		Workers:        cfg.Jobs.Workers,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		checks: map[string]api.Check{},
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go a.orchestrator.RunSweeper(ctx)
	go a.janitor(ctx)

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

	return a.Close(shutdownCtx)
}

// janitor drops expired in-memory sessions and idle limiter entries.
func (a *App) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged := 0
			if a.memorySessions != nil {
				purged = a.memorySessions.Purge()
			}
			forgotten := 0
			if a.clientLimiter != nil {
				forgotten += a.clientLimiter.Forget(10 * janitorInterval)
			}
			if a.hostLimiter != nil {
				forgotten += a.hostLimiter.Forget(10 * janitorInterval)
			}
			if purged > 0 || forgotten > 0 {
				a.logger.Debug("janitor pass", zap.Int("sessions_purged", purged), zap.Int("limiters_forgotten", forgotten))
			}
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
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
	if a.resultStore != nil {
		a.resultStore.Close()
	}
	if a.redisSessions != nil {
		if err := a.redisSessions.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger wires every component using logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.logger.Info("building application dependencies")
	clock := system.New()
	ids := uuid.New()

	sessions, err := setupSessions(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	app.tokens = verification.NewManager(sessions, clock, cfg.Tokens.TTL, logger.Named("tokens"))

	results, err := setupResults(ctx, app)
	if err != nil {
		return nil, err
	}
	analysis := analyzer.New(sha256.New(), clock, results, logger.Named("analyzer"),
		analyzer.NewRasterClassifier(cfg.Analysis.DPI, cfg.Analysis.ChromaTolerance, cfg.Analysis.MinColorPixels),
		analyzer.NewStructureClassifier(),
	)

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	fetch := setupFetcher(app)
	pipeline := worker.NewPipeline(fetch, analysis, blobStore, worker.PipelineConfig{
		BlobPrefix: cfg.Storage.Prefix,
	}, logger.Named("pipeline"))

	jobStore := memoryStorage.NewJobStore(clock)
	app.queue = queueMemory.NewQueue(cfg.Jobs.QueueDepth)
	app.dispatch = setupDispatcher(app, jobStore, pipeline)
	app.checks["workers"] = app.dispatch.Check
	app.orchestrator = orchestrator.New(
		jobStore,
		app.queue,
		pipeline,
		fetch,
		ids,
		clock,
		app.tokens.Hook,
		orchestratorConfig(cfg.Jobs),
		logger.Named("orchestrator"),
	)

	engine, err := pricing.NewEngine(catalogFrom(cfg.Pricing))
	if err != nil {
		return nil, fmt.Errorf("pricing engine init failed: %w", err)
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	checkout := cart.New(app.tokens, publisher, ids, clock, logger.Named("cart"))

	var rateLimit func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		app.clientLimiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
		rateLimit = app.clientLimiter.Middleware
		app.logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	app.apiServer = api.NewServer(api.Deps{
		Orchestrator: app.orchestrator,
		Tokens:       app.tokens,
		Results:      analysis,
		Pricer:       engine,
		Cart:         checkout,
		IDs:          ids,
		Clock:        clock,
		RateLimit:    rateLimit,
		Checks:       app.checks,
	}, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		AuthHeader:     cfg.Auth.Header,
		AuthSecret:     cfg.Auth.Secret,
		RequestTimeout: cfg.Server.RequestTimeout,
		SecureCookies:  cfg.Server.SecureCookies,
		SessionTTL:     app.tokens.TTL(),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, logger.Named("api"))

	return app, nil
}

func setupSessions(ctx context.Context, app *App, clock *system.Clock) (verification.SessionStore, error) {
	if app.cfg.Tokens.Backend != "redis" {
		app.logger.Info("using in-memory session store")
		app.memorySessions = verification.NewMemoryStore(clock)
		return app.memorySessions, nil
	}
	store, err := redisstore.NewSessionStore(ctx, app.cfg.Redis.URL, app.cfg.Redis.Prefix)
	if err != nil {
		return nil, fmt.Errorf("redis session store init failed: %w", err)
	}
	app.redisSessions = store
	app.checks["redis"] = store.Ping
	app.logger.Info("using redis session store", zap.String("prefix", app.cfg.Redis.Prefix))
	return store, nil
}

func setupResults(ctx context.Context, app *App) (*memoryStorage.ResultStore, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, analysis results are kept in memory only")
		return memoryStorage.NewResultStore(app.cfg.Analysis.CacheSize, nil), nil
	}
	var err error
	app.resultStore, err = pgstore.NewResultStore(ctx, pgstore.ResultStoreConfig{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.Table,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("result store init failed: %w", err)
	}
	if err := app.resultStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("result store schema failed: %w", err)
	}
	app.checks["postgres"] = app.resultStore.Ping
	app.logger.Info("result store initialized", zap.String("table", app.cfg.Database.Table))
	return memoryStorage.NewResultStore(app.cfg.Analysis.CacheSize, app.resultStore), nil
}

func setupStorage(ctx context.Context, app *App) (job.BlobStore, error) {
	// Archived documents only need to outlive the verification window.
	retain := 2 * app.cfg.Tokens.TTL
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Retain: retain,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.checks["gcs"] = blobStore.Ping
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return blobStore, nil
	case "s3":
		app.logger.Info("using S3 storage backend")
		blobStore, err := s3storage.New(ctx, s3storage.Config{
			Bucket:   app.cfg.Storage.Bucket,
			Region:   app.cfg.Storage.Region,
			Endpoint: app.cfg.Storage.Endpoint,
			Retain:   retain,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		app.logger.Debug("S3 storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
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

func setupFetcher(app *App) *fetcher.Fetcher {
	cfg := app.cfg.Fetch
	var opts []fetcher.Option
	if cfg.HostRPS > 0 {
		app.hostLimiter = ratelimit.New(ratelimit.Config{RPS: cfg.HostRPS, Burst: cfg.HostBurst})
		opts = append(opts, fetcher.WithHostLimiter(app.hostLimiter))
	}
	app.logger.Info("fetcher config",
		zap.Int64("max_bytes", cfg.MaxBytes),
		zap.Strings("allowed_content_types", cfg.AllowedContentTypes),
		zap.Int("max_redirects", cfg.MaxRedirects),
		zap.Float64("host_rps", cfg.HostRPS),
	)
	return fetcher.New(fetcher.Config{
		MaxBytes:            cfg.MaxBytes,
		AllowedContentTypes: cfg.AllowedContentTypes,
		MaxRedirects:        cfg.MaxRedirects,
		UserAgent:           cfg.UserAgent,
	}, app.logger.Named("fetcher"), opts...)
}

func setupPublisher(ctx context.Context, app *App) (job.Publisher, error) {
	if app.cfg.PubSub.Topic == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.Topic)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupDispatcher(app *App, jobStore job.Store, pipeline *worker.Pipeline) *dispatcher.Dispatcher {
	workerCfg := worker.Config{Timeout: app.cfg.Jobs.Timeout}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Jobs.Workers),
		zap.Int("queue_depth", app.cfg.Jobs.QueueDepth),
		zap.Duration("job_timeout", workerCfg.Timeout),
	)
	workers := make([]*worker.Worker, 0, app.cfg.Jobs.Workers)
	for i := 0; i < app.cfg.Jobs.Workers; i++ {
		workers = append(workers, worker.New(
			app.queue,
			jobStore,
			pipeline,
			app.tokens.Hook,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}

// orchestratorConfig sizes the inline pool like the worker pool.
func orchestratorConfig(cfg config.JobsConfig) orchestrator.Config {
	return orchestrator.Config{
		SyncThreshold: cfg.SyncThreshold,
		InlineSlots:   int64(cfg.Workers),
		Retention:     cfg.Retention,
		TombstoneTTL:  cfg.TombstoneTTL,
		SweepInterval: cfg.SweepInterval,
	}
}

// catalogFrom applies configured limits and discounts to the stock rate card.
func catalogFrom(cfg config.PricingConfig) pricing.Catalog {
	catalog := pricing.DefaultCatalog()
	if cfg.MaxCopies > 0 {
		catalog.MaxCopies = cfg.MaxCopies
	}
	if len(cfg.Discounts) > 0 {
		catalog.Discounts = make([]pricing.DiscountTier, 0, len(cfg.Discounts))
		for _, tier := range cfg.Discounts {
			catalog.Discounts = append(catalog.Discounts, pricing.DiscountTier{
				MinQuantity: tier.MinQuantity,
				BasisPoints: pricing.BasisPoints(tier.BasisPoints),
			})
		}
	}
	return catalog
}
