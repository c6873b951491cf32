// Package app builds the crawler service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/learning-bits-crawler/internal/api"
	"github.com/JakeFAU/learning-bits-crawler/internal/clock/system"
	"github.com/JakeFAU/learning-bits-crawler/internal/config"
	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/learning-bits-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/learning-bits-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/learning-bits-crawler/internal/hash/sha256"
	"github.com/JakeFAU/learning-bits-crawler/internal/headless/detector"
	"github.com/JakeFAU/learning-bits-crawler/internal/id/uuid"
	"github.com/JakeFAU/learning-bits-crawler/internal/jobs"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
	"github.com/JakeFAU/learning-bits-crawler/internal/metrics"
	"github.com/JakeFAU/learning-bits-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/learning-bits-crawler/internal/policy/simple"
	"github.com/JakeFAU/learning-bits-crawler/internal/progress"
	"github.com/JakeFAU/learning-bits-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/learning-bits-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/learning-bits-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/learning-bits-crawler/internal/session"
	gcsstorage "github.com/JakeFAU/learning-bits-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/learning-bits-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/learning-bits-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/learning-bits-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/learning-bits-crawler/internal/storage/sqlite"
)

const readHeaderTimeout = 5 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     crawler.Store
	apiServer *api.Server
	manager   *jobs.Manager
	publisher crawler.Publisher

	deps        session.Deps
	sessionOpts session.Options

	pgStore         *pgstore.Store
	sqliteStore     *sqlitestore.Store
	gcsClient       *storage.Client
	pubsubPublisher *gcppublisher.Publisher
	headless        *headlessfetcher.Fetcher
	progressHub     *progress.Hub
}

// Build creates the application's dependencies. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logging.OrNop(logger)}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Provider),
	)
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.store, err = a.setupStore(ctx); err != nil {
		return err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return err
	}
	pageFetcher, err := a.setupFetcher()
	if err != nil {
		return err
	}
	if a.progressHub, err = a.setupProgress(a.publisher); err != nil {
		return err
	}

	clock := system.New()
	a.deps = session.Deps{
		Store:   a.store,
		Fetcher: pageFetcher,
		Limiter: ratelimit.New(),
		Links:   a.linkPolicy(),
		Hasher:  sha256.New(),
		Blobs:   blobs,
		Clock:   clock,
		Logger:  a.logger,
	}
	if a.progressHub != nil {
		a.deps.Progress = a.progressHub
	}
	a.sessionOpts = a.sessionOptions()

	a.manager, err = jobs.NewManager(jobs.Config{
		MaxConcurrent:      a.cfg.Jobs.MaxConcurrent,
		QueueDepth:         a.cfg.Jobs.QueueDepth,
		AutoRestart:        a.cfg.Jobs.AutoRestart,
		MaxRestarts:        a.cfg.Jobs.MaxRestarts,
		RestartCooldown:    a.cfg.Jobs.RestartCooldown,
		RestartMaxCooldown: a.cfg.Jobs.RestartMaxCooldown,
		EventsTopic:        a.cfg.Jobs.EventsTopic,
		Defaults:           a.cfg.CrawlDefaults(),
	}, a.newSession,
		jobs.WithIDGenerator(uuid.New()),
		jobs.WithClock(clock),
		jobs.WithPublisher(a.publisher),
		jobs.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("job manager init failed: %w", err)
	}

	var opts []api.Option
	switch {
	case a.pgStore != nil:
		opts = append(opts, api.WithReadinessCheck(a.pgStore.Ping))
	case a.sqliteStore != nil:
		opts = append(opts, api.WithReadinessCheck(a.sqliteStore.Ping))
	}
	a.apiServer = api.NewServer(a.manager, a.store, a.cfg, a.logger, opts...)
	return nil
}

func (a *App) setupStore(ctx context.Context) (crawler.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.Store.DSN, MaxConns: a.cfg.Store.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = s
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.logger.Info("using postgres store", zap.Int32("max_conns", a.cfg.Store.MaxConns))
		return s, nil
	case config.DriverSQLite:
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: a.cfg.Store.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.sqliteStore = s
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Store.SQLitePath))
		return s, nil
	default:
		a.logger.Info("using in-memory store")
		return memorystorage.NewStore(), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ArchiveGCS:
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	case config.ArchiveMemory:
		a.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.New(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	// pubsub.topic_name wins over jobs.events_topic
	if a.cfg.PubSub.TopicName != "" {
		a.cfg.Jobs.EventsTopic = a.cfg.PubSub.TopicName
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.Jobs.EventsTopic),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupFetcher() (crawler.PageFetcher, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		Timeout:      a.cfg.Crawler.FetchTimeout,
		MaxBodySize:  a.cfg.Crawler.MaxBodyBytes,
		MaxRedirects: a.cfg.Crawler.MaxRedirects,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))

	var opts []fetcher.Option
	if a.cfg.Headless.Enabled {
		var err error
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
			ReadySelector:     a.cfg.Headless.ReadySelector,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		opts = append(opts, fetcher.WithHeadless(a.headless, detector.NewHeuristic(a.cfg.Headless.PromotionThresh)))
		a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}
	return fetcher.NewExecutor(static, system.New(), a.logger, opts...), nil
}

// setupProgress builds the page activity hub. It returns nil when the stream
// is disabled.
func (a *App) setupProgress(publisher crawler.Publisher) (*progress.Hub, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("page activity stream disabled")
		return nil, nil
	}
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	out := []progress.Sink{promSink}
	if a.cfg.Progress.Log {
		out = append(out, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if a.cfg.Progress.Topic != "" {
		pubSink, err := sinks.NewPublishSink(publisher, a.cfg.Progress.Topic)
		if err != nil {
			return nil, fmt.Errorf("progress publisher init failed: %w", err)
		}
		out = append(out, pubSink)
	}
	a.logger.Info("page activity stream enabled",
		zap.Int("sinks", len(out)),
		zap.String("topic", a.cfg.Progress.Topic),
	)
	return progress.NewHub(progress.Config{
		BufferSize:    a.cfg.Progress.BufferSize,
		BatchSize:     a.cfg.Progress.BatchSize,
		FlushInterval: a.cfg.Progress.FlushInterval,
		Logger:        a.logger.Named("progress"),
	}, out...), nil
}

func (a *App) linkPolicy() *simple.Policy {
	cfg := simple.Config{DenyPaths: a.cfg.Crawler.DenyPaths}
	if len(a.cfg.Crawler.SkipExtensions) > 0 {
		cfg.SkipExtensions = a.cfg.Crawler.SkipExtensions
	}
	return simple.New(cfg)
}

func (a *App) sessionOptions() session.Options {
	opts := session.DefaultOptions()
	if a.cfg.Extraction.HistoryLimit > 0 {
		opts.HistoryLimit = a.cfg.Extraction.HistoryLimit
	}
	if a.cfg.Extraction.LearningMinSamples > 0 {
		opts.Extraction.MinSamples = a.cfg.Extraction.LearningMinSamples
	}
	if a.cfg.Extraction.CrossRefThreshold > 0 {
		opts.CrossRefs.Threshold = a.cfg.Extraction.CrossRefThreshold
	}
	if a.cfg.Crawler.RetryBackoff > 0 {
		opts.RetryBackoff = a.cfg.Crawler.RetryBackoff
	}
	if a.cfg.Crawler.RetryMaxBackoff > 0 {
		opts.RetryMaxBackoff = a.cfg.Crawler.RetryMaxBackoff
	}
	if a.cfg.Archive.Prefix != "" {
		opts.ArchivePrefix = a.cfg.Archive.Prefix
	}
	if a.cfg.Archive.ContentType != "" {
		opts.ArchiveContentType = a.cfg.Archive.ContentType
	}
	return opts
}

// newSession is the job manager's runner factory.
func (a *App) newSession(job crawler.CrawlJob) (jobs.Runner, error) {
	s, err := session.New(job.ID, job.SeedURL, job.Config, a.deps, a.sessionOpts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Manager returns the job manager.
func (a *App) Manager() *jobs.Manager {
	return a.manager
}

// Publisher returns the broker job and page events go to.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Store returns the learning bit store.
func (a *App) Store() crawler.Store {
	return a.store
}

// Run serves HTTP until ctx is canceled, then drains jobs and closes
// everything.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close stops every job, then releases stores and clients.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.manager != nil {
		if shutdownErr := a.manager.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("job manager shutdown: %w", shutdownErr)
		}
	}
	a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.pubsubPublisher = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite store close failed", zap.Error(err))
		}
		a.sqliteStore = nil
	}
}

var (
	_ jobs.Runner         = (*session.Session)(nil)
	_ crawler.PageFetcher = (*fetcher.Executor)(nil)
)
