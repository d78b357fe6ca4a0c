// Package app is the composition root: it builds every store, channel,
// orchestrator and the scheduler from config, registers the queue consumers
// and runs the HTTP API until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/api"
	"github.com/JakeFAU/multipublish/internal/browser"
	"github.com/JakeFAU/multipublish/internal/clock/system"
	"github.com/JakeFAU/multipublish/internal/config"
	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/events"
	"github.com/JakeFAU/multipublish/internal/events/sinks"
	"github.com/JakeFAU/multipublish/internal/id/uuid"
	"github.com/JakeFAU/multipublish/internal/jobs"
	jobsmemory "github.com/JakeFAU/multipublish/internal/jobs/memory"
	jobsredis "github.com/JakeFAU/multipublish/internal/jobs/redis"
	"github.com/JakeFAU/multipublish/internal/logging"
	"github.com/JakeFAU/multipublish/internal/notify"
	"github.com/JakeFAU/multipublish/internal/notify/channels/email"
	"github.com/JakeFAU/multipublish/internal/notify/channels/realtime"
	"github.com/JakeFAU/multipublish/internal/notify/channels/record"
	"github.com/JakeFAU/multipublish/internal/policy/ratelimit"
	"github.com/JakeFAU/multipublish/internal/publish"
	"github.com/JakeFAU/multipublish/internal/scheduler"
	"github.com/JakeFAU/multipublish/internal/scrape"
	gcsstorage "github.com/JakeFAU/multipublish/internal/storage/gcs"
	localstorage "github.com/JakeFAU/multipublish/internal/storage/local"
	memorystorage "github.com/JakeFAU/multipublish/internal/storage/memory"
	pgstore "github.com/JakeFAU/multipublish/internal/storage/postgres"
)

const shutdownTimeout = 15 * time.Second

// Stores groups the collaborator stores selected by config.
type Stores struct {
	Articles      domain.ArticleStore
	Stats         domain.StatsStore
	Comments      domain.CommentStore
	Credentials   domain.CredentialStore
	Notifications domain.NotificationStore
	Blobs         domain.BlobStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	stores    Stores
	queue     *jobs.Queue
	hub       *events.Hub
	registry  *prometheus.Registry
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	browser   *browser.Browser

	pool          *pgxpool.Pool
	redis         goredis.UniversalClient
	pubsubClient  *pubsub.Client
	pubsubChannel *realtime.PubSubChannel
	storage       *storage.Client
}

// Queue exposes the job queue, mainly for the enqueue command.
func (a *App) Queue() *jobs.Queue { return a.queue }

// Scheduler returns the task scheduler, or nil when it is disabled.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Stores returns the stores in use.
func (a *App) Stores() Stores { return a.stores }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Build creates the application's dependencies. A nil logger is built from
// cfg.Logging. On error every resource opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if err := a.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.closeInfrastructure(closeCtx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("queue_backend", a.cfg.Queue.Backend),
		zap.String("storage_backend", a.cfg.Storage.Backend),
		zap.Bool("postgres", a.cfg.Database.DSN != ""),
	)
	clock := system.New()
	ids := uuid.New()

	if err := a.setupStores(ctx); err != nil {
		return err
	}
	if err := a.setupBlobStore(ctx); err != nil {
		return err
	}
	if a.cfg.Queue.Backend == "redis" || a.cfg.Notify.Realtime == "redis" {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
	}

	jobStore, err := a.setupJobStore()
	if err != nil {
		return err
	}

	// The alert sink needs the dispatcher, which needs the queue, which needs
	// the hub; ref closes the loop once the queue exists.
	ref := &queueRef{}
	dispatcher, err := notify.NewDispatcher(ref, clock, a.logger)
	if err != nil {
		return fmt.Errorf("notification dispatcher init failed: %w", err)
	}
	if err := a.setupEvents(ctx, dispatcher); err != nil {
		return err
	}

	a.queue, err = jobs.NewQueue(jobStore, ids, clock, a.hub, jobs.Config{
		PollInterval: a.cfg.Queue.PollInterval,
		Lease:        a.cfg.Queue.Lease,
		Retention:    jobs.Retention{Completed: a.cfg.Queue.RetainCompleted, Failed: a.cfg.Queue.RetainFailed},
		Families:     families(a.cfg.Queue.Families),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("job queue init failed: %w", err)
	}
	ref.queue = a.queue

	if err := a.setupNotify(ctx); err != nil {
		return err
	}
	if err := a.setupPublish(dispatcher, clock); err != nil {
		return err
	}
	scrapers, err := a.setupScrape(dispatcher, clock, ids)
	if err != nil {
		return err
	}

	if a.cfg.Scheduler.Enabled {
		platforms := a.cfg.Scrape.Platforms
		if len(platforms) == 0 {
			platforms = scrapers.Platforms()
		}
		a.scheduler, err = scheduler.New(a.queue, a.stores.Articles, a.stores.Credentials, clock, scheduler.Config{
			Timezone:      a.cfg.Scheduler.Timezone,
			DailyScrape:   a.cfg.Scheduler.DailyScrape,
			StatsRefresh:  a.cfg.Scheduler.StatsRefresh,
			WeeklyCleanup: a.cfg.Scheduler.WeeklyCleanup,
			UserScrape:    a.cfg.Scheduler.UserScrape,
			Platforms:     platforms,
			RetentionDays: a.cfg.Scrape.StatsRetentionDays,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	deps := api.Deps{
		Queue:       a.queue,
		Articles:    a.stores.Articles,
		Credentials: a.stores.Credentials,
		Metrics:     promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, a.registry}, promhttp.HandlerOpts{}),
		Ready:       a.ready,
	}
	if a.scheduler != nil {
		deps.Scheduler = a.scheduler
	}
	a.apiServer = api.NewServer(deps, a.cfg, a.logger)
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.stores = Stores{
			Articles:      memorystorage.NewArticleStore(),
			Stats:         memorystorage.NewStatsStore(),
			Comments:      memorystorage.NewCommentStore(),
			Credentials:   memorystorage.NewCredentialStore(),
			Notifications: memorystorage.NewNotificationStore(),
		}
		return nil
	}
	if a.cfg.Database.MigrateOnStart {
		if err := pgstore.Migrate(a.cfg.Database.DSN); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		a.logger.Info("database migrations applied")
	}
	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      a.cfg.Database.DSN,
		MaxConns: a.cfg.Database.MaxConns,
		MinConns: a.cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}

	var stores Stores
	if stores.Articles, err = pgstore.NewArticleStore(a.pool); err != nil {
		return fmt.Errorf("article store init failed: %w", err)
	}
	if stores.Stats, err = pgstore.NewStatsStore(a.pool); err != nil {
		return fmt.Errorf("stats store init failed: %w", err)
	}
	if stores.Comments, err = pgstore.NewCommentStore(a.pool); err != nil {
		return fmt.Errorf("comment store init failed: %w", err)
	}
	if stores.Credentials, err = pgstore.NewCredentialStore(a.pool); err != nil {
		return fmt.Errorf("credential store init failed: %w", err)
	}
	if stores.Notifications, err = pgstore.NewNotificationStore(a.pool); err != nil {
		return fmt.Errorf("notification store init failed: %w", err)
	}
	a.stores = stores
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:   a.cfg.Storage.Bucket,
			Metadata: map[string]string{"source": "multipublish"},
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.stores.Blobs = blobs
		a.logger.Info("using GCS comment archive", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.stores.Blobs = blobs
		a.logger.Info("using local comment archive", zap.String("path", a.cfg.Storage.BaseDir))
	default:
		a.logger.Info("using in-memory comment archive")
		a.stores.Blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupJobStore() (jobs.Store, error) {
	if a.cfg.Queue.Backend != "redis" {
		a.logger.Warn("using in-memory job store; jobs do not survive restarts")
		return jobsmemory.NewStore(), nil
	}
	store, err := jobsredis.New(a.redis, jobsredis.Config{Prefix: a.cfg.Redis.KeyPrefix})
	if err != nil {
		return nil, fmt.Errorf("redis job store init failed: %w", err)
	}
	a.logger.Info("using redis job store", zap.String("addr", a.cfg.Redis.Addr))
	return store, nil
}

func (a *App) setupEvents(ctx context.Context, notifier sinks.Notifier) error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.hub = events.NewHub(events.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("event_hub"),
	},
		sinks.NewLogSink(a.logger.Named("job_events")),
		promSink,
		sinks.NewAlertSink(notifier, a.logger.Named("alerts")),
	)
	return nil
}

func (a *App) setupNotify(ctx context.Context) error {
	var channels notify.Channels

	rec, err := record.New(a.stores.Notifications)
	if err != nil {
		return fmt.Errorf("record channel init failed: %w", err)
	}
	channels.Record = rec

	switch a.cfg.Notify.Realtime {
	case "redis":
		ch, err := realtime.NewRedis(a.redis, a.cfg.Redis.RealtimeChannel)
		if err != nil {
			return fmt.Errorf("redis realtime channel init failed: %w", err)
		}
		channels.Realtime = ch
	case "pubsub":
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Notify.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubChannel, err = realtime.NewPubSub(a.pubsubClient.Topic(a.cfg.Notify.PubSub.TopicName))
		if err != nil {
			return fmt.Errorf("pubsub realtime channel init failed: %w", err)
		}
		channels.Realtime = a.pubsubChannel
		a.logger.Info("Pub/Sub realtime channel initialized",
			zap.String("project", a.cfg.Notify.PubSub.ProjectID),
			zap.String("topic", a.cfg.Notify.PubSub.TopicName),
		)
	default:
		a.logger.Info("realtime notifications disabled")
	}

	if a.cfg.Notify.Email.Enabled {
		mail, err := email.New(email.Config{
			Host:       a.cfg.Notify.Email.Host,
			Port:       a.cfg.Notify.Email.Port,
			Username:   a.cfg.Notify.Email.Username,
			Password:   a.cfg.Notify.Email.Password,
			From:       a.cfg.Notify.Email.From,
			Recipients: a.cfg.Notify.Email.Recipients,
			Timeout:    a.cfg.Notify.Email.Timeout,
		}, nil)
		if err != nil {
			return fmt.Errorf("email channel init failed: %w", err)
		}
		channels.Email = mail
	}

	processor := notify.NewProcessor(channels, a.logger)
	return a.register(jobs.QueueNotify, processor.Handle, 1, jobs.TypeNotification)
}

func (a *App) setupPublish(notifier publish.Notifier, clock *system.Clock) error {
	registry := publish.NewRegistry()
	for name, platform := range a.cfg.Platforms {
		if platform.PublishEndpoint == "" {
			continue
		}
		adapter, err := publish.NewHTTPAdapter(publish.HTTPConfig{Platform: name, Endpoint: platform.PublishEndpoint})
		if err != nil {
			return fmt.Errorf("publisher for %s init failed: %w", name, err)
		}
		registry.Register(name, adapter)
	}
	orch, err := publish.NewOrchestrator(a.stores.Articles, registry, notifier, clock, clock,
		publish.Config{PlatformPause: a.cfg.Publish.PlatformPause}, a.logger)
	if err != nil {
		return fmt.Errorf("publish orchestrator init failed: %w", err)
	}
	a.logger.Info("publishers registered", zap.Strings("platforms", registry.Platforms()))
	return a.register(jobs.QueuePublish, orch.Handle, a.cfg.Publish.Concurrency, jobs.TypePublishArticle)
}

func (a *App) setupScrape(notifier scrape.Notifier, clock *system.Clock, ids domain.IDGenerator) (*scrape.Registry, error) {
	registry := scrape.NewRegistry()
	if a.cfg.Browser.Enabled {
		var err error
		a.browser, err = browser.New(browser.Config{
			Headless:          a.cfg.Browser.Headless,
			MaxParallel:       a.cfg.Browser.MaxParallel,
			NavigationTimeout: a.cfg.Browser.NavigationTimeout,
			UserAgents:        a.cfg.Browser.UserAgents,
			BlockedResources:  a.cfg.Browser.BlockedResources,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("browser init failed: %w", err)
		}
		guard := browser.NewGuard(a.browser, browser.NewDetector(), clock, a.cfg.Browser.AntiBotWait, a.logger)
		pacer := ratelimit.New(ratelimit.Config{
			MinInterval: a.cfg.Pacing.MinInterval,
			Overrides:   a.cfg.Pacing.Overrides,
			Capacity:    a.cfg.Pacing.Capacity,
			TTL:         a.cfg.Pacing.TTL,
		})
		for name, platform := range a.cfg.Platforms {
			sel := platform.Selectors
			if sel == (config.SelectorsConfig{}) {
				continue
			}
			scraper, err := browser.NewSelectorScraper(name, browser.Selectors(sel), guard, pacer, clock)
			if err != nil {
				return nil, fmt.Errorf("scraper for %s init failed: %w", name, err)
			}
			registry.Register(name, scraper)
		}
		a.logger.Info("scrapers registered", zap.Strings("platforms", registry.Platforms()))
	} else {
		a.logger.Warn("browser disabled; scrape jobs for every platform will fail")
	}

	orch, err := scrape.NewOrchestrator(scrape.Deps{
		Articles: a.stores.Articles,
		Stats:    a.stores.Stats,
		Comments: a.stores.Comments,
		Blobs:    a.stores.Blobs,
		Scrapers: registry,
		Notifier: notifier,
		IDs:      ids,
		Clock:    clock,
		Sleeper:  clock,
	}, scrape.Config{
		BatchDelay:    a.cfg.Scrape.BatchDelay,
		CommentLimit:  a.cfg.Scrape.CommentLimit,
		ArchivePrefix: a.cfg.Storage.Prefix,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scrape orchestrator init failed: %w", err)
	}
	err = a.register(jobs.QueueScrape, orch.Handle, 1,
		jobs.TypeArticleStats, jobs.TypeComments, jobs.TypeBatchStats, jobs.TypeUserFocused, jobs.TypeCleanup)
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// register installs handler for each type. queue.concurrency wins over
// fallback; both unset means one slot.
func (a *App) register(queue jobs.QueueName, handler jobs.Handler, fallback int, types ...jobs.Type) error {
	for _, typ := range types {
		concurrency := a.cfg.Queue.Concurrency[string(typ)]
		if concurrency <= 0 {
			concurrency = fallback
		}
		if concurrency <= 0 {
			concurrency = 1
		}
		if err := a.queue.RegisterConsumer(queue, typ, concurrency, handler); err != nil {
			return fmt.Errorf("register %s consumer: %w", typ, err)
		}
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ping postgres: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("ping redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start launches the queue consumers and registers the scheduled tasks.
func (a *App) Start(ctx context.Context) error {
	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize scheduler: %w", err)
		}
	}
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("application started")

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops the scheduler and consumers, drains the event hub and releases
// every client.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(ctx); err != nil {
			a.logger.Warn("scheduler shutdown failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubsubChannel != nil {
		a.pubsubChannel.Stop()
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
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func families(overrides map[string]config.FamilyConfig) map[jobs.QueueName]jobs.FamilyDefaults {
	out := jobs.DefaultFamilies()
	for name, o := range overrides {
		q := jobs.QueueName(name)
		def := out[q]
		if o.Priority > 0 {
			def.Priority = o.Priority
		}
		if o.MaxAttempts > 0 {
			def.MaxAttempts = o.MaxAttempts
		}
		if o.Backoff > 0 {
			def.Backoff = o.Backoff
		}
		out[q] = def
	}
	return out
}

// queueRef forwards Enqueue to a queue assigned after construction.
type queueRef struct {
	queue *jobs.Queue
}

func (r *queueRef) Enqueue(ctx context.Context, queue jobs.QueueName, payload jobs.Payload, opts ...jobs.Option) (jobs.Job, error) {
	if r.queue == nil {
		return jobs.Job{}, jobs.ErrQueueClosed
	}
	job, err := r.queue.Enqueue(ctx, queue, payload, opts...)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue %s: %w", payload.JobType(), err)
	}
	return job, nil
}
