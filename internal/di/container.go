package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/greenbasket/api/internal/handlers"
	"github.com/greenbasket/api/internal/platform/auth"
	"github.com/greenbasket/api/internal/platform/cache"
	"github.com/greenbasket/api/internal/platform/config"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/platform/idempotency"
	"github.com/greenbasket/api/internal/platform/jobs"
	"github.com/greenbasket/api/internal/platform/observability"
	"github.com/greenbasket/api/internal/platform/storage"
	firestoreRepo "github.com/greenbasket/api/internal/repositories/firestore"
	"github.com/greenbasket/api/internal/services"
)

const (
	cacheKeyPrefix       = "greenbasket:"
	idempotencyKeyPrefix = "greenbasket:idem:"
	closeTimeout         = 5 * time.Second
)

// Services bundles the service-layer contracts the handlers depend on.
type Services struct {
	Carts      services.CartService
	Orders     services.OrderService
	Promotions services.PromotionService
	Reviews    services.ReviewService
	Archive    services.ArchiveService
	System     services.SystemService
	Scheduler  *services.OrderScheduler
}

// Container owns every long-lived dependency of the API process.
type Container struct {
	Config   config.Config
	Registry *firestoreRepo.Registry
	Services Services
	Router   http.Handler

	logger  *zap.Logger
	purger  idempotency.Purger
	closers []func(context.Context) error
}

// New builds the container. Optional backends (Redis, Pub/Sub, the export bucket) are skipped
// when unconfigured; Firestore and Firebase are required.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, build services.BuildInfo) (c *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Container{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			defer cancel()
			_ = c.Close(closeCtx)
		}
	}()

	provider := pfirestore.NewProvider(cfg.Firestore)
	c.onClose(provider.Close)
	if c.Registry, err = firestoreRepo.NewRegistry(provider); err != nil {
		return nil, fmt.Errorf("build repositories: %w", err)
	}
	dependencies := []services.Dependency{{Name: "firestore", Critical: true, Check: provider.Ping}}

	redisCache := c.dialRedis(ctx)
	if redisCache != nil {
		dependencies = append(dependencies, services.Dependency{Name: "redis", Check: redisCache.Ping})
	}

	events, topicDeps, err := c.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}
	dependencies = append(dependencies, topicDeps...)

	if err := c.buildServices(ctx, redisCache, events); err != nil {
		return nil, err
	}
	if c.Services.System, err = services.NewSystemService(services.SystemServiceDeps{Dependencies: dependencies, Build: build}); err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return nil, fmt.Errorf("build firebase verifier: %w", err)
	}
	authn := auth.NewAuthenticator(verifier, auth.WithAdminRoles(cfg.Security.AdminRoles...))

	var store idempotency.Store
	if redisCache != nil {
		store = idempotency.NewRedisStore(redisCache.Client(), idempotencyKeyPrefix)
	} else {
		fsStore := idempotency.NewFirestoreStore(provider)
		store, c.purger = fsStore, fsStore
	}
	createOrder := idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	serviceAuth := auth.NewServiceAuth(
		auth.NewJWKSCache(auth.JWKSConfig{URL: cfg.Security.OIDC.JWKSURL, Logger: logger.Named("jwks")}),
		cfg.Security.OIDC.Audience,
		auth.WithIssuers(cfg.Security.OIDC.Issuers...),
		auth.WithAllowedCallers(cfg.Security.OIDC.AllowedCallers...),
		auth.WithServiceAuthLogger(logger.Named("auth")),
	)

	orders := handlers.NewOrderHandlers(authn, c.Services.Orders, handlers.WithOrderCreateMiddleware(createOrder))
	promotions := handlers.NewPromotionHandlers(authn, c.Services.Promotions)
	projectID := provider.ProjectID()
	c.Router = handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.RecoveryMiddleware(logger),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(c.Services.System),
		)),
		handlers.WithOrderRoutes(orders.Routes),
		handlers.WithReviewRoutes(handlers.NewReviewHandlers(c.Services.Reviews).Routes),
		handlers.WithAdminRoutes(orders.AdminRoutes),
		handlers.WithCartRoutes(handlers.NewCartHandlers(authn, c.Services.Carts,
			handlers.WithCartRateLimit(cfg.RateLimits.CartPerMinute, nil)).Routes),
		handlers.WithPromotionRoutes(promotions.Routes),
		handlers.WithPromotionTargetRoutes(promotions.TargetRoutes),
		handlers.WithInternalRoutes(handlers.NewInternalHandlers(c.Services.Scheduler, c.Services.Archive).Routes),
		handlers.WithInternalMiddlewares(serviceAuth.Require()),
	)
	return c, nil
}

func (c *Container) buildServices(ctx context.Context, redisCache *cache.Redis, events services.EventPublisher) error {
	cfg, reg := c.Config, c.Registry
	logEvent := observability.EventLogger(c.logger.Named("services"))
	sanitizer := bluemonday.StrictPolicy()

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		VATRate:               &cfg.Pricing.VATRate,
		BaseShippingFee:       &cfg.Pricing.BaseShippingFee,
		FreeShippingThreshold: &cfg.Pricing.FreeShippingThreshold,
		Logger:                logEvent,
	})
	if err != nil {
		return fmt.Errorf("build pricing engine: %w", err)
	}

	promotionDeps := services.PromotionServiceDeps{
		Promotions: reg.Promotions(),
		Targets:    reg.PromotionTargets(),
		CacheTTL:   cfg.Redis.PromotionTTL,
		Logger:     logEvent,
	}
	if redisCache != nil {
		promotionDeps.Cache = redisCache
	} else {
		promotionDeps.Cache = cache.NewMemory(nil)
	}
	if c.Services.Promotions, err = services.NewPromotionService(promotionDeps); err != nil {
		return fmt.Errorf("build promotion service: %w", err)
	}

	if c.Services.Carts, err = services.NewCartService(services.CartServiceDeps{
		Repository: reg.Carts(),
		Pricing:    pricing,
		Promotions: c.Services.Promotions,
		Logger:     logEvent,
	}); err != nil {
		return fmt.Errorf("build cart service: %w", err)
	}

	dispatcher, err := services.NewFulfillmentDispatcher(services.FulfillmentDispatcherDeps{
		Ledger:        reg.Fulfillment(),
		Counters:      reg.ProductCounters(),
		Notifications: reg.Notifications(),
		Orders:        reg.Orders(),
		UnitOfWork:    reg,
		Events:        events,
		Logger:        logEvent,
	})
	if err != nil {
		return fmt.Errorf("build fulfillment dispatcher: %w", err)
	}

	if c.Services.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders(),
		PromotionUsage: reg.PromotionUsage(),
		PromotionStore: reg.Promotions(),
		Promotions:     c.Services.Promotions,
		Pricing:        pricing,
		Dispatcher:     dispatcher,
		UnitOfWork:     reg,
		Events:         events,
		Sanitizer:      sanitizer,
		Logger:         logEvent,
	}); err != nil {
		return fmt.Errorf("build order service: %w", err)
	}

	if c.Services.Reviews, err = services.NewReviewService(services.ReviewServiceDeps{
		Reviews:   reg.Reviews(),
		Orders:    c.Services.Orders,
		Sanitizer: sanitizer,
		Logger:    logEvent,
	}); err != nil {
		return fmt.Errorf("build review service: %w", err)
	}

	if c.Services.Scheduler, err = services.NewOrderScheduler(services.OrderSchedulerDeps{
		Orders:       reg.Orders(),
		Transitioner: c.Services.Orders,
		Interval:     cfg.Scheduler.Interval,
		Dwell:        cfg.Scheduler.Dwell,
		BatchSize:    cfg.Scheduler.BatchSize,
		Logger:       logEvent,
	}); err != nil {
		return fmt.Errorf("build order scheduler: %w", err)
	}

	archive, err := c.buildArchive(ctx, logEvent)
	if err != nil {
		return err
	}
	if archive != nil {
		c.Services.Archive = archive
	}
	return nil
}

// buildArchive returns nil when no export bucket is configured; the archive route then answers 503.
func (c *Container) buildArchive(ctx context.Context, logEvent func(context.Context, string, map[string]any)) (services.ArchiveService, error) {
	bucket := strings.TrimSpace(c.Config.Storage.ExportsBucket)
	if bucket == "" {
		c.logger.Info("order archive disabled: no exports bucket configured")
		return nil, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })

	writer, err := storage.NewObjectWriter(client)
	if err != nil {
		return nil, err
	}
	var signer *storage.Client
	if key := strings.TrimSpace(c.Config.Storage.SignerKey); key != "" {
		keySigner, err := storage.ParseKeySigner([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse storage signer key: %w", err)
		}
		signer, err = storage.NewClient(keySigner)
		if err != nil {
			return nil, err
		}
	} else if signer, err = storage.NewBucketClient(client); err != nil {
		return nil, err
	}

	archive, err := services.NewArchiveService(services.ArchiveServiceDeps{
		Orders: c.Registry.Orders(),
		Writer: writer,
		Signer: signer,
		Bucket: bucket,
		Logger: logEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("build archive service: %w", err)
	}
	return archive, nil
}

// dialRedis returns nil when Redis is unconfigured or unreachable at startup. Promotions then
// read straight from Firestore and idempotency records live in Firestore.
func (c *Container) dialRedis(ctx context.Context) *cache.Redis {
	redisCache, err := cache.New(ctx, c.Config.Redis, cacheKeyPrefix)
	switch {
	case errors.Is(err, cache.ErrDisabled):
		return nil
	case err != nil:
		c.logger.Warn("redis unavailable, continuing without cache", zap.Error(err))
		return nil
	}
	c.onClose(func(context.Context) error { return redisCache.Close() })
	return redisCache
}

// buildPublisher returns a nil publisher when no order events topic is configured.
func (c *Container) buildPublisher(ctx context.Context) (services.EventPublisher, []services.Dependency, error) {
	cfg := c.Config.PubSub
	if strings.TrimSpace(cfg.OrderEventsTopic) == "" {
		c.logger.Info("order events disabled: no topic configured")
		return nil, nil, nil
	}
	project := strings.TrimSpace(cfg.ProjectID)
	if project == "" {
		project = c.Config.Firestore.ProjectID
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })

	eventsTopic := client.Topic(cfg.OrderEventsTopic)
	dependencies := []services.Dependency{topicDependency("pubsub.orderEvents", eventsTopic)}
	var opts []jobs.Option
	if name := strings.TrimSpace(cfg.NotificationsTopic); name != "" {
		topic := client.Topic(name)
		opts = append(opts, jobs.WithNotificationsTopic(topic))
		dependencies = append(dependencies, topicDependency("pubsub.notifications", topic))
	}
	publisher, err := jobs.NewPubSubEventPublisher(eventsTopic, opts...)
	if err != nil {
		return nil, nil, err
	}
	// Registered after the client so pending messages flush before it closes.
	c.onClose(func(context.Context) error {
		publisher.Stop()
		return nil
	})
	return publisher, dependencies, nil
}

func topicDependency(name string, topic *pubsub.Topic) services.Dependency {
	return services.Dependency{
		Name: name,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", topic.ID())
			}
			return nil
		},
	}
}

// Run starts the background workers and returns once they have stopped. The scheduler finishes an
// in-flight sweep before Run returns.
func (c *Container) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.Config.Scheduler.Enabled && c.Services.Scheduler != nil {
		if err := c.Services.Scheduler.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			c.Services.Scheduler.Stop()
			return nil
		})
	}
	if c.purger != nil {
		g.Go(func() error {
			idempotency.RunPurge(ctx, c.purger, c.Config.Idempotency.CleanupInterval, c.Config.Idempotency.CleanupBatchSize, c.logger.Named("idempotency"))
			return nil
		})
	}
	return g.Wait()
}

// Close releases dependencies in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}
