// Package app wires the premiumsync component graph from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	billingApp "github.com/felixgeelhaar/premiumsync/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	billingPersistence "github.com/felixgeelhaar/premiumsync/internal/billing/infrastructure/persistence"
	billingStore "github.com/felixgeelhaar/premiumsync/internal/billing/infrastructure/store"
	"github.com/felixgeelhaar/premiumsync/internal/billing/infrastructure/verification"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/premiumsync/pkg/config"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Observability
	Metrics    observability.Metrics
	Prometheus *prometheus.Registry
	Health     *observability.HealthRegistry

	// Storage
	DB          *sql.DB
	RedisClient *redis.Client

	EntitlementRepo billingDomain.EntitlementRepository
	AckQueue        billingDomain.AcknowledgmentQueue
	Ledger          billingDomain.PurchaseLedger

	// Store, exactly one of Sandbox and PlayStore is set
	Store     billingDomain.Store
	Sandbox   *billingStore.SandboxStore
	PlayStore *billingStore.PlayStore

	Verifier *verification.Client

	// Messaging
	EventPublisher eventbus.Publisher
	// LocalBus is set when no broker is configured; store notifications are
	// dispatched through it in-process.
	LocalBus *eventbus.InProcessEventBus

	// Billing
	Catalog    *billingApp.CatalogResolver
	Cache      *billingApp.EntitlementCache
	Machine    *billingApp.StateMachine
	Dispatcher *billingApp.Dispatcher
	Restorer   *billingApp.RestoreReconciler
	Premium    *billingApp.PremiumService
}

// Option customizes container construction, mainly for tests.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the transport used for the verification backend when
// client credentials are not configured.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// NewContainer creates and wires all dependencies. The caller starts the
// premium service and must Close the container.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Container, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		Config:     cfg,
		Logger:     logger,
		Prometheus: prometheus.NewRegistry(),
		Health:     observability.NewHealthRegistry(),
	}
	c.Metrics = observability.NewPrometheusMetrics(c.Prometheus)

	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if err := c.initPersistence(ctx); err != nil {
		return nil, err
	}
	c.initPublisher()
	if err := c.initStore(ctx); err != nil {
		return nil, err
	}
	c.initVerifier(ctx, o.httpClient)
	c.initBilling()

	logger.Info("container ready",
		"store_mode", cfg.StoreMode,
		"cache_backend", cfg.CacheBackend,
		"broker", c.LocalBus == nil,
	)
	return c, nil
}

func (c *Container) initPersistence(ctx context.Context) error {
	cfg := c.Config

	switch cfg.CacheBackend {
	case config.CacheBackendMemory:
		c.EntitlementRepo = billingPersistence.NewMemoryEntitlementRepository()
		c.AckQueue = billingPersistence.NewMemoryAcknowledgmentQueue()
		// Nil selects the store's in-memory ledger.
		return nil
	case config.CacheBackendSQLite, config.CacheBackendRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	db, err := sqlite.Open(ctx, database.Config{SQLitePath: cfg.SQLitePath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	c.DB = db
	c.Health.Register("sqlite", observability.PingChecker("sqlite", observability.HealthStatusUnhealthy, sqlite.Ping(db)))
	c.AckQueue = billingPersistence.NewSQLiteAcknowledgmentQueue(db)
	c.Ledger = billingPersistence.NewSQLitePurchaseLedger(db)
	c.EntitlementRepo = billingPersistence.NewSQLiteEntitlementRepository(db)

	if cfg.CacheBackend != config.CacheBackendRedis {
		return nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if !cfg.IsDevelopment() {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.Logger.Warn("Redis not available, entitlement snapshot stays in SQLite", "error", err)
		return nil
	}
	c.RedisClient = client
	c.EntitlementRepo = billingPersistence.NewRedisEntitlementRepository(client, "")
	c.Health.Register("redis", observability.PingChecker("redis", observability.HealthStatusDegraded, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	c.Logger.Info("connected to Redis")
	return nil
}

func (c *Container) initPublisher() {
	cfg := c.Config
	if cfg.RabbitMQURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(eventbus.RabbitMQConfig{URL: cfg.RabbitMQURL}, c.Logger)
		if err == nil {
			c.EventPublisher = publisher
			return
		}
		c.Logger.Warn("RabbitMQ not available, using in-process bus", "error", err)
	}
	c.LocalBus = eventbus.NewInProcessEventBus(c.Logger)
	c.EventPublisher = c.LocalBus
}

func (c *Container) initStore(ctx context.Context) error {
	cfg := c.Config
	switch cfg.StoreMode {
	case config.StoreModePlay:
		play, err := billingStore.NewPlayStore(ctx, billingStore.PlayConfig{
			PackageName:        cfg.GooglePlayPackageName,
			ServiceAccountJSON: cfg.GooglePlayServiceAccountJSON,
		}, c.Ledger, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to create Play store: %w", err)
		}
		c.PlayStore = play
		c.Store = play
		if c.LocalBus != nil {
			c.LocalBus.RegisterConsumer(play)
		}
	case config.StoreModeSandbox:
		c.Sandbox = billingStore.NewSandboxStore(c.Ledger, c.Logger)
		c.Store = c.Sandbox
	default:
		return fmt.Errorf("unknown store mode %q", cfg.StoreMode)
	}
	return nil
}

func (c *Container) initVerifier(ctx context.Context, httpClient *http.Client) {
	cfg := c.Config

	vcfg := verification.DefaultConfig(cfg.VerifyBaseURL)
	vcfg.Timeout = cfg.VerifyTimeout
	vcfg.MaxAttempts = cfg.VerifyMaxAttempts
	vcfg.Backoff.Base = cfg.VerifyBackoffBase
	vcfg.Backoff.Max = cfg.VerifyBackoffMax
	vcfg.RateLimit = cfg.VerifyRateLimit
	vcfg.CircuitBreakerEnabled = cfg.VerifyBreakerEnabled

	if cfg.OAuthEnabled() {
		creds := clientcredentials.Config{
			ClientID:     cfg.VerifyOAuthClientID,
			ClientSecret: cfg.VerifyOAuthClientSecret,
			TokenURL:     cfg.VerifyOAuthTokenURL,
		}
		httpClient = creds.Client(ctx)
		httpClient.Timeout = cfg.VerifyTimeout
	}

	var doer verification.HTTPDoer
	if httpClient != nil {
		doer = httpClient
	}
	c.Verifier = verification.NewClient(vcfg, doer, c.Logger, verification.WithMetrics(c.Metrics))
}

func (c *Container) initBilling() {
	cfg := c.Config

	c.Catalog = billingApp.NewCatalogResolver(c.Store, cfg.TrackedSKUs, c.Logger)
	c.Cache = billingApp.NewEntitlementCache(c.EntitlementRepo, c.Logger)
	c.Machine = billingApp.NewStateMachine(c.Verifier, c.Store, c.Cache, c.Catalog, c.Logger,
		billingApp.WithWorkers(cfg.WorkerPoolSize),
		billingApp.WithPlatform(platform(cfg)),
		billingApp.WithAcknowledgmentQueue(c.AckQueue),
		billingApp.WithPublisher(c.EventPublisher),
		billingApp.WithMachineMetrics(c.Metrics),
	)
	c.Dispatcher = billingApp.NewDispatcher(c.Store, c.Machine, c.Metrics, c.Logger)
	c.Restorer = billingApp.NewRestoreReconciler(c.Store, c.Machine, c.Catalog, c.Logger)
	c.Premium = billingApp.NewPremiumService(c.Store, c.Catalog, c.Cache, c.Machine, c.Dispatcher, c.Restorer, c.Logger)
}

// platform picks the proof platform: explicit configuration wins, otherwise
// the store mode decides.
func platform(cfg *config.Config) billingDomain.Platform {
	if cfg.Platform != "" {
		return billingDomain.Platform(cfg.Platform)
	}
	if cfg.StoreMode == config.StoreModePlay {
		return billingDomain.PlatformAndroid
	}
	return billingDomain.PlatformSandbox
}

// NotificationConsumers returns the consumers a broker subscription must feed.
func (c *Container) NotificationConsumers() []eventbus.EventConsumer {
	if c.PlayStore == nil {
		return nil
	}
	return []eventbus.EventConsumer{c.PlayStore}
}

// Close releases every resource in reverse order of construction.
func (c *Container) Close() {
	if c.Premium != nil {
		c.Premium.Close()
	}

	var errs []error
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher: %w", err))
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.Logger.Warn("error closing container", "error", err)
		return
	}
	c.Logger.Debug("container closed")
}
