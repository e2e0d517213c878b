package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/orderflow/internal/di"
	"github.com/hanko-field/orderflow/internal/handlers"
	"github.com/hanko-field/orderflow/internal/platform/auth"
	"github.com/hanko-field/orderflow/internal/platform/config"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/platform/idempotency"
	"github.com/hanko-field/orderflow/internal/platform/jobs"
	"github.com/hanko-field/orderflow/internal/platform/observability"
	"github.com/hanko-field/orderflow/internal/platform/push"
	"github.com/hanko-field/orderflow/internal/platform/secrets"
	"github.com/hanko-field/orderflow/internal/repositories"
	firestoreRepo "github.com/hanko-field/orderflow/internal/repositories/firestore"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
	"github.com/hanko-field/orderflow/internal/services"
)

const (
	submitRateLimit  = 30
	submitRateWindow = time.Minute
	sweepTimeout     = time.Minute
	cleanupTimeout   = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("orderflow")

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.ResolveSecret)))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.Error(err))
	}
	checks := stores.checks

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Optional: true,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}

	app, err := auth.NewFirebaseApp(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase app", zap.Error(err))
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, app)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	var sender services.NotificationSender
	if cfg.Notifications.Enabled {
		fcm, err := push.NewFCMSenderFromApp(ctx, app)
		if err != nil {
			logger.Fatal("failed to initialise fcm sender", zap.Error(err))
		}
		sender = fcm
	}

	var (
		publisher    *jobs.OrderEventPublisher
		pubsubClient *pubsub.Client
	)
	if cfg.PubSub.OrderEventsTopic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID, pubsubClientOptions(cfg.PubSub)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		publisher, err = jobs.NewOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		checks = append(checks, repositories.DependencyCheck{
			Name:     "pubsub",
			Optional: true,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", cfg.PubSub.OrderEventsTopic)
				}
				return nil
			},
		})
	}

	deps := di.Deps{
		Registry:    stores.registry,
		Idempotency: stores.idempotency,
		Sender:      sender,
		Metrics:     metrics,
		Logger:      logger,
		Checks:      checks,
		Build:       buildInfoFromEnv(cfg, startedAt),
	}
	if publisher != nil {
		deps.Events = publisher
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}
	container, err := di.NewContainer(ctx, cfg, deps)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}

	var rateOpts []handlers.RateLimitOption
	if redisClient != nil {
		rateOpts = append(rateOpts, handlers.WithRateLimitRedis(redisClient))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithIdempotency(container.Idempotency,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
		),
		handlers.WithSubmitRateLimit(submitRateLimit, submitRateWindow, rateOpts...),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator, container.Services.Orders, container.Services.Inventory)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(container.Services.System),
		handlers.WithHealthBuildInfo(deps.Build),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(cfg.Firebase.ProjectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(metrics),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	}
	if metrics != nil {
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, metrics.Handler()))
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	runEvery(backgroundCtx, &backgroundWG, cfg.Orders.SweepInterval, func(ctx context.Context) {
		sweepRecovery(ctx, container.Services.Recovery, logger.Named("recovery"))
	})
	runEvery(backgroundCtx, &backgroundWG, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
		cleanupIdempotency(ctx, container.Idempotency, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	})

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orderflow api listening", zap.String("store", cfg.Orders.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	backgroundCancel()
	backgroundWG.Wait()

	// Pending notifications are drained before the stores close.
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("container close error", zap.Error(err))
	}
	if publisher != nil {
		publisher.Stop()
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

type storeSet struct {
	registry    repositories.Registry
	idempotency idempotency.Store
	checks      []repositories.DependencyCheck
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (storeSet, error) {
	if cfg.Orders.Store == config.StoreMemory {
		logger.Warn("using in-memory order store; data is lost on restart")
		return storeSet{
			registry:    memory.NewStore(memory.WithMaxAttempts(cfg.Orders.LedgerAttempts)),
			idempotency: idempotency.NewMemoryStore(),
		}, nil
	}

	provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithDefaultTxAttempts(cfg.Orders.LedgerAttempts))
	client, err := provider.Client(ctx)
	if err != nil {
		return storeSet{}, fmt.Errorf("firestore client: %w", err)
	}
	corruptLogger := logger.Named("firestore")
	registry, err := firestoreRepo.NewRegistry(provider, firestoreRepo.WithCorruptOrderHandler(func(orderID string, err error) {
		corruptLogger.Warn("skipping unreadable order document", zap.String("order_id", orderID), zap.Error(err))
	}))
	if err != nil {
		_ = provider.Close(ctx)
		return storeSet{}, err
	}
	return storeSet{
		registry:    registry,
		idempotency: idempotency.NewFirestoreStore(client),
		checks: []repositories.DependencyCheck{{
			Name:  "firestore",
			Check: provider.Ping,
		}},
	}, nil
}

func pubsubClientOptions(cfg config.PubSubConfig) []option.ClientOption {
	if cfg.EmulatorHost == "" {
		return nil
	}
	return []option.ClientOption{
		option.WithEndpoint(cfg.EmulatorHost),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func sweepRecovery(ctx context.Context, recovery services.RecoveryService, logger *zap.Logger) {
	if recovery == nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	result, err := recovery.Sweep(runCtx)
	if err != nil {
		logger.Error("recovery sweep error", zap.Error(err))
		return
	}
	if result.Scanned > 0 {
		logger.Info("recovery sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("completed", result.Completed),
			zap.Int("aborted", result.Aborted),
			zap.Int("failed", result.Failed),
		)
	}
}

func cleanupIdempotency(ctx context.Context, store idempotency.Store, batchSize int, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	removed, err := idempotency.Cleanup(runCtx, store, time.Now().UTC(), batchSize)
	if err != nil {
		logger.Error("idempotency cleanup error", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
	}
}

// newSecretFetcher runs before configuration is loaded, so it reads its own settings from
// the process environment.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(os.Getenv("API_SECRETS_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("API_FIREBASE_PROJECT_ID"))
	}
	return secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(project),
		secrets.WithFallbackFile(strings.TrimSpace(os.Getenv("API_SECRETS_FALLBACK_FILE"))),
		secrets.WithMeter(otel.Meter("github.com/hanko-field/orderflow/internal/platform/secrets")),
	)
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Secrets.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}
