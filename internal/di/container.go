// Package di assembles the order lifecycle services from a repository registry.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/orderflow/internal/platform/config"
	"github.com/hanko-field/orderflow/internal/platform/idempotency"
	"github.com/hanko-field/orderflow/internal/platform/observability"
	"github.com/hanko-field/orderflow/internal/repositories"
	"github.com/hanko-field/orderflow/internal/repositories/rediscache"
	"github.com/hanko-field/orderflow/internal/services"
)

// Services bundles the service-layer contracts the handlers and background loops use.
type Services struct {
	Orders        services.OrderService
	Inventory     services.InventoryService
	Recovery      services.RecoveryService
	System        services.SystemService
	Notifications services.NotificationDispatcher
}

// Deps carries the infrastructure built by the process entry point. Only Registry is
// required; every other field switches a feature off when left empty.
type Deps struct {
	Registry    repositories.Registry
	Idempotency idempotency.Store
	Sender      services.NotificationSender
	Events      services.OrderEventPublisher
	Redis       redis.Cmdable
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Checks      []repositories.DependencyCheck
	Build       services.BuildInfo
	Clock       func() time.Time
}

// Container wires repositories, services and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Tokens       repositories.TokenRepository
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests pass a memory registry.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	tokens, err := tokenRepository(deps, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := buildServices(cfg, deps, tokens)
	if err != nil {
		return nil, err
	}

	store := deps.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Tokens:       tokens,
		Idempotency:  store,
		Metrics:      deps.Metrics,
		Services:     svc,
	}, nil
}

// Close drains notifications and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Notifications != nil {
		if err := c.Services.Notifications.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func tokenRepository(deps Deps, cfg config.Config) (repositories.TokenRepository, error) {
	primary := deps.Registry.Tokens()
	if deps.Redis == nil || primary == nil {
		return primary, nil
	}
	logger := deps.Logger.Named("token_cache")
	cache, err := rediscache.NewTokenCache(primary, deps.Redis,
		rediscache.WithTTL(cfg.Redis.TokenTTL),
		rediscache.WithErrorHandler(func(_ context.Context, op string, err error) {
			logger.Warn("token cache degraded", zap.String("op", op), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	return cache, nil
}

func buildServices(cfg config.Config, deps Deps, tokens repositories.TokenRepository) (Services, error) {
	var svc Services

	// A nil *observability.Metrics must not become a non-nil services.Metrics.
	var metrics services.Metrics
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	logger := deps.Logger

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory:    deps.Registry.Inventory(),
		StoreTimeout: cfg.Orders.StoreTimeout,
		Metrics:      metrics,
		Clock:        deps.Clock,
		Logger:       observability.EventLogger(logger.Named("inventory")),
	})
	if err != nil {
		return svc, fmt.Errorf("inventory service: %w", err)
	}
	svc.Inventory = inventory

	if cfg.Notifications.Enabled && deps.Sender != nil && tokens != nil {
		dispatcher, err := services.NewNotificationDispatcher(services.NotificationServiceDeps{
			Tokens:      tokens,
			Sender:      deps.Sender,
			Workers:     cfg.Notifications.Workers,
			QueueSize:   cfg.Notifications.QueueSize,
			SendTimeout: cfg.Notifications.SendTimeout,
			Metrics:     metrics,
			Logger:      observability.EventLogger(logger.Named("notifications")),
		})
		if err != nil {
			return svc, fmt.Errorf("notification dispatcher: %w", err)
		}
		svc.Notifications = dispatcher
	}

	orderDeps := services.OrderServiceDeps{
		Orders:       deps.Registry.Orders(),
		Intents:      deps.Registry.Intents(),
		Inventory:    inventory,
		Metrics:      metrics,
		StoreTimeout: cfg.Orders.StoreTimeout,
		Clock:        deps.Clock,
		Logger:       observability.EventLogger(logger.Named("orders")),
	}
	if svc.Notifications != nil {
		orderDeps.Notifier = svc.Notifications
	}
	if deps.Events != nil {
		orderDeps.Events = deps.Events
	}
	orders, err := services.NewOrderService(orderDeps)
	if err != nil {
		return svc, fmt.Errorf("order service: %w", err)
	}
	svc.Orders = orders

	recovery, err := services.NewRecoveryService(services.RecoveryServiceDeps{
		Orders:       deps.Registry.Orders(),
		Intents:      deps.Registry.Intents(),
		Inventory:    inventory,
		StaleAfter:   cfg.Orders.SweepStaleAfter,
		BatchSize:    cfg.Orders.SweepBatchSize,
		StoreTimeout: cfg.Orders.StoreTimeout,
		Metrics:      metrics,
		Clock:        deps.Clock,
		Logger:       observability.EventLogger(logger.Named("recovery")),
	})
	if err != nil {
		return svc, fmt.Errorf("recovery service: %w", err)
	}
	svc.Recovery = recovery

	checks := append([]repositories.DependencyCheck{storeCheck(deps.Registry)}, deps.Checks...)
	healthRepo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithHealthClock(deps.Clock))
	if err != nil {
		return svc, fmt.Errorf("health repository: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            deps.Clock,
		Build:            deps.Build,
	})
	if err != nil {
		return svc, fmt.Errorf("system service: %w", err)
	}
	svc.System = system

	return svc, nil
}

// storeCheck probes the order store with a lookup that is expected to miss.
func storeCheck(reg repositories.Registry) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name: "orders",
		Check: func(ctx context.Context) error {
			_, err := reg.Orders().FindByID(ctx, "healthcheck")
			var repoErr repositories.RepositoryError
			if err == nil || (errors.As(err, &repoErr) && repoErr.IsNotFound()) {
				return nil
			}
			return err
		},
	}
}
