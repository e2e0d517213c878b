package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	defaultSweepStaleAfter = 2 * time.Minute
	defaultSweepBatchSize  = 50

	sweepCompleted = "completed"
	sweepAborted   = "aborted"
	sweepFailed    = "failed"
)

// RecoveryServiceDeps bundles the collaborators of the intent recovery sweep.
type RecoveryServiceDeps struct {
	Orders       repositories.OrderRepository
	Intents      repositories.IntentRepository
	Inventory    InventoryService
	StaleAfter   time.Duration
	BatchSize    int
	StoreTimeout time.Duration
	Metrics      Metrics
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type recoveryService struct {
	orders     repositories.OrderRepository
	intents    repositories.IntentRepository
	saga       *stockSaga
	staleAfter time.Duration
	batchSize  int
	timeout    time.Duration
	metrics    Metrics
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewRecoveryService constructs the sweep that settles stock intents left unfinished
// by a crash or a lost request.
func NewRecoveryService(deps RecoveryServiceDeps) (RecoveryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("recovery service: order repository is required")
	}
	if deps.Intents == nil {
		return nil, errors.New("recovery service: intent repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("recovery service: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utcClock := func() time.Time {
		return clock().UTC()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	staleAfter := deps.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultSweepStaleAfter
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}

	return &recoveryService{
		orders:  deps.Orders,
		intents: deps.Intents,
		saga: &stockSaga{
			orders:    deps.Orders,
			intents:   deps.Intents,
			inventory: deps.Inventory,
			timeout:   deps.StoreTimeout,
			clock:     utcClock,
			logger:    logger,
		},
		staleAfter: staleAfter,
		batchSize:  batch,
		timeout:    deps.StoreTimeout,
		metrics:    deps.Metrics,
		clock:      utcClock,
		logger:     logger,
	}, nil
}

// Sweep reconciles one batch of stale intents. An intent whose order already reached its
// target is marked completed; any other is rolled back.
func (s *recoveryService) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := s.clock().Add(-s.staleAfter)

	callCtx, cancel := storeContext(ctx, s.timeout)
	stale, err := s.intents.ListStale(callCtx, cutoff, s.batchSize)
	cancel()
	if err != nil {
		return SweepResult{}, mapOrderRepositoryError(err)
	}

	result := SweepResult{Scanned: len(stale)}
	for _, intent := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := s.reconcile(ctx, intent)
		switch outcome {
		case sweepCompleted:
			result.Completed++
		case sweepAborted:
			result.Aborted++
		default:
			result.Failed++
			s.logger(ctx, "order.recovery.failed", map[string]any{
				"intentId": intent.ID,
				"orderId":  intent.OrderID,
				"state":    string(intent.State),
				"error":    errorString(err),
			})
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveSweep(sweepCompleted, result.Completed)
		s.metrics.ObserveSweep(sweepAborted, result.Aborted)
		s.metrics.ObserveSweep(sweepFailed, result.Failed)
	}
	if result.Scanned > 0 {
		s.logger(ctx, "order.recovery.swept", map[string]any{
			"scanned":   result.Scanned,
			"completed": result.Completed,
			"aborted":   result.Aborted,
			"failed":    result.Failed,
		})
	}
	return result, nil
}

func (s *recoveryService) reconcile(ctx context.Context, intent StockIntent) (string, error) {
	if intent.State != domain.IntentStateReverting {
		callCtx, cancel := storeContext(ctx, s.timeout)
		order, err := s.orders.FindByID(callCtx, intent.OrderID)
		cancel()
		switch {
		case err == nil && order.Status == intent.To:
			callCtx, cancel := storeContext(ctx, s.timeout)
			_, err := s.intents.MarkCompleted(callCtx, intent.ID, s.clock())
			cancel()
			if err != nil {
				return sweepFailed, mapOrderRepositoryError(err)
			}
			return sweepCompleted, nil
		case err != nil && !isRepoNotFound(err):
			return sweepFailed, mapOrderRepositoryError(err)
		}
	}

	reason := fmt.Sprintf("recovered after %s", s.staleAfter)
	if intent.LastError != "" {
		reason = intent.LastError
	}
	if err := s.saga.rollback(ctx, intent, reason); err != nil {
		return sweepFailed, err
	}
	return sweepAborted, nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
