package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const maxIntentResets = 2

// stockSaga moves an order across a stock-affecting transition through an intent
// record: begin the intent, apply the ledger lines, then complete the order and the
// intent together. Every step is safe to repeat.
type stockSaga struct {
	orders    repositories.OrderRepository
	intents   repositories.IntentRepository
	inventory InventoryService
	timeout   time.Duration
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

func intentID(orderID string, target OrderStatus) string {
	return orderID + ":" + string(target)
}

func intentLines(items []OrderLine) []domain.IntentLine {
	lines := make([]domain.IntentLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.IntentLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// run executes the saga. replayed is true when an earlier request already moved the order
// to target.
func (g *stockSaga) run(ctx context.Context, order Order, target OrderStatus, effect domain.StockEffect, actor Actor) (Order, bool, error) {
	now := g.clock()
	intent, err := g.begin(ctx, StockIntent{
		ID:        intentID(order.ID, target),
		OrderID:   order.ID,
		From:      order.Status,
		To:        target,
		Effect:    effect,
		Lines:     intentLines(order.Items),
		ActorID:   actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Order{}, false, err
	}
	if intent.State == domain.IntentStateCompleted {
		return g.resolveMoved(ctx, order.ID, order.Status, target)
	}

	if intent.State == domain.IntentStatePending {
		if err := g.inventory.ApplyLines(ctx, intent); err != nil {
			if rbErr := g.rollback(ctx, intent, err.Error()); rbErr != nil {
				g.logger(ctx, "order.saga.rollback.failed", map[string]any{
					"intentId": intent.ID,
					"error":    rbErr.Error(),
				})
			}
			return Order{}, false, err
		}

		callCtx, cancel := storeContext(ctx, g.timeout)
		_, err := g.intents.MarkApplied(callCtx, intent.ID, g.clock())
		cancel()
		if err != nil {
			if isRepoConflict(err) {
				// Recovery took the intent over; it reverts the applied lines.
				return Order{}, false, fmt.Errorf("%w: stock intent %s was reclaimed", ErrOrderConflict, intent.ID)
			}
			return Order{}, false, mapOrderRepositoryError(err)
		}
	}

	callCtx, cancel := storeContext(ctx, g.timeout)
	completed, err := g.intents.Complete(callCtx, intent.ID, g.clock())
	cancel()
	if err == nil {
		return completed, false, nil
	}
	if !isRepoConflict(err) {
		// The intent stays applied and the recovery sweep settles it.
		return Order{}, false, mapOrderRepositoryError(err)
	}
	return g.resolveCompleteConflict(ctx, intent)
}

// begin returns an intent ready to continue. Intents left behind by an attempt from a
// different starting status, or caught halfway through a revert, are rolled back and
// reopened.
func (g *stockSaga) begin(ctx context.Context, request StockIntent) (StockIntent, error) {
	for i := 0; i <= maxIntentResets; i++ {
		callCtx, cancel := storeContext(ctx, g.timeout)
		stored, _, err := g.intents.Begin(callCtx, request)
		cancel()
		if err != nil {
			return StockIntent{}, mapOrderRepositoryError(err)
		}

		switch {
		case stored.State == domain.IntentStateReverting:
			if err := g.rollback(ctx, stored, stored.LastError); err != nil {
				return StockIntent{}, err
			}
		case !stored.IsTerminal() && stored.From != request.From:
			if err := g.rollback(ctx, stored, fmt.Sprintf("superseded by transition from %s", request.From)); err != nil {
				return StockIntent{}, err
			}
		default:
			return stored, nil
		}
	}
	return StockIntent{}, fmt.Errorf("%w: stock intent %s keeps changing", ErrOrderConflict, request.ID)
}

// rollback blocks the intent from completing, reverts every entry of its current attempt
// and aborts it. A failed revert leaves the intent reverting for the recovery sweep.
func (g *stockSaga) rollback(ctx context.Context, intent StockIntent, reason string) error {
	detached, cancel := detachedContext(ctx)
	defer cancel()

	reverting, err := g.intents.StartRevert(detached, intent.ID, reason, g.clock())
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	if reverting.State == domain.IntentStateAborted {
		return nil
	}
	if err := g.inventory.RevertLines(detached, reverting, reverting.Effect == domain.StockEffectDecrement); err != nil {
		return err
	}
	if _, err := g.intents.Abort(detached, intent.ID, "", g.clock()); err != nil {
		return mapOrderRepositoryError(err)
	}
	g.logger(ctx, "order.saga.rolled_back", map[string]any{
		"intentId": intent.ID,
		"attempt":  reverting.Attempt,
		"reason":   reason,
	})
	return nil
}

func (g *stockSaga) resolveCompleteConflict(ctx context.Context, intent StockIntent) (Order, bool, error) {
	callCtx, cancel := storeContext(ctx, g.timeout)
	current, err := g.intents.Find(callCtx, intent.ID)
	cancel()
	if err != nil {
		return Order{}, false, mapOrderRepositoryError(err)
	}
	callCtx, cancel = storeContext(ctx, g.timeout)
	order, err := g.orders.FindByID(callCtx, intent.OrderID)
	cancel()
	if err != nil {
		return Order{}, false, mapOrderRepositoryError(err)
	}

	switch current.State {
	case domain.IntentStateCompleted:
		return order, true, nil
	case domain.IntentStateApplied:
		if err := g.rollback(ctx, current, fmt.Sprintf("order moved to %s", order.Status)); err != nil {
			g.logger(ctx, "order.saga.rollback.failed", map[string]any{
				"intentId": intent.ID,
				"error":    err.Error(),
			})
		}
		return Order{}, false, fmt.Errorf("%w: order %s moved from %s to %s", ErrOrderInvalidTransition, order.ID, intent.From, order.Status)
	default:
		return Order{}, false, fmt.Errorf("%w: stock intent %s is %s", ErrOrderConflict, intent.ID, current.State)
	}
}

// resolveMoved explains why a conditional write lost: a replay when the order already
// reached target, an invalid transition otherwise.
func (g *stockSaga) resolveMoved(ctx context.Context, orderID string, from, target OrderStatus) (Order, bool, error) {
	callCtx, cancel := storeContext(ctx, g.timeout)
	current, err := g.orders.FindByID(callCtx, orderID)
	cancel()
	if err != nil {
		return Order{}, false, mapOrderRepositoryError(err)
	}
	if current.Status == target {
		return current, true, nil
	}
	return Order{}, false, fmt.Errorf("%w: order %s moved from %s to %s", ErrOrderInvalidTransition, orderID, from, current.Status)
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if mapped, ok := unavailableError(err); ok {
		return mapped
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}
