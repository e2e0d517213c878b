package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

type intentRepository struct {
	s *Store
}

func (r *intentRepository) Begin(ctx context.Context, intent domain.StockIntent) (domain.StockIntent, bool, error) {
	if err := checkContext(ctx); err != nil {
		return domain.StockIntent{}, false, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := utc(intent.UpdatedAt)
	existing, ok := s.intents[intent.ID]
	if ok {
		if existing.State != domain.IntentStateAborted {
			return cloneIntent(existing), false, nil
		}
		existing.From = intent.From
		existing.To = intent.To
		existing.Effect = intent.Effect
		existing.Lines = append([]domain.IntentLine(nil), intent.Lines...)
		existing.State = domain.IntentStatePending
		existing.Attempt++
		existing.LastError = ""
		existing.ActorID = intent.ActorID
		existing.UpdatedAt = now
		s.intents[intent.ID] = existing
		return cloneIntent(existing), true, nil
	}

	intent = cloneIntent(intent)
	intent.State = domain.IntentStatePending
	if intent.Attempt <= 0 {
		intent.Attempt = 1
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	s.intents[intent.ID] = intent
	return cloneIntent(intent), true, nil
}

func (r *intentRepository) Find(ctx context.Context, intentID string) (domain.StockIntent, error) {
	if err := checkContext(ctx); err != nil {
		return domain.StockIntent{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return domain.StockIntent{}, notFound("intents.get", "intent %s not found", intentID)
	}
	return cloneIntent(intent), nil
}

func (r *intentRepository) MarkApplied(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error) {
	return r.transition(ctx, "intents.mark_applied", intentID, func(intent *domain.StockIntent) error {
		switch intent.State {
		case domain.IntentStatePending:
			intent.State = domain.IntentStateApplied
			intent.UpdatedAt = utc(at)
		case domain.IntentStateApplied:
		default:
			return conflict("intents.mark_applied", "intent %s is %s", intentID, intent.State)
		}
		return nil
	})
}

func (r *intentRepository) Complete(ctx context.Context, intentID string, at time.Time) (domain.Order, error) {
	const op = "intents.complete"
	if err := checkContext(ctx); err != nil {
		return domain.Order{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok {
		return domain.Order{}, notFound(op, "intent %s not found", intentID)
	}
	if intent.State != domain.IntentStateApplied {
		return domain.Order{}, conflict(op, "intent %s is %s", intentID, intent.State)
	}
	order, ok := s.orders[intent.OrderID]
	if !ok {
		return domain.Order{}, notFound(op, "order %s not found", intent.OrderID)
	}
	if order.Status != intent.From {
		return domain.Order{}, conflict(op, "order %s is %s, expected %s", order.ID, order.Status, intent.From)
	}

	at = utc(at)
	order.Status = intent.To
	order.UpdatedAt = at
	intent.State = domain.IntentStateCompleted
	intent.UpdatedAt = at
	s.orders[order.ID] = order
	s.intents[intentID] = intent
	s.publishLocked(order)
	return cloneOrder(order), nil
}

func (r *intentRepository) StartRevert(ctx context.Context, intentID string, reason string, at time.Time) (domain.StockIntent, error) {
	return r.transition(ctx, "intents.start_revert", intentID, func(intent *domain.StockIntent) error {
		switch intent.State {
		case domain.IntentStateCompleted:
			return conflict("intents.start_revert", "intent %s already completed", intentID)
		case domain.IntentStateAborted, domain.IntentStateReverting:
			return nil
		}
		intent.State = domain.IntentStateReverting
		intent.LastError = reason
		intent.UpdatedAt = utc(at)
		return nil
	})
}

func (r *intentRepository) Abort(ctx context.Context, intentID string, reason string, at time.Time) (domain.StockIntent, error) {
	return r.transition(ctx, "intents.abort", intentID, func(intent *domain.StockIntent) error {
		switch intent.State {
		case domain.IntentStateCompleted:
			return conflict("intents.abort", "intent %s already completed", intentID)
		case domain.IntentStateAborted:
			return nil
		}
		intent.State = domain.IntentStateAborted
		if reason != "" {
			intent.LastError = reason
		}
		intent.UpdatedAt = utc(at)
		return nil
	})
}

func (r *intentRepository) MarkCompleted(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error) {
	return r.transition(ctx, "intents.mark_completed", intentID, func(intent *domain.StockIntent) error {
		switch intent.State {
		case domain.IntentStateAborted, domain.IntentStateReverting:
			return conflict("intents.mark_completed", "intent %s is %s", intentID, intent.State)
		case domain.IntentStateCompleted:
			return nil
		}
		intent.State = domain.IntentStateCompleted
		intent.UpdatedAt = utc(at)
		return nil
	})
}

func (r *intentRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.StockIntent, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s := r.s
	s.mu.Lock()
	stale := make([]domain.StockIntent, 0)
	for _, intent := range s.intents {
		if intent.IsTerminal() || !intent.UpdatedAt.Before(updatedBefore) {
			continue
		}
		stale = append(stale, cloneIntent(intent))
	}
	s.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].UpdatedAt.Equal(stale[j].UpdatedAt) {
			return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
		}
		return stale[i].ID < stale[j].ID
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *intentRepository) transition(ctx context.Context, op, intentID string, mutate func(*domain.StockIntent) error) (domain.StockIntent, error) {
	if err := checkContext(ctx); err != nil {
		return domain.StockIntent{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return domain.StockIntent{}, notFound(op, "intent %s not found", intentID)
	}
	if err := mutate(&intent); err != nil {
		return domain.StockIntent{}, err
	}
	s.intents[intentID] = intent
	return cloneIntent(intent), nil
}
