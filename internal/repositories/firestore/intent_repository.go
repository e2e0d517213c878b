package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orderflow/internal/domain"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/repositories"
)

var decodeIntent = pfirestore.StructDecoder(func(id string, doc intentDocument) (domain.StockIntent, error) {
	return doc.toDomain(id)
})

// IntentRepository stores stock intents in stock_intents.
type IntentRepository struct {
	provider *pfirestore.Provider
}

// NewIntentRepository constructs the Firestore backed intent repository.
func NewIntentRepository(provider *pfirestore.Provider) (*IntentRepository, error) {
	if provider == nil {
		return nil, errors.New("intent repository requires firestore provider")
	}
	return &IntentRepository{provider: provider}, nil
}

var _ repositories.IntentRepository = (*IntentRepository)(nil)

func (r *IntentRepository) doc(ctx context.Context, intentID string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(intentID) == "" {
		return nil, errors.New("intent repository: intent id is required")
	}
	coll, err := r.provider.Collection(ctx, intentsCollection)
	if err != nil {
		return nil, err
	}
	return coll.Doc(intentID), nil
}

func (r *IntentRepository) Begin(ctx context.Context, intent domain.StockIntent) (domain.StockIntent, bool, error) {
	ref, err := r.doc(ctx, intent.ID)
	if err != nil {
		return domain.StockIntent{}, false, err
	}
	now := intent.UpdatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		stored  domain.StockIntent
		created bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := pfirestore.LookupTx(tx, ref, "intents.begin", decodeIntent)
		if err != nil {
			return err
		}
		switch {
		case !found:
			stored = intent
			stored.State = domain.IntentStatePending
			if stored.Attempt <= 0 {
				stored.Attempt = 1
			}
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			stored.UpdatedAt = now
			created = true
			return tx.Create(ref, newIntentDocument(stored))
		case existing.State == domain.IntentStateAborted:
			stored = existing
			stored.From = intent.From
			stored.To = intent.To
			stored.Effect = intent.Effect
			stored.Lines = intent.Lines
			stored.State = domain.IntentStatePending
			stored.Attempt++
			stored.LastError = ""
			stored.ActorID = intent.ActorID
			stored.UpdatedAt = now
			created = true
			return tx.Set(ref, newIntentDocument(stored))
		default:
			stored = existing
			created = false
			return nil
		}
	})
	if err != nil {
		return domain.StockIntent{}, false, err
	}
	return stored, created, nil
}

func (r *IntentRepository) Find(ctx context.Context, intentID string) (domain.StockIntent, error) {
	ref, err := r.doc(ctx, intentID)
	if err != nil {
		return domain.StockIntent{}, err
	}
	return pfirestore.Get(ctx, ref, "intents.get", decodeIntent)
}

func (r *IntentRepository) MarkApplied(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error) {
	const op = "intents.mark_applied"
	return r.transition(ctx, op, intentID, func(intent *domain.StockIntent) (bool, error) {
		switch intent.State {
		case domain.IntentStatePending:
			intent.State = domain.IntentStateApplied
			intent.UpdatedAt = at.UTC()
			return true, nil
		case domain.IntentStateApplied:
			return false, nil
		default:
			return false, pfirestore.Conflict(op, fmt.Errorf("intent %s is %s", intentID, intent.State))
		}
	})
}

func (r *IntentRepository) StartRevert(ctx context.Context, intentID string, reason string, at time.Time) (domain.StockIntent, error) {
	const op = "intents.start_revert"
	return r.transition(ctx, op, intentID, func(intent *domain.StockIntent) (bool, error) {
		switch intent.State {
		case domain.IntentStateCompleted:
			return false, pfirestore.Conflict(op, fmt.Errorf("intent %s already completed", intentID))
		case domain.IntentStateAborted, domain.IntentStateReverting:
			return false, nil
		}
		intent.State = domain.IntentStateReverting
		intent.LastError = reason
		intent.UpdatedAt = at.UTC()
		return true, nil
	})
}

func (r *IntentRepository) Abort(ctx context.Context, intentID string, reason string, at time.Time) (domain.StockIntent, error) {
	const op = "intents.abort"
	return r.transition(ctx, op, intentID, func(intent *domain.StockIntent) (bool, error) {
		switch intent.State {
		case domain.IntentStateCompleted:
			return false, pfirestore.Conflict(op, fmt.Errorf("intent %s already completed", intentID))
		case domain.IntentStateAborted:
			return false, nil
		}
		intent.State = domain.IntentStateAborted
		if reason != "" {
			intent.LastError = reason
		}
		intent.UpdatedAt = at.UTC()
		return true, nil
	})
}

func (r *IntentRepository) MarkCompleted(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error) {
	const op = "intents.mark_completed"
	return r.transition(ctx, op, intentID, func(intent *domain.StockIntent) (bool, error) {
		switch intent.State {
		case domain.IntentStateAborted, domain.IntentStateReverting:
			return false, pfirestore.Conflict(op, fmt.Errorf("intent %s is %s", intentID, intent.State))
		case domain.IntentStateCompleted:
			return false, nil
		}
		intent.State = domain.IntentStateCompleted
		intent.UpdatedAt = at.UTC()
		return true, nil
	})
}

// Complete moves the order and the intent forward in one transaction.
func (r *IntentRepository) Complete(ctx context.Context, intentID string, at time.Time) (domain.Order, error) {
	const op = "intents.complete"
	ref, err := r.doc(ctx, intentID)
	if err != nil {
		return domain.Order{}, err
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	at = at.UTC()

	var completed domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		intent, err := pfirestore.GetTx(tx, ref, op, decodeIntent)
		if err != nil {
			return err
		}
		if intent.State != domain.IntentStateApplied {
			return pfirestore.Conflict(op, fmt.Errorf("intent %s is %s", intentID, intent.State))
		}
		orderRef := client.Collection(ordersCollection).Doc(intent.OrderID)
		order, err := pfirestore.GetTx(tx, orderRef, op, decodeOrder)
		if err != nil {
			return err
		}
		if order.Status != intent.From {
			return pfirestore.Conflict(op, fmt.Errorf("order %s is %s, expected %s", order.ID, order.Status, intent.From))
		}

		if err := tx.Update(orderRef, []firestore.Update{
			{Path: "status", Value: string(intent.To)},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}
		if err := tx.Update(ref, []firestore.Update{
			{Path: "state", Value: string(domain.IntentStateCompleted)},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}
		order.Status = intent.To
		order.UpdatedAt = at
		completed = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return completed, nil
}

func (r *IntentRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.StockIntent, error) {
	coll, err := r.provider.Collection(ctx, intentsCollection)
	if err != nil {
		return nil, err
	}
	query := coll.
		Where("state", "in", []string{
			string(domain.IntentStatePending),
			string(domain.IntentStateApplied),
			string(domain.IntentStateReverting),
		}).
		Where("updatedAt", "<", updatedBefore.UTC()).
		OrderBy("updatedAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return pfirestore.QueryAll(ctx, query, "intents.list_stale", decodeIntent)
}

func (r *IntentRepository) transition(ctx context.Context, op, intentID string, mutate func(*domain.StockIntent) (bool, error)) (domain.StockIntent, error) {
	ref, err := r.doc(ctx, intentID)
	if err != nil {
		return domain.StockIntent{}, err
	}
	var result domain.StockIntent
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		intent, err := pfirestore.GetTx(tx, ref, op, decodeIntent)
		if err != nil {
			return err
		}
		changed, err := mutate(&intent)
		if err != nil {
			return err
		}
		result = intent
		if !changed {
			return nil
		}
		return tx.Set(ref, newIntentDocument(intent))
	})
	if err != nil {
		return domain.StockIntent{}, err
	}
	return result, nil
}
