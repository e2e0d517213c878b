package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/orderflow/internal/domain"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/repositories"
)

var decodeOrder = pfirestore.StructDecoder(func(id string, doc orderDocument) (domain.Order, error) {
	return doc.toDomain(id)
})

// OrderRepository persists orders in the orders collection.
type OrderRepository struct {
	provider  *pfirestore.Provider
	onCorrupt func(orderID string, err error)
}

// OrderRepositoryOption customises the order repository.
type OrderRepositoryOption func(*OrderRepository)

// WithCorruptOrderHandler is called for every document skipped by List because it
// failed to decode.
func WithCorruptOrderHandler(fn func(orderID string, err error)) OrderRepositoryOption {
	return func(r *OrderRepository) {
		r.onCorrupt = fn
	}
}

// NewOrderRepository constructs the Firestore backed order repository.
func NewOrderRepository(provider *pfirestore.Provider, opts ...OrderRepositoryOption) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	repo := &OrderRepository{provider: provider}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) doc(ctx context.Context, orderID string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.New("order repository: order id is required")
	}
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return nil, err
	}
	return coll.Doc(orderID), nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.doc(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	ref, err := r.doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return pfirestore.Get(ctx, ref, "orders.get", decodeOrder)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
	ref, err := r.doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	at = at.UTC()
	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		order, err := pfirestore.GetTx(tx, ref, "orders.update_status", decodeOrder)
		if err != nil {
			return err
		}
		if order.Status != expected {
			return pfirestore.Conflict("orders.update_status",
				fmt.Errorf("order %s is %s, expected %s", orderID, order.Status, expected))
		}
		order.Status = next
		order.UpdatedAt = at
		updated = order
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(next)},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, paymentStatus domain.PaymentStatus, at time.Time) (domain.Order, error) {
	ref, err := r.doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	at = at.UTC()
	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		order, err := pfirestore.GetTx(tx, ref, "orders.update_payment", decodeOrder)
		if err != nil {
			return err
		}
		order.PaymentStatus = paymentStatus
		order.UpdatedAt = at
		updated = order
		return tx.Update(ref, []firestore.Update{
			{Path: "paymentStatus", Value: string(paymentStatus)},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// List queries newest first. Firestore has no substring operator, so the search term is
// applied while iterating; corrupt documents are skipped and reported to onCorrupt.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, hasCursor, err := repositories.DecodeOrderCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := repositories.NormalizeOrderPageSize(filter.Pagination.PageSize)
	folded := repositories.FoldSearch(filter.Search)

	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	query := coll.Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if filter.Status != "" && filter.Status != domain.OrderStatusAll {
		query = query.Where("status", "==", string(filter.Status))
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if hasCursor {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}
	if folded == "" {
		query = query.Limit(pageSize + 1)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	items := make([]domain.Order, 0, pageSize+1)
	for len(items) <= pageSize {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			if r.onCorrupt != nil {
				r.onCorrupt(snap.Ref.ID, err)
			}
			continue
		}
		if !repositories.MatchesOrderSearch(order, folded) {
			continue
		}
		items = append(items, order)
	}

	page := domain.CursorPage[domain.Order]{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		token, err := repositories.EncodeOrderCursor(page.Items[pageSize-1])
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Watch follows the order document with Firestore snapshot listeners.
func (r *OrderRepository) Watch(ctx context.Context, orderID string) (<-chan domain.OrderSnapshot, error) {
	if _, err := r.FindByID(ctx, orderID); err != nil {
		return nil, err
	}
	ref, err := r.doc(ctx, orderID)
	if err != nil {
		return nil, err
	}

	iter := ref.Snapshots(ctx)
	out := make(chan domain.OrderSnapshot, 1)
	go func() {
		defer close(out)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, iterator.Done) {
					return
				}
				send(ctx, out, domain.OrderSnapshot{Err: pfirestore.WrapError("orders.watch", err)})
				return
			}
			if !snap.Exists() {
				send(ctx, out, domain.OrderSnapshot{Err: pfirestore.NotFound("orders.watch", fmt.Errorf("order %s deleted", orderID))})
				return
			}
			order, err := decodeOrder(snap)
			if !send(ctx, out, domain.OrderSnapshot{Order: order, Err: err}) || err != nil {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- domain.OrderSnapshot, snapshot domain.OrderSnapshot) bool {
	select {
	case out <- snapshot:
		return true
	case <-ctx.Done():
		return false
	}
}
