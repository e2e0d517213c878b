package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

type orderRepository struct {
	s *Store
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return conflict("orders.insert", "order %s already exists", order.ID)
	}
	s.orders[order.ID] = cloneOrder(order)
	s.publishLocked(order)
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := checkContext(ctx); err != nil {
		return domain.Order{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
	if err := checkContext(ctx); err != nil {
		return domain.Order{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.update_status", "order %s not found", orderID)
	}
	if order.Status != expected {
		return domain.Order{}, conflict("orders.update_status", "order %s is %s, expected %s", orderID, order.Status, expected)
	}
	order.Status = next
	order.UpdatedAt = utc(at)
	s.orders[orderID] = order
	s.publishLocked(order)
	return cloneOrder(order), nil
}

func (r *orderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, at time.Time) (domain.Order, error) {
	if err := checkContext(ctx); err != nil {
		return domain.Order{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.update_payment", "order %s not found", orderID)
	}
	order.PaymentStatus = status
	order.UpdatedAt = utc(at)
	s.orders[orderID] = order
	s.publishLocked(order)
	return cloneOrder(order), nil
}

func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if err := checkContext(ctx); err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	cursor, hasCursor, err := repositories.DecodeOrderCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := repositories.NormalizeOrderPageSize(filter.Pagination.PageSize)
	folded := repositories.FoldSearch(filter.Search)
	userID := strings.TrimSpace(filter.UserID)

	s := r.s
	s.mu.Lock()
	matched := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if userID != "" && order.UserID != userID {
			continue
		}
		if !repositories.MatchesOrderStatus(order, filter.Status) || !repositories.MatchesOrderSearch(order, folded) {
			continue
		}
		if hasCursor && !cursor.After(order) {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return repositories.OrderSortsBefore(matched[i], matched[j])
	})

	page := domain.CursorPage[domain.Order]{Items: matched}
	if len(matched) > pageSize {
		page.Items = matched[:pageSize]
		token, err := repositories.EncodeOrderCursor(page.Items[pageSize-1])
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Watch emits the current order immediately and every subsequent write. A slow reader
// only ever misses intermediate snapshots, never the latest one.
func (r *orderRepository) Watch(ctx context.Context, orderID string) (<-chan domain.OrderSnapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s := r.s
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, notFound("orders.watch", "order %s not found", orderID)
	}
	if s.closed {
		s.mu.Unlock()
		return nil, conflict("orders.watch", "store closed")
	}
	ch := make(chan domain.OrderSnapshot, watchBuffer)
	id := s.nextWatch
	s.nextWatch++
	subs := s.watchers[orderID]
	if subs == nil {
		subs = make(map[int]chan domain.OrderSnapshot)
		s.watchers[orderID] = subs
	}
	subs[id] = ch
	ch <- domain.OrderSnapshot{Order: cloneOrder(order)}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.watchers[orderID]; ok {
			if ch, ok := subs[id]; ok {
				close(ch)
				delete(subs, id)
			}
			if len(subs) == 0 {
				delete(s.watchers, orderID)
			}
		}
	}()
	return ch, nil
}

// publishLocked fans the order out to subscribers. Callers hold s.mu.
func (s *Store) publishLocked(order domain.Order) {
	for _, ch := range s.watchers[order.ID] {
		snapshot := domain.OrderSnapshot{Order: cloneOrder(order)}
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// Drop the oldest queued snapshot to make room for the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
