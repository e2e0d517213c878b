package repositories

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/pagination"
	"golang.org/x/text/cases"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

var searchFolder = cases.Fold()

// NormalizeOrderPageSize clamps the requested page size.
func NormalizeOrderPageSize(size int) int {
	switch {
	case size <= 0:
		return defaultOrderPageSize
	case size > maxOrderPageSize:
		return maxOrderPageSize
	default:
		return size
	}
}

// FoldSearch prepares a search term for MatchesOrderSearch.
func FoldSearch(term string) string {
	return searchFolder.String(strings.TrimSpace(term))
}

// MatchesOrderSearch reports whether the folded term is a substring of the order id or
// the receiver name. An empty term matches everything.
func MatchesOrderSearch(order domain.Order, folded string) bool {
	if folded == "" {
		return true
	}
	if strings.Contains(searchFolder.String(order.ID), folded) {
		return true
	}
	return strings.Contains(searchFolder.String(order.Shipping.ReceiverName), folded)
}

// MatchesOrderStatus reports whether the order passes the status filter.
func MatchesOrderStatus(order domain.Order, status domain.OrderStatus) bool {
	return status == "" || status == domain.OrderStatusAll || order.Status == status
}

// OrderCursor marks the last order returned on a page. Listings are ordered by
// createdAt descending with the id as tie breaker.
type OrderCursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeOrderCursor builds the page token that resumes after order.
func EncodeOrderCursor(order domain.Order) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{order.CreatedAt.UTC().Format(time.RFC3339Nano), order.ID},
	})
}

// DecodeOrderCursor parses a page token. ok is false for an empty token.
func DecodeOrderCursor(token string) (cursor OrderCursor, ok bool, err error) {
	raw, err := pagination.DecodeToken(token)
	if err != nil {
		return OrderCursor{}, false, err
	}
	if len(raw.StartAfter) == 0 {
		return OrderCursor{}, false, nil
	}
	if len(raw.StartAfter) != 2 {
		return OrderCursor{}, false, fmt.Errorf("%w: unexpected cursor length", pagination.ErrInvalidPageToken)
	}
	createdRaw, okTime := raw.StartAfter[0].(string)
	id, okID := raw.StartAfter[1].(string)
	if !okTime || !okID || id == "" {
		return OrderCursor{}, false, fmt.Errorf("%w: malformed cursor", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return OrderCursor{}, false, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return OrderCursor{CreatedAt: createdAt, ID: id}, true, nil
}

// After reports whether order sorts strictly after the cursor position.
func (c OrderCursor) After(order domain.Order) bool {
	if !order.CreatedAt.Equal(c.CreatedAt) {
		return order.CreatedAt.Before(c.CreatedAt)
	}
	return order.ID < c.ID
}

// OrderSortsBefore orders newest first with id descending as tie breaker.
func OrderSortsBefore(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
