// Package memory provides an in-process implementation of every repository used by the
// order service. It backs local development, the API's memory mode and service tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	defaultMaxAttempts = 8
	watchBuffer        = 8
)

// Store keeps all documents in maps guarded by one mutex. Product updates use an
// optimistic version check so the ledger behaves like a compare-and-swap store.
type Store struct {
	mu sync.Mutex

	orders   map[string]domain.Order
	products map[string]productRecord
	entries  map[string]entryRecord
	intents  map[string]domain.StockIntent
	tokens   map[string]string

	watchers   map[string]map[int]chan domain.OrderSnapshot
	nextWatch  int
	closed     bool
	attempts   int
	beforeSwap func(productID string)
}

type productRecord struct {
	product domain.Product
	version int64
}

type entryRecord struct {
	entry    domain.LedgerEntry
	reverted bool
	// tombstone marks a revert recorded before the entry was ever applied.
	tombstone bool
}

// Option customises the store.
type Option func(*Store)

// WithMaxAttempts bounds the optimistic retry loop for stock adjustments.
func WithMaxAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:   make(map[string]domain.Order),
		products: make(map[string]productRecord),
		entries:  make(map[string]entryRecord),
		intents:  make(map[string]domain.StockIntent),
		tokens:   make(map[string]string),
		watchers: make(map[string]map[int]chan domain.OrderSnapshot),
		attempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ repositories.Registry = (*Store)(nil)

// Orders implements repositories.Registry.
func (s *Store) Orders() repositories.OrderRepository { return &orderRepository{s: s} }

// Inventory implements repositories.Registry.
func (s *Store) Inventory() repositories.InventoryRepository { return &inventoryRepository{s: s} }

// Intents implements repositories.Registry.
func (s *Store) Intents() repositories.IntentRepository { return &intentRepository{s: s} }

// Tokens implements repositories.Registry.
func (s *Store) Tokens() repositories.TokenRepository { return &tokenRepository{s: s} }

// Close ends every open watch stream.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for orderID, subs := range s.watchers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.watchers, orderID)
	}
	return nil
}

// Error implements repositories.RepositoryError.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return fmt.Sprintf("memory %s: %s", e.op, e.msg) }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), conflict: true}
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderLine(nil), order.Items...)
	return order
}

func cloneIntent(intent domain.StockIntent) domain.StockIntent {
	intent.Lines = append([]domain.IntentLine(nil), intent.Lines...)
	return intent
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
