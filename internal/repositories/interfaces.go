package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	Intents() IntentRepository
	Tokens() TokenRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order documents. Mutations after Insert touch single fields only.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateStatus writes status and updatedAt only when the stored status equals expected.
	// A mismatch is reported as a RepositoryError with IsConflict.
	UpdateStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, at time.Time) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Watch streams snapshots of the order until ctx is done. The channel is closed on exit.
	Watch(ctx context.Context, orderID string) (<-chan domain.OrderSnapshot, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	// Status matches exactly; empty or domain.OrderStatusAll matches every status.
	Status domain.OrderStatus
	// Search matches order id or receiver name as a case-insensitive substring.
	Search     string
	UserID     string
	Pagination domain.Pagination
}

// InventoryRepository owns product stock counters and the stock ledger.
type InventoryRepository interface {
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
	// UpsertProduct writes the product atomically with respect to Apply and Revert. Sold
	// may not drop below the stored value.
	UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	// Apply adjusts stock by entry.Delta atomically for one product. A negative delta also
	// increments sold. Entries are idempotent by ID; a reverted entry can never be applied,
	// and replaying an ID with another product or delta is rejected.
	Apply(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error)
	// Revert undoes an applied entry once. Reverting an unknown entry writes a tombstone.
	Revert(ctx context.Context, entryID string, opts RevertOptions) (domain.LedgerResult, error)
}

// RevertOptions controls how an entry is undone.
type RevertOptions struct {
	// RevertSold also rolls back the sold counter for decrement entries.
	RevertSold bool
	At         time.Time
}

// IntentRepository stores the stock intents that make order transitions recoverable.
type IntentRepository interface {
	// Begin creates the intent when absent and returns the stored record. An aborted
	// intent is reopened as pending with Attempt incremented and its transition fields
	// replaced by the request. created reports whether a new attempt was started.
	Begin(ctx context.Context, intent domain.StockIntent) (stored domain.StockIntent, created bool, err error)
	Find(ctx context.Context, intentID string) (domain.StockIntent, error)
	MarkApplied(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error)
	// Complete atomically moves the intent from applied to completed and the order from
	// intent.From to intent.To. It fails with IsConflict when either precondition is broken.
	Complete(ctx context.Context, intentID string, at time.Time) (domain.Order, error)
	// StartRevert moves a pending or applied intent to reverting so it can no longer
	// complete. Completed intents yield IsConflict; aborted intents are returned unchanged.
	StartRevert(ctx context.Context, intentID string, reason string, at time.Time) (domain.StockIntent, error)
	// Abort marks a non-completed intent aborted. Completed intents yield IsConflict.
	Abort(ctx context.Context, intentID string, reason string, at time.Time) (domain.StockIntent, error)
	// MarkCompleted records completion for an intent whose order already reached intent.To.
	MarkCompleted(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error)
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.StockIntent, error)
}

// TokenRepository resolves push notification tokens for users.
type TokenRepository interface {
	// FindToken returns the delivery token for the user. A missing token is reported as
	// a RepositoryError with IsNotFound.
	FindToken(ctx context.Context, userID string) (string, error)
	SaveToken(ctx context.Context, userID, token string, at time.Time) error
}

// HealthRepository reports dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
