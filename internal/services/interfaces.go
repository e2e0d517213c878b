package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	Order           = domain.Order
	OrderLine       = domain.OrderLine
	OrderStatus     = domain.OrderStatus
	OrderSnapshot   = domain.OrderSnapshot
	ShippingInfo    = domain.ShippingInfo
	Product         = domain.Product
	LedgerEntry     = domain.LedgerEntry
	LedgerResult    = domain.LedgerResult
	StockIntent     = domain.StockIntent
	Actor           = domain.Actor
	OrderListFilter = repositories.OrderListFilter
	RevertOptions   = repositories.RevertOptions
)

// OrderService runs the order lifecycle: submission, transitions with their stock effects,
// and read access for customers and staff.
type OrderService interface {
	SubmitOrder(ctx context.Context, cmd SubmitOrderCommand) (Order, error)
	RequestTransition(ctx context.Context, cmd TransitionCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (Order, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	WatchOrder(ctx context.Context, query GetOrderQuery) (<-chan OrderSnapshot, error)
}

// InventoryService owns product stock counters and the idempotent stock ledger.
type InventoryService interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	AdjustStock(ctx context.Context, cmd AdjustStockCommand) (Product, error)
	Apply(ctx context.Context, entry LedgerEntry) (LedgerResult, error)
	Revert(ctx context.Context, entryID string, opts RevertOptions) (LedgerResult, error)
	// ApplyLines adjusts every intent line. When a line fails the lines applied before it
	// are reverted and the original error is returned.
	ApplyLines(ctx context.Context, intent StockIntent) error
	// RevertLines reverts every entry the intent attempt may have written, including
	// entries that were never applied.
	RevertLines(ctx context.Context, intent StockIntent, revertSold bool) error
}

// NotificationDispatcher delivers order notifications off the request path.
type NotificationDispatcher interface {
	Notify(ctx context.Context, notification Notification)
	Close(ctx context.Context) error
}

// NotificationSender is the push transport used by the dispatcher.
type NotificationSender interface {
	Send(ctx context.Context, token string, message NotificationMessage) error
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// RecoveryService reconciles stock intents abandoned mid-transition.
type RecoveryService interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// SystemService exposes readiness information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Metrics receives counters from the services. A nil Metrics disables reporting.
type Metrics interface {
	ObserveTransition(from, to OrderStatus, outcome string, elapsed time.Duration)
	ObserveLedger(op, outcome string)
	ObserveNotification(outcome string)
	ObserveSweep(outcome string, count int)
}

// SubmitOrderCommand carries a customer's order submission.
type SubmitOrderCommand struct {
	Actor         Actor
	CustomerID    string
	Lines         []OrderLine
	Shipping      ShippingInfo
	PaymentMethod string
	// TotalPrice is the client computed total; it must equal the sum of the lines.
	TotalPrice int64
}

// TransitionCommand requests a move of an order to Target.
type TransitionCommand struct {
	OrderID string
	Target  OrderStatus
	Actor   Actor
	// ExpectedStatus, when set, must match the stored status for the transition to run.
	ExpectedStatus OrderStatus
	Reason         string
}

// CancelOrderCommand cancels an order. Reason is only used in the notification.
type CancelOrderCommand struct {
	OrderID        string
	Actor          Actor
	Reason         string
	ExpectedStatus OrderStatus
}

// AdvanceStatusCommand moves an order one step along the happy path.
type AdvanceStatusCommand struct {
	OrderID        string
	Actor          Actor
	ExpectedStatus OrderStatus
}

// MarkPaidCommand records payment for an order.
type MarkPaidCommand struct {
	OrderID string
	Actor   Actor
}

// GetOrderQuery reads one order on behalf of Actor.
type GetOrderQuery struct {
	OrderID string
	Actor   Actor
}

// UpsertProductCommand seeds or restocks a product.
type UpsertProductCommand struct {
	ProductID string
	Name      string
	Price     int64
	Stock     int
	Sold      int
	Actor     Actor
}

// AdjustStockCommand is a one-off stock adjustment outside of an order.
type AdjustStockCommand struct {
	ProductID string
	Delta     int
	// Reference makes the adjustment idempotent; empty generates a fresh entry.
	Reference string
}

// Notification is the payload handed to the dispatcher after a transition.
type Notification struct {
	UserID  string
	OrderID string
	Status  OrderStatus
	Reason  string
}

// NotificationMessage is what the sender pushes to a device.
type NotificationMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// SweepResult summarises a recovery pass.
type SweepResult struct {
	Scanned   int
	Completed int
	Aborted   int
	Failed    int
}

// SystemHealthReport extends the repository health report with build metadata.
type SystemHealthReport struct {
	domain.HealthReport
	Version     string
	Environment string
	Uptime      time.Duration
}
