package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was submitted and no stock has been touched.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusConfirmed indicates stock was decremented for every line.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusShipping indicates the order left the warehouse.
	OrderStatusShipping OrderStatus = "SHIPPING"
	// OrderStatusDelivered is terminal.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatusAll is the list filter value matching every status. It is never stored.
const OrderStatusAll OrderStatus = "ALL"

var knownOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:   {},
	OrderStatusConfirmed: {},
	OrderStatusShipping:  {},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

// ParseOrderStatus normalises the raw value and reports whether it names a stored status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := knownOrderStatuses[status]
	return status, ok
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus is orthogonal to the fulfilment status.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
	PaymentStatusPaid   PaymentStatus = "PAID"
)

// ParsePaymentStatus normalises the raw value and reports whether it is known.
func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case PaymentStatusUnpaid, PaymentStatusPaid:
		return status, true
	default:
		return status, false
	}
}

// ProductSnapshot is copied onto an order line at submission and never refreshed.
type ProductSnapshot struct {
	Name     string
	ImageURL string
	Price    int64
}

// OrderLine captures a product, quantity and the price agreed at order time.
type OrderLine struct {
	ProductID string
	Product   ProductSnapshot
	Quantity  int
	UnitPrice int64
}

// Subtotal returns quantity * unit price.
func (l OrderLine) Subtotal() int64 {
	return int64(l.Quantity) * l.UnitPrice
}

// ShippingInfo is copied from the customer profile at submission time.
type ShippingInfo struct {
	ReceiverName  string
	ReceiverPhone string
	Address       string
}

// Order is the aggregate mutated by the lifecycle engine.
type Order struct {
	ID            string
	UserID        string
	Items         []OrderLine
	TotalPrice    int64
	Status        OrderStatus
	PaymentMethod string
	PaymentStatus PaymentStatus
	Shipping      ShippingInfo
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LinesTotal sums the line subtotals. Lines must already be validated against overflow.
func LinesTotal(lines []OrderLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.Subtotal()
	}
	return total
}

// OrderSnapshot is a single element of a watch stream. Err is set when the stream fails;
// the channel is closed right after.
type OrderSnapshot struct {
	Order Order
	Err   error
}

// Product holds the stock counters owned by the inventory ledger.
type Product struct {
	ID        string
	Name      string
	Price     int64
	Stock     int
	Sold      int
	UpdatedAt time.Time
}

// LedgerEntry describes a single idempotent stock adjustment.
type LedgerEntry struct {
	ID        string
	ProductID string
	OrderID   string
	Delta     int
	CreatedAt time.Time
}

// LedgerResult reports the product state after an apply or revert.
type LedgerResult struct {
	Product Product
	// Replayed is true when the entry had already been applied (or reverted) earlier.
	Replayed bool
}

// StockEffect names what a transition does to product stock.
type StockEffect string

const (
	StockEffectNone      StockEffect = ""
	StockEffectDecrement StockEffect = "decrement"
	StockEffectRestore   StockEffect = "restore"
)

// IntentState tracks progress of a stock intent through the saga.
type IntentState string

const (
	IntentStatePending   IntentState = "pending"
	IntentStateApplied   IntentState = "applied"
	// IntentStateReverting blocks completion while the ledger entries are undone.
	IntentStateReverting IntentState = "reverting"
	IntentStateCompleted IntentState = "completed"
	IntentStateAborted   IntentState = "aborted"
)

// IntentLine is the per-product quantity recorded on an intent.
type IntentLine struct {
	ProductID string
	Quantity  int
}

// StockIntent is the outbox record written before the ledger is touched.
type StockIntent struct {
	ID        string
	OrderID   string
	From      OrderStatus
	To        OrderStatus
	Effect    StockEffect
	Lines     []IntentLine
	State     IntentState
	Attempt   int
	ActorID   string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the intent needs no further reconciliation.
func (i StockIntent) IsTerminal() bool {
	return i.State == IntentStateCompleted || i.State == IntentStateAborted
}

// ActorRole distinguishes customers from staff acting on orders.
type ActorRole string

const (
	ActorRoleCustomer ActorRole = "customer"
	ActorRoleAdmin    ActorRole = "admin"
	ActorRoleSystem   ActorRole = "system"
)

// Actor is the principal requesting an operation. It is always passed explicitly.
type Actor struct {
	ID   string
	Role ActorRole
}

// IsAdmin reports whether the actor may perform staff-only transitions.
func (a Actor) IsAdmin() bool {
	return a.Role == ActorRoleAdmin || a.Role == ActorRoleSystem
}

// SystemActor is used by background reconciliation.
var SystemActor = Actor{ID: "system", Role: ActorRoleSystem}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but the service keeps running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// HealthCheck describes the outcome of an individual dependency probe.
type HealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency status for readiness probes.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	GeneratedAt time.Time
}
