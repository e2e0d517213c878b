package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/pagination"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status.changed"
	orderEventPaymentUpdated = "order.payment.updated"

	orderIDPrefix = "ord_"

	transitionOutcomeOK       = "ok"
	transitionOutcomeReplayed = "replayed"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the status change is not allowed from the current status.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderPermissionDenied indicates the actor may not perform the operation.
	ErrOrderPermissionDenied = errors.New("order: permission denied")
	// ErrOrderConflict indicates a concurrent update won; the caller may retry.
	ErrOrderConflict = errors.New("order: conflict")
)

var tracer = otel.Tracer("github.com/hanko-field/orderflow/internal/services")

// orderStateTransitions lists every allowed move and what it does to stock.
var orderStateTransitions = map[OrderStatus]map[OrderStatus]domain.StockEffect{
	domain.OrderStatusPending: {
		domain.OrderStatusConfirmed: domain.StockEffectDecrement,
		domain.OrderStatusCancelled: domain.StockEffectNone,
	},
	domain.OrderStatusConfirmed: {
		domain.OrderStatusShipping:  domain.StockEffectNone,
		domain.OrderStatusCancelled: domain.StockEffectRestore,
	},
	domain.OrderStatusShipping: {
		domain.OrderStatusDelivered: domain.StockEffectNone,
		domain.OrderStatusCancelled: domain.StockEffectRestore,
	},
}

var nextOrderStatus = map[OrderStatus]OrderStatus{
	domain.OrderStatusPending:   domain.OrderStatusConfirmed,
	domain.OrderStatusConfirmed: domain.OrderStatusShipping,
	domain.OrderStatusShipping:  domain.OrderStatusDelivered,
}

var customerCancellableStatuses = map[OrderStatus]bool{
	domain.OrderStatusPending:   true,
	domain.OrderStatusConfirmed: true,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Intents      repositories.IntentRepository
	Inventory    InventoryService
	Notifier     NotificationDispatcher
	Events       OrderEventPublisher
	Metrics      Metrics
	StoreTimeout time.Duration
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	saga     *stockSaga
	notifier NotificationDispatcher
	events   OrderEventPublisher
	metrics  Metrics
	timeout  time.Duration
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Intents == nil {
		return nil, errors.New("order service: intent repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	utcClock := func() time.Time {
		return clock().UTC()
	}

	return &orderService{
		orders: deps.Orders,
		saga: &stockSaga{
			orders:    deps.Orders,
			intents:   deps.Intents,
			inventory: deps.Inventory,
			timeout:   deps.StoreTimeout,
			clock:     utcClock,
			logger:    logger,
		},
		notifier: deps.Notifier,
		events:   deps.Events,
		metrics:  deps.Metrics,
		timeout:  deps.StoreTimeout,
		clock:    utcClock,
		newID:    idGen,
		logger:   logger,
	}, nil
}

func (s *orderService) SubmitOrder(ctx context.Context, cmd SubmitOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	switch {
	case cmd.Actor.IsAdmin():
	case cmd.Actor.Role == domain.ActorRoleCustomer && cmd.Actor.ID == customerID:
	default:
		return Order{}, fmt.Errorf("%w: cannot submit orders for another customer", ErrOrderPermissionDenied)
	}

	lines, err := normaliseOrderLines(cmd.Lines)
	if err != nil {
		return Order{}, err
	}
	total := domain.LinesTotal(lines)
	if cmd.TotalPrice != total {
		return Order{}, fmt.Errorf("%w: total price %d does not match line total %d", ErrOrderInvalidInput, cmd.TotalPrice, total)
	}

	now := s.now()
	order := Order{
		ID:            s.nextOrderID(),
		UserID:        customerID,
		Items:         lines,
		TotalPrice:    total,
		Status:        domain.OrderStatusPending,
		PaymentMethod: strings.TrimSpace(cmd.PaymentMethod),
		PaymentStatus: domain.PaymentStatusUnpaid,
		Shipping: ShippingInfo{
			ReceiverName:  strings.TrimSpace(cmd.Shipping.ReceiverName),
			ReceiverPhone: strings.TrimSpace(cmd.Shipping.ReceiverPhone),
			Address:       strings.TrimSpace(cmd.Shipping.Address),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()
	if err := s.orders.Insert(callCtx, order); err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: order.Status,
		ActorID:       cmd.Actor.ID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"totalPrice": order.TotalPrice,
			"lines":      len(order.Items),
		},
	})

	return order, nil
}

func (s *orderService) RequestTransition(ctx context.Context, cmd TransitionCommand) (Order, error) {
	ctx, span := tracer.Start(ctx, "order.transition", trace.WithAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target", string(cmd.Target)),
	))
	defer span.End()

	started := s.now()
	order, from, replayed, err := s.transition(ctx, cmd)

	outcome := transitionOutcomeOK
	switch {
	case err != nil:
		outcome = transitionErrorOutcome(err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, outcome)
	case replayed:
		outcome = transitionOutcomeReplayed
	}
	span.SetAttributes(attribute.String("order.outcome", outcome))
	if s.metrics != nil {
		s.metrics.ObserveTransition(from, cmd.Target, outcome, s.now().Sub(started))
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) transition(ctx context.Context, cmd TransitionCommand) (Order, OrderStatus, bool, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, "", false, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(string(cmd.Target))
	if !ok {
		return Order{}, "", false, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.Target)
	}
	var expected OrderStatus
	if strings.TrimSpace(string(cmd.ExpectedStatus)) != "" {
		if expected, ok = domain.ParseOrderStatus(string(cmd.ExpectedStatus)); !ok {
			return Order{}, "", false, fmt.Errorf("%w: unknown expected status %q", ErrOrderInvalidInput, cmd.ExpectedStatus)
		}
	}

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return Order{}, "", false, err
	}
	from := order.Status
	if err := authorizeTransition(cmd.Actor, order, target); err != nil {
		return Order{}, from, false, err
	}

	if expected != "" && expected != order.Status {
		if order.Status == target {
			return order, expected, true, nil
		}
		return Order{}, from, false, fmt.Errorf("%w: expected status %s but was %s", ErrOrderInvalidTransition, expected, order.Status)
	}

	effect, ok := lookupTransition(order.Status, target)
	if !ok {
		return Order{}, from, false, fmt.Errorf("%w: %s to %s is not allowed", ErrOrderInvalidTransition, order.Status, target)
	}

	var (
		updated  Order
		replayed bool
	)
	if effect == domain.StockEffectNone {
		updated, replayed, err = s.writeStatus(ctx, order, target)
	} else {
		updated, replayed, err = s.saga.run(ctx, order, target, effect, cmd.Actor)
	}
	if err != nil {
		return Order{}, from, false, err
	}
	if !replayed {
		s.afterTransition(ctx, from, updated, cmd.Actor, strings.TrimSpace(cmd.Reason))
	}
	return updated, from, replayed, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	return s.RequestTransition(ctx, TransitionCommand{
		OrderID:        cmd.OrderID,
		Target:         domain.OrderStatusCancelled,
		Actor:          cmd.Actor,
		ExpectedStatus: cmd.ExpectedStatus,
		Reason:         cmd.Reason,
	})
}

func (s *orderService) AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (Order, error) {
	if !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: only staff can advance orders", ErrOrderPermissionDenied)
	}
	from := cmd.ExpectedStatus
	if strings.TrimSpace(string(from)) == "" {
		order, err := s.findOrder(ctx, cmd.OrderID)
		if err != nil {
			return Order{}, err
		}
		from = order.Status
	}
	parsed, ok := domain.ParseOrderStatus(string(from))
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown expected status %q", ErrOrderInvalidInput, from)
	}
	next, ok := nextOrderStatus[parsed]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s has no next status", ErrOrderInvalidTransition, parsed)
	}
	return s.RequestTransition(ctx, TransitionCommand{
		OrderID:        cmd.OrderID,
		Target:         next,
		Actor:          cmd.Actor,
		ExpectedStatus: parsed,
	})
}

func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error) {
	if !cmd.Actor.IsAdmin() {
		return Order{}, fmt.Errorf("%w: only staff can record payments", ErrOrderPermissionDenied)
	}
	order, err := s.findOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return order, nil
	}
	if order.Status == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: cancelled orders cannot be paid", ErrOrderInvalidTransition)
	}

	now := s.now()
	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()
	updated, err := s.orders.UpdatePaymentStatus(callCtx, order.ID, domain.PaymentStatusPaid, now)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentUpdated,
		OrderID:       updated.ID,
		UserID:        updated.UserID,
		CurrentStatus: updated.Status,
		ActorID:       cmd.Actor.ID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"previousPaymentStatus": string(order.PaymentStatus),
			"paymentStatus":         string(updated.PaymentStatus),
		},
	})
	return updated, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if raw := strings.TrimSpace(string(filter.Status)); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		switch {
		case ok:
			filter.Status = status
		case strings.EqualFold(raw, string(domain.OrderStatusAll)):
			filter.Status = domain.OrderStatusAll
		default:
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status filter %q", ErrOrderInvalidInput, raw)
		}
	}
	filter.UserID = strings.TrimSpace(filter.UserID)

	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()
	page, err := s.orders.List(callCtx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	order, err := s.findOrder(ctx, query.OrderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeRead(query.Actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) WatchOrder(ctx context.Context, query GetOrderQuery) (<-chan OrderSnapshot, error) {
	if _, err := s.GetOrder(ctx, query); err != nil {
		return nil, err
	}
	stream, err := s.orders.Watch(ctx, strings.TrimSpace(query.OrderID))
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	return stream, nil
}

func (s *orderService) findOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()
	order, err := s.orders.FindByID(callCtx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

// writeStatus persists a transition without stock effect using a conditional write on
// the prior status.
func (s *orderService) writeStatus(ctx context.Context, order Order, target OrderStatus) (Order, bool, error) {
	callCtx, cancel := storeContext(ctx, s.timeout)
	updated, err := s.orders.UpdateStatus(callCtx, order.ID, order.Status, target, s.now())
	cancel()
	if err == nil {
		return updated, false, nil
	}
	if !isRepoConflict(err) {
		return Order{}, false, mapOrderRepositoryError(err)
	}
	return s.saga.resolveMoved(ctx, order.ID, order.Status, target)
}

func (s *orderService) afterTransition(ctx context.Context, from OrderStatus, order Order, actor Actor, reason string) {
	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: from,
		CurrentStatus:  order.Status,
		ActorID:        actor.ID,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
	if s.notifier != nil {
		s.notifier.Notify(ctx, Notification{
			UserID:  order.UserID,
			OrderID: order.ID,
			Status:  order.Status,
			Reason:  reason,
		})
	}
	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": order.ID,
		"from":    string(from),
		"to":      string(order.Status),
		"actorId": actor.ID,
	})
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.CurrentStatus),
		})
	}
}

func normaliseOrderLines(input []OrderLine) ([]OrderLine, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one line", ErrOrderInvalidInput)
	}
	lines := make([]OrderLine, 0, len(input))
	var total int64
	for i, line := range input {
		productID := strings.TrimSpace(line.ProductID)
		switch {
		case productID == "":
			return nil, fmt.Errorf("%w: line %d: product id is required", ErrOrderInvalidInput, i)
		case line.Quantity <= 0:
			return nil, fmt.Errorf("%w: line %d: quantity must be positive", ErrOrderInvalidInput, i)
		case line.UnitPrice < 0 || line.Product.Price < 0:
			return nil, fmt.Errorf("%w: line %d: price must not be negative", ErrOrderInvalidInput, i)
		case line.UnitPrice > math.MaxInt64/int64(line.Quantity):
			return nil, fmt.Errorf("%w: line %d: subtotal overflows", ErrOrderInvalidInput, i)
		}
		subtotal := line.UnitPrice * int64(line.Quantity)
		if total > math.MaxInt64-subtotal {
			return nil, fmt.Errorf("%w: line %d: order total overflows", ErrOrderInvalidInput, i)
		}
		total += subtotal
		lines = append(lines, OrderLine{
			ProductID: productID,
			Product: domain.ProductSnapshot{
				Name:     strings.TrimSpace(line.Product.Name),
				ImageURL: strings.TrimSpace(line.Product.ImageURL),
				Price:    line.Product.Price,
			},
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return lines, nil
}

func lookupTransition(from, to OrderStatus) (domain.StockEffect, bool) {
	next, ok := orderStateTransitions[from]
	if !ok {
		return domain.StockEffectNone, false
	}
	effect, ok := next[to]
	return effect, ok
}

// authorizeTransition lets staff move any order. Customers may cancel their own orders
// before shipping; other customers' orders are reported as missing.
func authorizeTransition(actor Actor, order Order, target OrderStatus) error {
	switch {
	case actor.IsAdmin():
		return nil
	case actor.Role != domain.ActorRoleCustomer:
		return fmt.Errorf("%w: unknown actor role %q", ErrOrderPermissionDenied, actor.Role)
	case actor.ID == "" || actor.ID != order.UserID:
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
	case target != domain.OrderStatusCancelled:
		return fmt.Errorf("%w: customers can only cancel orders", ErrOrderPermissionDenied)
	case !customerCancellableStatuses[order.Status] && !order.Status.IsTerminal():
		return fmt.Errorf("%w: order %s is %s and can only be cancelled by staff", ErrOrderPermissionDenied, order.ID, order.Status)
	default:
		return nil
	}
}

func authorizeRead(actor Actor, order Order) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == domain.ActorRoleCustomer && actor.ID != "" && actor.ID == order.UserID {
		return nil
	}
	return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
}

func transitionErrorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrOrderInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOrderPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	case errors.Is(err, ErrInventoryInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInventoryConflictRetryExceeded):
		return "retry_exceeded"
	case errors.Is(err, ErrInventoryProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
