package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
)

var orderTestNow = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

var (
	testAdmin    = domain.Actor{ID: "staff_1", Role: domain.ActorRoleAdmin}
	testCustomer = domain.Actor{ID: "cust_1", Role: domain.ActorRoleCustomer}
)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) ofType(eventType string) []OrderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OrderEvent
	for _, event := range c.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureNotifier) Notify(_ context.Context, notification Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, notification)
}

func (c *captureNotifier) Close(context.Context) error { return nil }

func (c *captureNotifier) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.sent...)
}

type captureLogger struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

type hookedIntents struct {
	repositories.IntentRepository
	afterMarkApplied func()
	beforeComplete   func()
}

func (h *hookedIntents) MarkApplied(ctx context.Context, intentID string, at time.Time) (domain.StockIntent, error) {
	intent, err := h.IntentRepository.MarkApplied(ctx, intentID, at)
	if err == nil && h.afterMarkApplied != nil {
		h.afterMarkApplied()
	}
	return intent, err
}

func (h *hookedIntents) Complete(ctx context.Context, intentID string, at time.Time) (domain.Order, error) {
	if h.beforeComplete != nil {
		h.beforeComplete()
	}
	return h.IntentRepository.Complete(ctx, intentID, at)
}

type blockingOrders struct {
	repositories.OrderRepository
}

func (b *blockingOrders) FindByID(ctx context.Context, _ string) (domain.Order, error) {
	<-ctx.Done()
	return domain.Order{}, ctx.Err()
}

type orderFixture struct {
	store     *memory.Store
	inventory InventoryService
	svc       OrderService
	events    *captureOrderEvents
	notifier  *captureNotifier
	logs      *captureLogger
}

func newOrderFixture(t *testing.T, customise ...func(*OrderServiceDeps)) *orderFixture {
	t.Helper()
	store := memory.NewStore(memory.WithMaxAttempts(1000))
	logs := &captureLogger{}
	clock := func() time.Time { return orderTestNow }

	inventory, err := NewInventoryService(InventoryServiceDeps{
		Inventory: store.Inventory(),
		Clock:     clock,
		Logger:    logs.log,
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	var seq atomic.Int64
	events := &captureOrderEvents{}
	notifier := &captureNotifier{}
	deps := OrderServiceDeps{
		Orders:    store.Orders(),
		Intents:   store.Intents(),
		Inventory: inventory,
		Notifier:  notifier,
		Events:    events,
		Clock:     clock,
		IDGenerator: func() string {
			return fmt.Sprintf("%04d", seq.Add(1))
		},
		Logger: logs.log,
	}
	for _, fn := range customise {
		fn(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return &orderFixture{
		store:     store,
		inventory: inventory,
		svc:       svc,
		events:    events,
		notifier:  notifier,
		logs:      logs,
	}
}

func (f *orderFixture) seedProduct(t *testing.T, id string, stock int) {
	t.Helper()
	_, err := f.store.Inventory().UpsertProduct(context.Background(), domain.Product{
		ID:        id,
		Name:      "Product " + id,
		Price:     100000,
		Stock:     stock,
		UpdatedAt: orderTestNow,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", id, err)
	}
}

func (f *orderFixture) product(t *testing.T, id string) domain.Product {
	t.Helper()
	product, err := f.store.Inventory().FindProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("find product %s: %v", id, err)
	}
	return product
}

func (f *orderFixture) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := f.store.Orders().FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find order %s: %v", id, err)
	}
	return order
}

func (f *orderFixture) submit(t *testing.T, lines ...OrderLine) Order {
	t.Helper()
	order, err := f.svc.SubmitOrder(context.Background(), SubmitOrderCommand{
		Actor:         testCustomer,
		CustomerID:    testCustomer.ID,
		Lines:         lines,
		Shipping:      ShippingInfo{ReceiverName: "Hana Sato", ReceiverPhone: "090-0000-0000", Address: "1-1 Chiyoda, Tokyo"},
		PaymentMethod: "cod",
		TotalPrice:    domain.LinesTotal(lines),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	return order
}

func orderLine(productID string, quantity int, price int64) OrderLine {
	return OrderLine{
		ProductID: productID,
		Product:   domain.ProductSnapshot{Name: "Product " + productID, Price: price},
		Quantity:  quantity,
		UnitPrice: price,
	}
}

func assertStock(t *testing.T, product domain.Product, stock, sold int) {
	t.Helper()
	if product.Stock != stock || product.Sold != sold {
		t.Fatalf("product %s: expected stock=%d sold=%d, got stock=%d sold=%d", product.ID, stock, sold, product.Stock, product.Sold)
	}
}

func TestOrderServiceSubmitOrder(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "p1", 5)

	order := f.submit(t, orderLine("p1", 2, 100000))

	if order.ID != "ord_0001" {
		t.Fatalf("expected generated id ord_0001, got %q", order.ID)
	}
	if order.TotalPrice != 200000 {
		t.Fatalf("expected total 200000, got %d", order.TotalPrice)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("unexpected initial state %s/%s", order.Status, order.PaymentStatus)
	}
	if !order.CreatedAt.Equal(orderTestNow) {
		t.Fatalf("expected createdAt %s, got %s", orderTestNow, order.CreatedAt)
	}
	stored := f.order(t, order.ID)
	if stored.Shipping.ReceiverName != "Hana Sato" || stored.Items[0].Product.Name != "Product p1" {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	assertStock(t, f.product(t, "p1"), 5, 0)

	created := f.events.ofType(orderEventCreated)
	if len(created) != 1 || created[0].OrderID != order.ID {
		t.Fatalf("expected one created event, got %+v", created)
	}
}

func TestOrderServiceSubmitOrderRejectsTotalMismatch(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.SubmitOrder(context.Background(), SubmitOrderCommand{
		Actor:      testCustomer,
		CustomerID: testCustomer.ID,
		Lines:      []OrderLine{orderLine("p1", 2, 100000)},
		TotalPrice: 999999,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	page, err := f.svc.ListOrders(context.Background(), OrderListFilter{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected nothing persisted, got %d orders", len(page.Items))
	}
}

func TestOrderServiceSubmitOrderValidation(t *testing.T) {
	valid := []OrderLine{orderLine("p1", 1, 500)}
	cases := []struct {
		name string
		cmd  SubmitOrderCommand
		want error
	}{
		{
			name: "missing customer",
			cmd:  SubmitOrderCommand{Actor: testAdmin, Lines: valid, TotalPrice: 500},
			want: ErrOrderInvalidInput,
		},
		{
			name: "no lines",
			cmd:  SubmitOrderCommand{Actor: testCustomer, CustomerID: testCustomer.ID},
			want: ErrOrderInvalidInput,
		},
		{
			name: "zero quantity",
			cmd:  SubmitOrderCommand{Actor: testCustomer, CustomerID: testCustomer.ID, Lines: []OrderLine{orderLine("p1", 0, 500)}},
			want: ErrOrderInvalidInput,
		},
		{
			name: "negative price",
			cmd:  SubmitOrderCommand{Actor: testCustomer, CustomerID: testCustomer.ID, Lines: []OrderLine{orderLine("p1", 1, -1)}, TotalPrice: -1},
			want: ErrOrderInvalidInput,
		},
		{
			name: "missing product",
			cmd:  SubmitOrderCommand{Actor: testCustomer, CustomerID: testCustomer.ID, Lines: []OrderLine{orderLine(" ", 1, 500)}, TotalPrice: 500},
			want: ErrOrderInvalidInput,
		},
		{
			name: "line subtotal overflows",
			cmd: SubmitOrderCommand{
				Actor: testCustomer, CustomerID: testCustomer.ID,
				Lines:      []OrderLine{orderLine("p1", 2, math.MaxInt64/2+1)},
				TotalPrice: domain.LinesTotal([]OrderLine{orderLine("p1", 2, math.MaxInt64/2+1)}),
			},
			want: ErrOrderInvalidInput,
		},
		{
			name: "order total overflows",
			cmd: SubmitOrderCommand{
				Actor: testCustomer, CustomerID: testCustomer.ID,
				Lines:      []OrderLine{orderLine("p1", 1, math.MaxInt64), orderLine("p2", 1, 1)},
				TotalPrice: math.MinInt64,
			},
			want: ErrOrderInvalidInput,
		},
		{
			name: "another customer",
			cmd:  SubmitOrderCommand{Actor: testCustomer, CustomerID: "cust_2", Lines: valid, TotalPrice: 500},
			want: ErrOrderPermissionDenied,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t)
			if _, err := f.svc.SubmitOrder(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderServiceConfirmThenCancelRestoresStock(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 8)
	order := f.submit(t, orderLine("pA", 2, 1000))
	ctx := context.Background()

	confirmed, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin})
	if err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", confirmed.Status)
	}
	assertStock(t, f.product(t, "pA"), 6, 2)

	cancelled, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Actor: testAdmin, Reason: "customer called"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	assertStock(t, f.product(t, "pA"), 8, 2)

	sent := f.notifier.all()
	if len(sent) != 2 {
		t.Fatalf("expected two notifications, got %+v", sent)
	}
	if sent[1].Status != domain.OrderStatusCancelled || sent[1].Reason != "customer called" || sent[1].UserID != testCustomer.ID {
		t.Fatalf("unexpected cancel notification %+v", sent[1])
	}
	changed := f.events.ofType(orderEventStatusChanged)
	if len(changed) != 2 || changed[1].PreviousStatus != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status events %+v", changed)
	}
	if changed[1].Metadata["reason"] != "customer called" {
		t.Fatalf("expected reason metadata, got %+v", changed[1].Metadata)
	}
}

func TestOrderServiceCancelFromShippingRestoresStock(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 3)
	order := f.submit(t, orderLine("pA", 3, 1000))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin}); err != nil {
			t.Fatalf("AdvanceStatus #%d: %v", i, err)
		}
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusShipping {
		t.Fatalf("expected SHIPPING, got %s", got)
	}
	assertStock(t, f.product(t, "pA"), 0, 3)

	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Actor: testAdmin}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	assertStock(t, f.product(t, "pA"), 3, 3)
}

func TestOrderServicePendingCancelLeavesStockUntouched(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 4)
	order := f.submit(t, orderLine("pA", 2, 1000))

	cancelled, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, Actor: testCustomer})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	assertStock(t, f.product(t, "pA"), 4, 0)
	if _, err := f.store.Intents().Find(context.Background(), order.ID+":CANCELLED"); err == nil {
		t.Fatal("pending cancellation should not write a stock intent")
	}
}

func TestOrderServiceRejectsSkippingConfirmation(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 4)
	order := f.submit(t, orderLine("pA", 2, 1000))

	_, err := f.svc.RequestTransition(context.Background(), TransitionCommand{
		OrderID: order.ID,
		Target:  domain.OrderStatusShipping,
		Actor:   testAdmin,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusPending {
		t.Fatalf("expected order to stay PENDING, got %s", got)
	}
	assertStock(t, f.product(t, "pA"), 4, 0)
	if len(f.notifier.all()) != 0 || len(f.events.ofType(orderEventStatusChanged)) != 0 {
		t.Fatal("rejected transitions must not have side effects")
	}
}

func TestOrderServiceAdvanceRetryAppliesStockOnce(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 8)
	order := f.submit(t, orderLine("pA", 2, 1000))
	cmd := AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin, ExpectedStatus: domain.OrderStatusPending}

	first, err := f.svc.AdvanceStatus(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first AdvanceStatus: %v", err)
	}
	second, err := f.svc.AdvanceStatus(context.Background(), cmd)
	if err != nil {
		t.Fatalf("retried AdvanceStatus: %v", err)
	}
	if first.Status != domain.OrderStatusConfirmed || second.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected both calls to report CONFIRMED, got %s and %s", first.Status, second.Status)
	}
	assertStock(t, f.product(t, "pA"), 6, 2)
	if n := len(f.notifier.all()); n != 1 {
		t.Fatalf("expected a single notification, got %d", n)
	}
}

func TestOrderServiceDuplicateConcurrentConfirmAppliesOnce(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 10)
	order := f.submit(t, orderLine("pA", 2, 1000), orderLine("pA", 1, 1000))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RequestTransition(context.Background(), TransitionCommand{
				OrderID: order.ID,
				Target:  domain.OrderStatusConfirmed,
				Actor:   testAdmin,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrOrderInvalidTransition) && !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", got)
	}
	assertStock(t, f.product(t, "pA"), 7, 3)
}

func TestOrderServiceConcurrentConfirmPreventsOversell(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 1)
	orderX := f.submit(t, orderLine("pA", 1, 1000))
	orderY := f.submit(t, orderLine("pA", 1, 1000))

	var wg sync.WaitGroup
	results := make(map[string]error)
	var mu sync.Mutex
	for _, id := range []string{orderX.ID, orderY.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{
				OrderID:        id,
				Actor:          testAdmin,
				ExpectedStatus: domain.OrderStatusPending,
			})
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	var succeeded, rejected []string
	for id, err := range results {
		switch {
		case err == nil:
			succeeded = append(succeeded, id)
		case errors.Is(err, ErrInventoryInsufficientStock):
			rejected = append(rejected, id)
		default:
			t.Fatalf("order %s: unexpected error %v", id, err)
		}
	}
	if len(succeeded) != 1 || len(rejected) != 1 {
		t.Fatalf("expected one success and one rejection, got %v / %v", succeeded, rejected)
	}
	assertStock(t, f.product(t, "pA"), 0, 1)

	loser := f.order(t, rejected[0])
	if loser.Status != domain.OrderStatusPending {
		t.Fatalf("rejected order should stay PENDING, got %s", loser.Status)
	}
	intent, err := f.store.Intents().Find(context.Background(), rejected[0]+":CONFIRMED")
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if intent.State != domain.IntentStateAborted {
		t.Fatalf("expected aborted intent, got %s", intent.State)
	}
}

func TestOrderServiceCompensatesPartiallyAppliedLines(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "p1", 5)
	f.seedProduct(t, "p2", 1)
	order := f.submit(t, orderLine("p1", 2, 1000), orderLine("p2", 3, 500))
	ctx := context.Background()

	_, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	assertStock(t, f.product(t, "p1"), 5, 0)
	assertStock(t, f.product(t, "p2"), 1, 0)
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusPending {
		t.Fatalf("expected PENDING after failed confirm, got %s", got)
	}
	if !f.logs.has("inventory.compensation.completed") {
		t.Fatal("expected compensation to be logged")
	}

	f.seedProduct(t, "p2", 3)
	confirmed, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin})
	if err != nil {
		t.Fatalf("retry AdvanceStatus: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", confirmed.Status)
	}
	assertStock(t, f.product(t, "p1"), 3, 2)
	assertStock(t, f.product(t, "p2"), 0, 3)

	intent, err := f.store.Intents().Find(ctx, order.ID+":CONFIRMED")
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if intent.State != domain.IntentStateCompleted || intent.Attempt != 2 {
		t.Fatalf("expected completed second attempt, got %s attempt %d", intent.State, intent.Attempt)
	}
}

func TestOrderServiceRollsBackWhenOrderMovesBeforeCompletion(t *testing.T) {
	var hooked *hookedIntents
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		hooked = &hookedIntents{IntentRepository: deps.Intents}
		deps.Intents = hooked
	})
	f.seedProduct(t, "pA", 8)
	order := f.submit(t, orderLine("pA", 2, 1000))
	hooked.afterMarkApplied = func() {
		if _, err := f.store.Orders().UpdateStatus(context.Background(), order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled, orderTestNow); err != nil {
			t.Errorf("concurrent cancel: %v", err)
		}
	}

	_, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	assertStock(t, f.product(t, "pA"), 8, 0)
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusCancelled {
		t.Fatalf("expected concurrent cancel to stand, got %s", got)
	}
	intent, err := f.store.Intents().Find(context.Background(), order.ID+":CONFIRMED")
	if err != nil {
		t.Fatalf("find intent: %v", err)
	}
	if intent.State != domain.IntentStateAborted {
		t.Fatalf("expected aborted intent, got %s", intent.State)
	}
}

func TestOrderServiceTreatsLostCompletionRaceAsReplay(t *testing.T) {
	var hooked *hookedIntents
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		hooked = &hookedIntents{IntentRepository: deps.Intents}
		deps.Intents = hooked
	})
	f.seedProduct(t, "pA", 8)
	order := f.submit(t, orderLine("pA", 2, 1000))
	var once sync.Once
	hooked.beforeComplete = func() {
		once.Do(func() {
			if _, err := hooked.IntentRepository.Complete(context.Background(), order.ID+":CONFIRMED", orderTestNow); err != nil {
				t.Errorf("competing completion: %v", err)
			}
		})
	}

	got, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin})
	if err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	if got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", got.Status)
	}
	assertStock(t, f.product(t, "pA"), 6, 2)
	if n := len(f.notifier.all()); n != 0 {
		t.Fatalf("replayed transitions must not notify, got %d", n)
	}
}

func TestOrderServiceTerminalStatuses(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 2)
	order := f.submit(t, orderLine("pA", 1, 1000))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin}); err != nil {
			t.Fatalf("AdvanceStatus #%d: %v", i, err)
		}
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", got)
	}

	if _, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition past DELIVERED, got %v", err)
	}
	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Actor: testAdmin}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected delivered orders to be uncancellable, got %v", err)
	}
	assertStock(t, f.product(t, "pA"), 1, 1)
}

func TestOrderServiceExpectedStatusMismatch(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 2)
	order := f.submit(t, orderLine("pA", 1, 1000))

	_, err := f.svc.RequestTransition(context.Background(), TransitionCommand{
		OrderID:        order.ID,
		Target:         domain.OrderStatusShipping,
		ExpectedStatus: domain.OrderStatusConfirmed,
		Actor:          testAdmin,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestOrderServicePermissions(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 5)
	ctx := context.Background()
	order := f.submit(t, orderLine("pA", 1, 1000))
	stranger := domain.Actor{ID: "cust_2", Role: domain.ActorRoleCustomer}

	if _, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testCustomer}); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("customers must not advance orders, got %v", err)
	}
	if _, err := f.svc.RequestTransition(ctx, TransitionCommand{OrderID: order.ID, Target: domain.OrderStatusConfirmed, Actor: testCustomer}); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("customers must not confirm orders, got %v", err)
	}
	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Actor: stranger}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("other customers should not see the order, got %v", err)
	}
	if _, err := f.svc.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, Actor: stranger}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("other customers should not read the order, got %v", err)
	}
	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Actor: domain.Actor{ID: "x"}}); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("actors without a role are denied, got %v", err)
	}
	if _, err := f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, Actor: testCustomer}); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("customers must not mark payments, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin}); err != nil {
			t.Fatalf("AdvanceStatus: %v", err)
		}
	}
	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Actor: testCustomer}); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("customers cannot cancel shipping orders, got %v", err)
	}
	got, err := f.svc.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, Actor: testCustomer})
	if err != nil {
		t.Fatalf("owner GetOrder: %v", err)
	}
	if got.Status != domain.OrderStatusShipping {
		t.Fatalf("expected SHIPPING, got %s", got.Status)
	}
}

func TestOrderServiceNotFound(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	if _, err := f.svc.AdvanceStatus(ctx, AdvanceStatusCommand{OrderID: "ord_missing", Actor: testAdmin}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: "ord_missing", Actor: testAdmin}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.GetOrder(ctx, GetOrderQuery{OrderID: "", Actor: testAdmin}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}
}

func TestOrderServiceConfirmUnknownProduct(t *testing.T) {
	f := newOrderFixture(t)
	order := f.submit(t, orderLine("ghost", 1, 1000))

	_, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin})
	if !errors.Is(err, ErrInventoryProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}
	if got := f.order(t, order.ID).Status; got != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
}

func TestOrderServiceListOrders(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 10)
	ctx := context.Background()
	first := f.submit(t, orderLine("pA", 1, 1000))
	second := f.submit(t, orderLine("pA", 1, 1000))
	if _, err := f.svc.CancelOrder(ctx, CancelOrderCommand{OrderID: second.ID, Actor: testAdmin}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	page, err := f.svc.ListOrders(ctx, OrderListFilter{Status: "pending"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != first.ID {
		t.Fatalf("expected only the pending order, got %+v", page.Items)
	}

	page, err = f.svc.ListOrders(ctx, OrderListFilter{Status: "all", Search: "hana SATO"})
	if err != nil {
		t.Fatalf("ListOrders search: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected both orders to match the receiver name, got %d", len(page.Items))
	}

	page, err = f.svc.ListOrders(ctx, OrderListFilter{Search: "0002"})
	if err != nil {
		t.Fatalf("ListOrders id search: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != second.ID {
		t.Fatalf("expected id substring match, got %+v", page.Items)
	}

	if _, err := f.svc.ListOrders(ctx, OrderListFilter{Status: "LOST"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid status filter error, got %v", err)
	}
	if _, err := f.svc.ListOrders(ctx, OrderListFilter{Pagination: Pagination{PageToken: "%%%"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid page token error, got %v", err)
	}
}

func TestOrderServiceMarkPaid(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 10)
	order := f.submit(t, orderLine("pA", 1, 1000))

	paid, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID, Actor: testAdmin})
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentStatusPaid || paid.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order after payment %s/%s", paid.Status, paid.PaymentStatus)
	}
	if events := f.events.ofType(orderEventPaymentUpdated); len(events) != 1 {
		t.Fatalf("expected a payment event, got %+v", events)
	}

	again, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID, Actor: testAdmin})
	if err != nil {
		t.Fatalf("repeat MarkPaid: %v", err)
	}
	if again.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected PAID, got %s", again.PaymentStatus)
	}
	if events := f.events.ofType(orderEventPaymentUpdated); len(events) != 1 {
		t.Fatalf("repeat payment should not emit another event, got %d", len(events))
	}
}

func TestOrderServiceStoreTimeout(t *testing.T) {
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		deps.Orders = &blockingOrders{OrderRepository: deps.Orders}
		deps.StoreTimeout = 20 * time.Millisecond
	})

	_, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{OrderID: "ord_1", Actor: testAdmin})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestOrderServicePublishFailureDoesNotFailTransition(t *testing.T) {
	f := newOrderFixture(t)
	f.events.err = errors.New("pubsub down")
	f.seedProduct(t, "pA", 2)
	order := f.submit(t, orderLine("pA", 1, 1000))

	if _, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin}); err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	if !f.logs.has("order.event.publish.failed") {
		t.Fatal("expected publish failure to be logged")
	}
}

func TestOrderServiceWatchOrder(t *testing.T) {
	f := newOrderFixture(t)
	f.seedProduct(t, "pA", 2)
	order := f.submit(t, orderLine("pA", 1, 1000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := f.svc.WatchOrder(ctx, GetOrderQuery{OrderID: order.ID, Actor: testCustomer})
	if err != nil {
		t.Fatalf("WatchOrder: %v", err)
	}
	select {
	case snap := <-stream:
		if snap.Err != nil || snap.Order.Status != domain.OrderStatusPending {
			t.Fatalf("unexpected first snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	if _, err := f.svc.AdvanceStatus(context.Background(), AdvanceStatusCommand{OrderID: order.ID, Actor: testAdmin}); err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	select {
	case snap := <-stream:
		if snap.Order.Status != domain.OrderStatusConfirmed {
			t.Fatalf("expected CONFIRMED snapshot, got %s", snap.Order.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after transition")
	}

	if _, err := f.svc.WatchOrder(ctx, GetOrderQuery{OrderID: order.ID, Actor: domain.Actor{ID: "cust_9", Role: domain.ActorRoleCustomer}}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected strangers to be rejected, got %v", err)
	}
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatal("expected error without repositories")
	}
}
