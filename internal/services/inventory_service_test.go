package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
	"github.com/hanko-field/orderflow/internal/repositories/memory"
)

type stubInventoryRepo struct {
	mu       sync.Mutex
	applied  []string
	reverted []revertCall
	applyFn  func(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error)
	revertFn func(ctx context.Context, entryID string, opts repositories.RevertOptions) (domain.LedgerResult, error)
}

type revertCall struct {
	entryID    string
	revertSold bool
}

func (s *stubInventoryRepo) FindProduct(context.Context, string) (domain.Product, error) {
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubInventoryRepo) UpsertProduct(context.Context, domain.Product) (domain.Product, error) {
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubInventoryRepo) Apply(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
	s.mu.Lock()
	s.applied = append(s.applied, entry.ID)
	s.mu.Unlock()
	if s.applyFn != nil {
		return s.applyFn(ctx, entry)
	}
	return domain.LedgerResult{}, nil
}

func (s *stubInventoryRepo) Revert(ctx context.Context, entryID string, opts repositories.RevertOptions) (domain.LedgerResult, error) {
	s.mu.Lock()
	s.reverted = append(s.reverted, revertCall{entryID: entryID, revertSold: opts.RevertSold})
	s.mu.Unlock()
	if s.revertFn != nil {
		return s.revertFn(ctx, entryID, opts)
	}
	return domain.LedgerResult{}, nil
}

type captureMetrics struct {
	mu            sync.Mutex
	ledger        []string
	notifications []string
	transitions   []string
	sweeps        map[string]int
}

func (m *captureMetrics) ObserveTransition(_, to OrderStatus, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, string(to)+":"+outcome)
}

func (m *captureMetrics) ObserveLedger(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, op+":"+outcome)
}

func (m *captureMetrics) ObserveNotification(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, outcome)
}

func (m *captureMetrics) ObserveSweep(outcome string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweeps == nil {
		m.sweeps = make(map[string]int)
	}
	m.sweeps[outcome] += count
}

func newStubInventoryService(t *testing.T, repo repositories.InventoryRepository, metrics Metrics) InventoryService {
	t.Helper()
	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Metrics:   metrics,
		Clock: func() time.Time {
			return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
		},
		IDGenerator: func() string { return "gen" },
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	return svc
}

func decrementIntent(lines ...domain.IntentLine) StockIntent {
	return StockIntent{
		ID:      "ord_1:CONFIRMED",
		OrderID: "ord_1",
		From:    domain.OrderStatusPending,
		To:      domain.OrderStatusConfirmed,
		Effect:  domain.StockEffectDecrement,
		Lines:   lines,
		State:   domain.IntentStatePending,
		Attempt: 3,
	}
}

func TestLedgerEntryID(t *testing.T) {
	if got := LedgerEntryID("ord_1:CONFIRMED", 2, 0); got != "ord_1:CONFIRMED#2#0" {
		t.Fatalf("unexpected entry id %q", got)
	}
}

func TestInventoryServiceAdjustStock(t *testing.T) {
	store := memory.NewStore()
	svc := newStubInventoryService(t, store.Inventory(), nil)
	ctx := context.Background()
	if _, err := svc.UpsertProduct(ctx, UpsertProductCommand{ProductID: "p1", Name: "Lamp", Price: 4200, Stock: 5, Actor: testAdmin}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}

	product, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1", Delta: -2, Reference: "restock-42"})
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if product.Stock != 3 || product.Sold != 2 {
		t.Fatalf("expected stock=3 sold=2, got stock=%d sold=%d", product.Stock, product.Sold)
	}

	product, err = svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1", Delta: -2, Reference: "restock-42"})
	if err != nil {
		t.Fatalf("repeat AdjustStock: %v", err)
	}
	if product.Stock != 3 {
		t.Fatalf("repeated reference must not apply twice, got stock=%d", product.Stock)
	}
	if _, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1", Delta: -1, Reference: "restock-42"}); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input for reused reference with another delta, got %v", err)
	}
	if _, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p2", Delta: -2, Reference: "restock-42"}); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input for reused reference on another product, got %v", err)
	}

	product, err = svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1", Delta: 7})
	if err != nil {
		t.Fatalf("AdjustStock increment: %v", err)
	}
	if product.Stock != 10 || product.Sold != 2 {
		t.Fatalf("increments leave sold alone, got stock=%d sold=%d", product.Stock, product.Sold)
	}

	if _, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1", Delta: -11, Reference: "too-many"}); !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "missing", Delta: 1, Reference: "x"}); !errors.Is(err, ErrInventoryProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}
	if _, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1"}); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input for zero delta, got %v", err)
	}
}

func TestInventoryServiceUpsertProductValidation(t *testing.T) {
	svc := newStubInventoryService(t, memory.NewStore().Inventory(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  UpsertProductCommand
		want error
	}{
		{name: "missing id", cmd: UpsertProductCommand{Actor: testAdmin}, want: ErrInventoryInvalidInput},
		{name: "negative stock", cmd: UpsertProductCommand{ProductID: "p", Stock: -1, Actor: testAdmin}, want: ErrInventoryInvalidInput},
		{name: "negative price", cmd: UpsertProductCommand{ProductID: "p", Price: -5, Actor: testAdmin}, want: ErrInventoryInvalidInput},
		{name: "customer", cmd: UpsertProductCommand{ProductID: "p", Stock: 1, Actor: testCustomer}, want: ErrOrderPermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.UpsertProduct(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInventoryServiceUpsertProductRejectsSoldRegression(t *testing.T) {
	svc := newStubInventoryService(t, memory.NewStore().Inventory(), nil)
	ctx := context.Background()
	if _, err := svc.UpsertProduct(ctx, UpsertProductCommand{ProductID: "p1", Stock: 5, Actor: testAdmin}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, AdjustStockCommand{ProductID: "p1", Delta: -2, Reference: "sale-1"}); err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}

	_, err := svc.UpsertProduct(ctx, UpsertProductCommand{ProductID: "p1", Stock: 10, Actor: testAdmin})
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input when sold moves backwards, got %v", err)
	}
	product, err := svc.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.Stock != 3 || product.Sold != 2 {
		t.Fatalf("rejected upsert must not write, got stock=%d sold=%d", product.Stock, product.Sold)
	}

	product, err = svc.UpsertProduct(ctx, UpsertProductCommand{ProductID: "p1", Stock: 10, Sold: 2, Actor: testAdmin})
	if err != nil {
		t.Fatalf("UpsertProduct with current sold: %v", err)
	}
	if product.Stock != 10 || product.Sold != 2 {
		t.Fatalf("expected stock=10 sold=2, got stock=%d sold=%d", product.Stock, product.Sold)
	}
}

func TestInventoryServiceConcurrentDecrementsNeverOversell(t *testing.T) {
	store := memory.NewStore(memory.WithMaxAttempts(1000))
	svc := newStubInventoryService(t, store.Inventory(), nil)
	ctx := context.Background()
	if _, err := svc.UpsertProduct(ctx, UpsertProductCommand{ProductID: "p1", Stock: 10, Actor: testAdmin}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Apply(ctx, LedgerEntry{
				ID:        LedgerEntryID("bulk", 1, i),
				ProductID: "p1",
				Delta:     -1,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInventoryInsufficientStock):
				insufficient++
			default:
				t.Errorf("entry %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 10 || insufficient != 20 {
		t.Fatalf("expected 10 successes and 20 rejections, got %d and %d", succeeded, insufficient)
	}
	product, err := svc.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.Stock != 0 || product.Sold != 10 {
		t.Fatalf("expected stock=0 sold=10, got stock=%d sold=%d", product.Stock, product.Sold)
	}
}

func TestInventoryServiceApplyLinesCompensatesNewestFirst(t *testing.T) {
	repo := &stubInventoryRepo{
		applyFn: func(_ context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
			if entry.ProductID == "p3" {
				return domain.LedgerResult{}, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "p3 is empty", nil)
			}
			return domain.LedgerResult{}, nil
		},
	}
	metrics := &captureMetrics{}
	svc := newStubInventoryService(t, repo, metrics)

	err := svc.ApplyLines(context.Background(), decrementIntent(
		domain.IntentLine{ProductID: "p1", Quantity: 1},
		domain.IntentLine{ProductID: "p2", Quantity: 2},
		domain.IntentLine{ProductID: "p3", Quantity: 3},
	))
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if errors.Is(err, ErrInventoryCompensationIncomplete) {
		t.Fatalf("compensation succeeded and must not be reported as incomplete: %v", err)
	}

	want := []revertCall{
		{entryID: "ord_1:CONFIRMED#3#1", revertSold: true},
		{entryID: "ord_1:CONFIRMED#3#0", revertSold: true},
	}
	if len(repo.reverted) != len(want) {
		t.Fatalf("expected %d reverts, got %+v", len(want), repo.reverted)
	}
	for i := range want {
		if repo.reverted[i] != want[i] {
			t.Fatalf("revert %d: expected %+v, got %+v", i, want[i], repo.reverted[i])
		}
	}
	if got := strings.Join(metrics.ledger, ","); got != "apply:ok,apply:ok,apply:insufficient_stock,revert:ok,revert:ok" {
		t.Fatalf("unexpected ledger metrics %s", got)
	}
}

func TestInventoryServiceApplyLinesRevertsAmbiguousFailure(t *testing.T) {
	repo := &stubInventoryRepo{
		applyFn: func(_ context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
			if entry.ProductID == "p2" {
				return domain.LedgerResult{}, context.DeadlineExceeded
			}
			return domain.LedgerResult{}, nil
		},
	}
	svc := newStubInventoryService(t, repo, nil)

	err := svc.ApplyLines(context.Background(), decrementIntent(
		domain.IntentLine{ProductID: "p1", Quantity: 1},
		domain.IntentLine{ProductID: "p2", Quantity: 1},
	))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if len(repo.reverted) != 2 || repo.reverted[0].entryID != "ord_1:CONFIRMED#3#1" {
		t.Fatalf("expected the timed out entry to be reverted first, got %+v", repo.reverted)
	}
}

func TestInventoryServiceApplyLinesReportsIncompleteCompensation(t *testing.T) {
	repo := &stubInventoryRepo{
		applyFn: func(_ context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
			if entry.ProductID == "p2" {
				return domain.LedgerResult{}, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "p2 missing", nil)
			}
			return domain.LedgerResult{}, nil
		},
		revertFn: func(context.Context, string, repositories.RevertOptions) (domain.LedgerResult, error) {
			return domain.LedgerResult{}, errors.New("firestore offline")
		},
	}
	svc := newStubInventoryService(t, repo, nil)

	err := svc.ApplyLines(context.Background(), decrementIntent(
		domain.IntentLine{ProductID: "p1", Quantity: 1},
		domain.IntentLine{ProductID: "p2", Quantity: 1},
	))
	if !errors.Is(err, ErrInventoryProductNotFound) {
		t.Fatalf("expected the original failure to be preserved, got %v", err)
	}
	if !errors.Is(err, ErrInventoryCompensationIncomplete) {
		t.Fatalf("expected incomplete compensation marker, got %v", err)
	}
}

func TestInventoryServiceRevertLines(t *testing.T) {
	repo := &stubInventoryRepo{}
	svc := newStubInventoryService(t, repo, nil)
	intent := decrementIntent(
		domain.IntentLine{ProductID: "p1", Quantity: 1},
		domain.IntentLine{ProductID: "p2", Quantity: 1},
	)
	intent.Effect = domain.StockEffectRestore

	if err := svc.RevertLines(context.Background(), intent, false); err != nil {
		t.Fatalf("RevertLines: %v", err)
	}
	want := []revertCall{
		{entryID: "ord_1:CONFIRMED#3#0"},
		{entryID: "ord_1:CONFIRMED#3#1"},
	}
	if len(repo.reverted) != 2 || repo.reverted[0] != want[0] || repo.reverted[1] != want[1] {
		t.Fatalf("unexpected reverts %+v", repo.reverted)
	}
}

func TestInventoryServiceApplyLinesRejectsIntentWithoutEffect(t *testing.T) {
	repo := &stubInventoryRepo{}
	svc := newStubInventoryService(t, repo, nil)
	intent := decrementIntent(domain.IntentLine{ProductID: "p1", Quantity: 1})
	intent.Effect = domain.StockEffectNone

	if err := svc.ApplyLines(context.Background(), intent); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(repo.applied) != 0 {
		t.Fatalf("nothing should be applied, got %v", repo.applied)
	}
}

func TestInventoryServiceRevertedEntryCannotApply(t *testing.T) {
	store := memory.NewStore()
	svc := newStubInventoryService(t, store.Inventory(), nil)
	ctx := context.Background()
	if _, err := svc.UpsertProduct(ctx, UpsertProductCommand{ProductID: "p1", Stock: 4, Actor: testAdmin}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}

	if _, err := svc.Revert(ctx, "late#1#0", RevertOptions{RevertSold: true}); err != nil {
		t.Fatalf("Revert unknown entry: %v", err)
	}
	_, err := svc.Apply(ctx, LedgerEntry{ID: "late#1#0", ProductID: "p1", Delta: -1})
	if !errors.Is(err, ErrInventoryEntryReverted) {
		t.Fatalf("expected reverted entry error, got %v", err)
	}
	product, err := svc.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.Stock != 4 {
		t.Fatalf("expected untouched stock, got %d", product.Stock)
	}
}
