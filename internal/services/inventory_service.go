package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	adjustmentEntryPrefix = "adj_"

	ledgerOpApply  = "apply"
	ledgerOpRevert = "revert"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryProductNotFound indicates the product does not exist.
	ErrInventoryProductNotFound = errors.New("inventory: product not found")
	// ErrInventoryInsufficientStock indicates the adjustment would make stock negative.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryConflictRetryExceeded indicates optimistic retries on the product were exhausted.
	ErrInventoryConflictRetryExceeded = errors.New("inventory: conflict retries exceeded")
	// ErrInventoryEntryReverted indicates a ledger entry was reverted before it could be applied.
	ErrInventoryEntryReverted = errors.New("inventory: ledger entry already reverted")
	// ErrInventoryCompensationIncomplete marks a failed multi-line apply whose rollback did
	// not finish. The intent must be left for the recovery sweep.
	ErrInventoryCompensationIncomplete = errors.New("inventory: compensation incomplete")
)

// LedgerEntryID derives the deterministic ledger entry id for one intent line.
func LedgerEntryID(intentID string, attempt, index int) string {
	return fmt.Sprintf("%s#%d#%d", intentID, attempt, index)
}

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory    repositories.InventoryRepository
	StoreTimeout time.Duration
	Metrics      Metrics
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo    repositories.InventoryRepository
	timeout time.Duration
	metrics Metrics
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
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

	return &inventoryService{
		repo:    deps.Inventory,
		timeout: deps.StoreTimeout,
		metrics: deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *inventoryService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()

	product, err := s.repo.FindProduct(callCtx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	return product, nil
}

func (s *inventoryService) UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	switch {
	case productID == "":
		return Product{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	case cmd.Stock < 0:
		return Product{}, fmt.Errorf("%w: stock must be zero or greater", ErrInventoryInvalidInput)
	case cmd.Sold < 0:
		return Product{}, fmt.Errorf("%w: sold must be zero or greater", ErrInventoryInvalidInput)
	case cmd.Price < 0:
		return Product{}, fmt.Errorf("%w: price must be zero or greater", ErrInventoryInvalidInput)
	}
	if !cmd.Actor.IsAdmin() {
		return Product{}, fmt.Errorf("%w: only staff can edit products", ErrOrderPermissionDenied)
	}

	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()

	product, err := s.repo.UpsertProduct(callCtx, Product{
		ID:        productID,
		Name:      strings.TrimSpace(cmd.Name),
		Price:     cmd.Price,
		Stock:     cmd.Stock,
		Sold:      cmd.Sold,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return Product{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "inventory.product.upserted", map[string]any{
		"productId": productID,
		"stock":     product.Stock,
		"actorId":   cmd.Actor.ID,
	})
	return product, nil
}

func (s *inventoryService) AdjustStock(ctx context.Context, cmd AdjustStockCommand) (Product, error) {
	if cmd.Delta == 0 {
		return Product{}, fmt.Errorf("%w: delta must not be zero", ErrInventoryInvalidInput)
	}
	entryID := adjustmentEntryPrefix + s.newID()
	if ref := strings.TrimSpace(cmd.Reference); ref != "" {
		entryID = adjustmentEntryPrefix + ref
	}
	result, err := s.Apply(ctx, LedgerEntry{
		ID:        entryID,
		ProductID: cmd.ProductID,
		Delta:     cmd.Delta,
	})
	if err != nil {
		return Product{}, err
	}
	return result.Product, nil
}

func (s *inventoryService) Apply(ctx context.Context, entry LedgerEntry) (LedgerResult, error) {
	entry.ID = strings.TrimSpace(entry.ID)
	entry.ProductID = strings.TrimSpace(entry.ProductID)
	switch {
	case entry.ID == "":
		return LedgerResult{}, fmt.Errorf("%w: ledger entry id is required", ErrInventoryInvalidInput)
	case entry.ProductID == "":
		return LedgerResult{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	case entry.Delta == 0:
		return LedgerResult{}, fmt.Errorf("%w: delta must not be zero", ErrInventoryInvalidInput)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()

	result, err := s.repo.Apply(callCtx, entry)
	if err != nil {
		err = s.mapRepositoryError(err)
		s.observe(ledgerOpApply, err)
		return LedgerResult{}, err
	}
	s.observe(ledgerOpApply, nil)
	if result.Replayed {
		s.logger(ctx, "inventory.apply.replayed", map[string]any{
			"entryId":   entry.ID,
			"productId": entry.ProductID,
		})
	}
	return result, nil
}

func (s *inventoryService) Revert(ctx context.Context, entryID string, opts RevertOptions) (LedgerResult, error) {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return LedgerResult{}, fmt.Errorf("%w: ledger entry id is required", ErrInventoryInvalidInput)
	}
	if opts.At.IsZero() {
		opts.At = s.now()
	}

	callCtx, cancel := storeContext(ctx, s.timeout)
	defer cancel()

	result, err := s.repo.Revert(callCtx, entryID, opts)
	if err != nil {
		err = s.mapRepositoryError(err)
		s.observe(ledgerOpRevert, err)
		return LedgerResult{}, err
	}
	s.observe(ledgerOpRevert, nil)
	return result, nil
}

func (s *inventoryService) ApplyLines(ctx context.Context, intent StockIntent) error {
	sign, err := effectSign(intent.Effect)
	if err != nil {
		return err
	}
	now := s.now()
	written := make([]string, 0, len(intent.Lines))
	for i, line := range intent.Lines {
		entry := LedgerEntry{
			ID:        LedgerEntryID(intent.ID, intent.Attempt, i),
			ProductID: line.ProductID,
			OrderID:   intent.OrderID,
			Delta:     sign * line.Quantity,
			CreatedAt: now,
		}
		if _, err := s.Apply(ctx, entry); err != nil {
			// A timed out apply may still have committed.
			if _, ambiguous := unavailableError(err); ambiguous {
				written = append(written, entry.ID)
			}
			s.logger(ctx, "inventory.apply_lines.failed", map[string]any{
				"intentId":  intent.ID,
				"entryId":   entry.ID,
				"productId": line.ProductID,
				"error":     err.Error(),
			})
			if compErr := s.compensate(ctx, intent, written); compErr != nil {
				return fmt.Errorf("%w (%w: %v)", err, ErrInventoryCompensationIncomplete, compErr)
			}
			return err
		}
		written = append(written, entry.ID)
	}
	return nil
}

func (s *inventoryService) RevertLines(ctx context.Context, intent StockIntent, revertSold bool) error {
	entries := make([]string, 0, len(intent.Lines))
	for i := range intent.Lines {
		entries = append(entries, LedgerEntryID(intent.ID, intent.Attempt, i))
	}
	return s.revertEntries(ctx, entries, revertSold)
}

// compensate reverts the written entries newest first on a context that outlives the
// caller.
func (s *inventoryService) compensate(ctx context.Context, intent StockIntent, written []string) error {
	if len(written) == 0 {
		return nil
	}
	detached, cancel := detachedContext(ctx)
	defer cancel()

	reversed := make([]string, 0, len(written))
	for i := len(written) - 1; i >= 0; i-- {
		reversed = append(reversed, written[i])
	}
	err := s.revertEntries(detached, reversed, intent.Effect == domain.StockEffectDecrement)
	if err != nil {
		s.logger(ctx, "inventory.compensation.failed", map[string]any{
			"intentId": intent.ID,
			"error":    err.Error(),
		})
		return err
	}
	s.logger(ctx, "inventory.compensation.completed", map[string]any{
		"intentId": intent.ID,
		"entries":  len(written),
	})
	return nil
}

func (s *inventoryService) revertEntries(ctx context.Context, entries []string, revertSold bool) error {
	var errs []error
	for _, entryID := range entries {
		if _, err := s.Revert(ctx, entryID, RevertOptions{RevertSold: revertSold}); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", entryID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *inventoryService) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveLedger(op, ledgerOutcome(err))
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	switch repositories.InventoryCode(err) {
	case repositories.InventoryErrorInsufficientStock:
		return fmt.Errorf("%w: %v", ErrInventoryInsufficientStock, err)
	case repositories.InventoryErrorProductNotFound:
		return fmt.Errorf("%w: %v", ErrInventoryProductNotFound, err)
	case repositories.InventoryErrorEntryReverted:
		return fmt.Errorf("%w: %v", ErrInventoryEntryReverted, err)
	case repositories.InventoryErrorRetryExceeded:
		return fmt.Errorf("%w: %v", ErrInventoryConflictRetryExceeded, err)
	case repositories.InventoryErrorRejected:
		return fmt.Errorf("%w: %v", ErrInventoryInvalidInput, err)
	}

	if mapped, ok := unavailableError(err); ok {
		return mapped
	}
	return err
}

func (s *inventoryService) now() time.Time {
	return s.clock()
}

func effectSign(effect domain.StockEffect) (int, error) {
	switch effect {
	case domain.StockEffectDecrement:
		return -1, nil
	case domain.StockEffectRestore:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: intent has no stock effect", ErrInventoryInvalidInput)
	}
}

func ledgerOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInventoryInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInventoryConflictRetryExceeded):
		return "conflict"
	case errors.Is(err, ErrInventoryProductNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
