package memory

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

type inventoryRepository struct {
	s *Store
}

func (r *inventoryRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	if err := checkContext(ctx); err != nil {
		return domain.Product{}, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.products[productID]
	if !ok {
		return domain.Product{}, productNotFound("inventory.get", productID)
	}
	return record.product, nil
}

func (r *inventoryRepository) UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := checkContext(ctx); err != nil {
		return domain.Product{}, err
	}
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "product id is required", nil)
	}
	product.UpdatedAt = utc(product.UpdatedAt)
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.products[product.ID]
	if ok && product.Sold < record.product.Sold {
		return domain.Product{}, withOp("inventory.upsert", repositories.NewInventoryError(
			repositories.InventoryErrorRejected,
			fmt.Sprintf("product %s has sold %d, cannot set %d", product.ID, record.product.Sold, product.Sold), nil))
	}
	s.products[product.ID] = productRecord{product: product, version: record.version + 1}
	return product, nil
}

func (r *inventoryRepository) Apply(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
	const op = "inventory.apply"
	if strings.TrimSpace(entry.ID) == "" {
		return domain.LedgerResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "ledger entry id is required", nil)
	}
	entry.CreatedAt = utc(entry.CreatedAt)
	s := r.s

	for attempt := 0; attempt < s.attempts; attempt++ {
		if err := checkContext(ctx); err != nil {
			return domain.LedgerResult{}, err
		}

		s.mu.Lock()
		if existing, ok := s.entries[entry.ID]; ok {
			current := s.products[existing.entry.ProductID].product
			s.mu.Unlock()
			if existing.reverted {
				return domain.LedgerResult{}, withOp(op, repositories.NewInventoryError(
					repositories.InventoryErrorEntryReverted,
					fmt.Sprintf("ledger entry %s was reverted", entry.ID), nil))
			}
			if err := repositories.ReplayMismatch(existing.entry, entry); err != nil {
				return domain.LedgerResult{}, withOp(op, err)
			}
			return domain.LedgerResult{Product: current, Replayed: true}, nil
		}
		record, ok := s.products[entry.ProductID]
		s.mu.Unlock()
		if !ok {
			return domain.LedgerResult{}, productNotFound(op, entry.ProductID)
		}

		next := record.product
		next.Stock += entry.Delta
		if next.Stock < 0 {
			return domain.LedgerResult{}, withOp(op, repositories.NewInventoryError(
				repositories.InventoryErrorInsufficientStock,
				fmt.Sprintf("product %s has %d in stock, requested %d", entry.ProductID, record.product.Stock, -entry.Delta), nil))
		}
		if entry.Delta < 0 {
			next.Sold += -entry.Delta
		}
		next.UpdatedAt = entry.CreatedAt

		if s.swap(record, next, entry.ID, func() {
			s.entries[entry.ID] = entryRecord{entry: entry}
		}) {
			return domain.LedgerResult{Product: next}, nil
		}
	}
	return domain.LedgerResult{}, withOp(op, repositories.NewInventoryError(
		repositories.InventoryErrorRetryExceeded,
		fmt.Sprintf("product %s is contended", entry.ProductID), nil))
}

func (r *inventoryRepository) Revert(ctx context.Context, entryID string, opts repositories.RevertOptions) (domain.LedgerResult, error) {
	const op = "inventory.revert"
	at := utc(opts.At)
	s := r.s

	for attempt := 0; attempt < s.attempts; attempt++ {
		if err := checkContext(ctx); err != nil {
			return domain.LedgerResult{}, err
		}

		s.mu.Lock()
		existing, ok := s.entries[entryID]
		if !ok {
			s.entries[entryID] = entryRecord{
				entry:     domain.LedgerEntry{ID: entryID, CreatedAt: at},
				reverted:  true,
				tombstone: true,
			}
			s.mu.Unlock()
			return domain.LedgerResult{}, nil
		}
		if existing.reverted {
			current := s.products[existing.entry.ProductID].product
			s.mu.Unlock()
			return domain.LedgerResult{Product: current, Replayed: true}, nil
		}
		record, ok := s.products[existing.entry.ProductID]
		s.mu.Unlock()
		if !ok {
			return domain.LedgerResult{}, productNotFound(op, existing.entry.ProductID)
		}

		next := record.product
		next.Stock -= existing.entry.Delta
		if next.Stock < 0 {
			return domain.LedgerResult{}, withOp(op, repositories.NewInventoryError(
				repositories.InventoryErrorInsufficientStock,
				fmt.Sprintf("reverting %s would make product %s negative", entryID, existing.entry.ProductID), nil))
		}
		if existing.entry.Delta < 0 && opts.RevertSold {
			next.Sold += existing.entry.Delta
			if next.Sold < 0 {
				next.Sold = 0
			}
		}
		next.UpdatedAt = at

		reverted := existing
		reverted.reverted = true
		if s.swap(record, next, "", func() {
			if current := s.entries[entryID]; !current.reverted {
				s.entries[entryID] = reverted
			}
		}) {
			return domain.LedgerResult{Product: next}, nil
		}
	}
	return domain.LedgerResult{}, withOp(op, repositories.NewInventoryError(
		repositories.InventoryErrorRetryExceeded,
		fmt.Sprintf("ledger entry %s is contended", entryID), nil))
}

// swap commits next when the product version is unchanged since read. For applies,
// newEntryID must still be absent; for reverts the entry must still be applied.
func (s *Store) swap(read productRecord, next domain.Product, newEntryID string, commit func()) bool {
	if s.beforeSwap != nil {
		s.beforeSwap(read.product.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.products[read.product.ID]
	if !ok || current.version != read.version {
		return false
	}
	if newEntryID != "" {
		if _, exists := s.entries[newEntryID]; exists {
			return false
		}
	}
	s.products[next.ID] = productRecord{product: next, version: current.version + 1}
	commit()
	return true
}

func productNotFound(op, productID string) error {
	return withOp(op, repositories.NewInventoryError(
		repositories.InventoryErrorProductNotFound,
		fmt.Sprintf("product %s not found", productID), nil))
}

func withOp(op string, err *repositories.InventoryError) *repositories.InventoryError {
	err.Op = op
	return err
}
