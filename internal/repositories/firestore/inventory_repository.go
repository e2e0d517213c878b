package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orderflow/internal/domain"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/repositories"
)

var (
	decodeProduct = pfirestore.StructDecoder(func(id string, doc productDocument) (domain.Product, error) {
		return doc.toDomain(id)
	})
	decodeLedger = pfirestore.StructDecoder(func(_ string, doc ledgerDocument) (ledgerDocument, error) {
		return doc, nil
	})
)

// InventoryRepository keeps product counters in products and every adjustment in
// stock_ledger. Both documents change in one transaction.
type InventoryRepository struct {
	provider *pfirestore.Provider
}

// NewInventoryRepository constructs the Firestore backed inventory ledger.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{provider: provider}, nil
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

func (r *InventoryRepository) refs(ctx context.Context, productID, entryID string) (product, entry *firestore.DocumentRef, err error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	if productID != "" {
		product = client.Collection(productsCollection).Doc(productID)
	}
	if entryID != "" {
		entry = client.Collection(ledgerCollection).Doc(entryID)
	}
	return product, entry, nil
}

func (r *InventoryRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.Product{}, productNotFound("inventory.get", productID, nil)
	}
	ref, _, err := r.refs(ctx, productID, "")
	if err != nil {
		return domain.Product{}, err
	}
	product, err := pfirestore.Get(ctx, ref, "inventory.get", decodeProduct)
	if err != nil {
		return domain.Product{}, wrapInventoryError("inventory.get", productID, err)
	}
	return product, nil
}

func (r *InventoryRepository) UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	const op = "inventory.upsert"
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "product id is required", nil)
	}
	ref, _, err := r.refs(ctx, product.ID, "")
	if err != nil {
		return domain.Product{}, err
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now()
	}
	product.UpdatedAt = product.UpdatedAt.UTC()
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, found, err := pfirestore.LookupTx(tx, ref, op, decodeProduct)
		if err != nil {
			return err
		}
		if found && product.Sold < stored.Sold {
			return repositories.NewInventoryError(repositories.InventoryErrorRejected,
				fmt.Sprintf("product %s has sold %d, cannot set %d", product.ID, stored.Sold, product.Sold), nil)
		}
		return tx.Set(ref, newProductDocument(product))
	})
	if err != nil {
		return domain.Product{}, wrapInventoryError(op, product.ID, err)
	}
	return product, nil
}

func (r *InventoryRepository) Apply(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerResult, error) {
	const op = "inventory.apply"
	if strings.TrimSpace(entry.ID) == "" {
		return domain.LedgerResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "ledger entry id is required", nil)
	}
	if strings.TrimSpace(entry.ProductID) == "" {
		return domain.LedgerResult{}, productNotFound(op, entry.ProductID, nil)
	}
	productRef, entryRef, err := r.refs(ctx, entry.ProductID, entry.ID)
	if err != nil {
		return domain.LedgerResult{}, err
	}
	createdAt := entry.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var result domain.LedgerResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := pfirestore.LookupTx(tx, entryRef, op, decodeLedger)
		if err != nil {
			return err
		}
		if found {
			if existing.reverted() {
				return repositories.NewInventoryError(repositories.InventoryErrorEntryReverted,
					fmt.Sprintf("ledger entry %s was reverted", entry.ID), nil)
			}
			stored := domain.LedgerEntry{ProductID: existing.ProductID, Delta: existing.Delta}
			if mismatch := repositories.ReplayMismatch(stored, entry); mismatch != nil {
				return mismatch
			}
		}
		product, err := pfirestore.GetTx(tx, productRef, op, decodeProduct)
		if err != nil {
			return err
		}
		if found {
			result = domain.LedgerResult{Product: product, Replayed: true}
			return nil
		}

		next := product
		next.Stock += entry.Delta
		if next.Stock < 0 {
			return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock,
				fmt.Sprintf("product %s has %d in stock, requested %d", product.ID, product.Stock, -entry.Delta), nil)
		}
		if entry.Delta < 0 {
			next.Sold += -entry.Delta
		}
		next.UpdatedAt = createdAt

		if err := tx.Update(productRef, []firestore.Update{
			{Path: "stock", Value: next.Stock},
			{Path: "sold", Value: next.Sold},
			{Path: "updatedAt", Value: createdAt},
		}); err != nil {
			return err
		}
		if err := tx.Create(entryRef, ledgerDocument{
			ProductID: entry.ProductID,
			OrderID:   entry.OrderID,
			Delta:     entry.Delta,
			State:     ledgerStateApplied,
			CreatedAt: createdAt,
		}); err != nil {
			return err
		}
		result = domain.LedgerResult{Product: next}
		return nil
	})
	if err != nil {
		return domain.LedgerResult{}, wrapInventoryError(op, entry.ProductID, err)
	}
	return result, nil
}

func (r *InventoryRepository) Revert(ctx context.Context, entryID string, opts repositories.RevertOptions) (domain.LedgerResult, error) {
	const op = "inventory.revert"
	if strings.TrimSpace(entryID) == "" {
		return domain.LedgerResult{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "ledger entry id is required", nil)
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.LedgerResult{}, err
	}
	entryRef := client.Collection(ledgerCollection).Doc(entryID)
	at := opts.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		result    domain.LedgerResult
		productID string
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := pfirestore.LookupTx(tx, entryRef, op, decodeLedger)
		if err != nil {
			return err
		}
		if !found {
			result = domain.LedgerResult{}
			return tx.Create(entryRef, ledgerDocument{
				State:      ledgerStateReverted,
				Tombstone:  true,
				CreatedAt:  at,
				RevertedAt: at,
			})
		}
		productID = existing.ProductID
		if existing.Tombstone {
			result = domain.LedgerResult{Replayed: true}
			return nil
		}
		productRef := client.Collection(productsCollection).Doc(existing.ProductID)
		product, err := pfirestore.GetTx(tx, productRef, op, decodeProduct)
		if err != nil {
			return err
		}
		if existing.reverted() {
			result = domain.LedgerResult{Product: product, Replayed: true}
			return nil
		}

		next := product
		next.Stock -= existing.Delta
		if next.Stock < 0 {
			return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock,
				fmt.Sprintf("reverting %s would make product %s negative", entryID, product.ID), nil)
		}
		revertSold := existing.Delta < 0 && opts.RevertSold
		if revertSold {
			next.Sold += existing.Delta
			if next.Sold < 0 {
				next.Sold = 0
			}
		}
		next.UpdatedAt = at

		if err := tx.Update(productRef, []firestore.Update{
			{Path: "stock", Value: next.Stock},
			{Path: "sold", Value: next.Sold},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}
		if err := tx.Update(entryRef, []firestore.Update{
			{Path: "state", Value: ledgerStateReverted},
			{Path: "revertedSold", Value: revertSold},
			{Path: "revertedAt", Value: at},
		}); err != nil {
			return err
		}
		result = domain.LedgerResult{Product: next}
		return nil
	})
	if err != nil {
		return domain.LedgerResult{}, wrapInventoryError(op, productID, err)
	}
	return result, nil
}

// wrapInventoryError maps transaction failures onto InventoryError codes. Contention that
// outlasted the transaction attempts becomes InventoryErrorRetryExceeded.
func wrapInventoryError(op, productID string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	wrapped := pfirestore.WrapError(op, err)
	var repoErr *pfirestore.Error
	if errors.As(wrapped, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return productNotFound(op, productID, err)
		case repoErr.IsConflict():
			invErr := repositories.NewInventoryError(repositories.InventoryErrorRetryExceeded,
				fmt.Sprintf("product %s is contended", productID), err)
			invErr.Op = op
			return invErr
		}
	}
	return wrapped
}

func productNotFound(op, productID string, cause error) error {
	invErr := repositories.NewInventoryError(repositories.InventoryErrorProductNotFound,
		fmt.Sprintf("product %s not found", productID), cause)
	invErr.Op = op
	return invErr
}
