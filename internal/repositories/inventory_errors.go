package repositories

import (
	"errors"
	"fmt"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

// InventoryErrorCode classifies ledger failures so the service layer can map them without
// parsing messages.
type InventoryErrorCode string

const (
	InventoryErrorUnknown           InventoryErrorCode = "inventory_unknown"
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	InventoryErrorProductNotFound   InventoryErrorCode = "inventory_product_not_found"
	// InventoryErrorEntryReverted means a tombstone exists for the entry, so it can no
	// longer be applied.
	InventoryErrorEntryReverted   InventoryErrorCode = "inventory_entry_reverted"
	InventoryErrorRetryExceeded   InventoryErrorCode = "inventory_retry_exceeded"
	InventoryErrorCorruptDocument InventoryErrorCode = "inventory_corrupt_document"
	// InventoryErrorRejected covers writes that contradict stored state: a sold counter
	// moving backwards, or a ledger entry id reused for another product or delta.
	InventoryErrorRejected InventoryErrorCode = "inventory_rejected"
)

// InventoryError is returned by every InventoryRepository implementation.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	Message string
	Err     error
}

func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError builds an error without an op; stores attach the op on return.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	return &InventoryError{Code: code, Message: message, Err: err}
}

// InventoryCode reports the code carried by err, or "" when err is not an InventoryError.
func InventoryCode(err error) InventoryErrorCode {
	var invErr *InventoryError
	if errors.As(err, &invErr) {
		return invErr.Code
	}
	return ""
}

// ReplayMismatch returns an InventoryErrorRejected error when incoming reuses the id of
// stored for a different product or delta.
func ReplayMismatch(stored, incoming domain.LedgerEntry) *InventoryError {
	if stored.ProductID == incoming.ProductID && stored.Delta == incoming.Delta {
		return nil
	}
	return NewInventoryError(InventoryErrorRejected, fmt.Sprintf(
		"ledger entry %s already applied %d to product %s", incoming.ID, stored.Delta, stored.ProductID), nil)
}
