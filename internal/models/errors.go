package models

import (
	"errors"
	"fmt"
)

// Validation and query failures. Callers match these with errors.Is/errors.As.
var (
	ErrEmptyCart         = errors.New("cart has no lines")
	ErrInvalidQuantity   = errors.New("quantity must be at least 1")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transient failures; the caller may retry the whole call with the same input.
var (
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrDuplicateCheckout is returned by the store when an insert loses the race
// on a unique idempotency key; the order it collided with already exists.
var ErrDuplicateCheckout = errors.New("duplicate checkout")

// ProductNotFoundError identifies which cart line referenced a missing product.
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

// InsufficientStockError reports a stock check failure for a single product.
type InsufficientStockError struct {
	ProductID int64
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available=%d, requested=%d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsRetryable reports whether err is transient and the call may be retried
// unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted) || errors.Is(err, ErrStorageUnavailable)
}
