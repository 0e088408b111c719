package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy:
// - ValidationError: malformed input; caller must fix and resubmit, never retried automatically.
// - InsufficientStockError / NegativeStockError: business conflict; surfaced to the operator
//   (adjust quantity, cancel, or resubmit with an explicit negative-stock override).
// - StorageFailure: infrastructure-level; retryable with backoff, never swallowed.

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type InsufficientStockError struct {
	ProductId int
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product_id=%d: requested %s, available %s",
		e.ProductId, e.Requested, e.Available)
}

// NegativeStockError is the projector-level form of the same conflict:
// an applied delta would drive quantity_on_hand below zero without the
// allow-negative override.
type NegativeStockError struct {
	ProductId int
	Resulting decimal.Decimal
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("negative stock for product_id=%d: resulting on-hand %s", e.ProductId, e.Resulting)
}

type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

func NewStorageFailure(op string, err error) *StorageFailure {
	return &StorageFailure{Op: op, Err: err}
}

// ErrorKind maps an error to the stable kind string recorded on sync
// outcomes and returned to clients.
func ErrorKind(err error) string {
	var ve *ValidationError
	var ise *InsufficientStockError
	var nse *NegativeStockError
	var sf *StorageFailure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ise), errors.As(err, &nse):
		return "insufficient_stock"
	case errors.As(err, &sf):
		return "storage_failure"
	default:
		return "internal"
	}
}

// IsStockConflict reports whether err is the insufficient/negative stock
// family, which the sync gateway surfaces as a stock_shortage conflict
// rather than a rejection.
func IsStockConflict(err error) bool {
	var ise *InsufficientStockError
	var nse *NegativeStockError
	return errors.As(err, &ise) || errors.As(err, &nse)
}
