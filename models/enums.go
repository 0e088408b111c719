package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// MovementKind classifies a ledger entry. The signed Qty carries the actual
// direction; the kind records the business meaning of the movement.
type MovementKind string

const (
	MovementKindStockIn    MovementKind = "IN"
	MovementKindStockOut   MovementKind = "OUT"
	MovementKindAdjustment MovementKind = "ADJ"
	MovementKindReturn     MovementKind = "RET"
)

func (k MovementKind) Valid() bool {
	switch k {
	case MovementKindStockIn, MovementKindStockOut, MovementKindAdjustment, MovementKindReturn:
		return true
	}
	return false
}

func (k *MovementKind) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		*k = MovementKind(v)
	case string:
		*k = MovementKind(v)
	default:
		return fmt.Errorf("unsupported movement kind value: %v", value)
	}
	if !k.Valid() {
		return errors.New("invalid movement kind")
	}
	return nil
}

func (k MovementKind) Value() (driver.Value, error) {
	return string(k), nil
}

// StockReferenceType identifies the originating business document of a
// ledger entry. Codes follow the document numbering scheme:
// BL supplier invoice (bill), IV sales invoice, CN credit note (return),
// IVAQ inventory adjustment (quantity).
type StockReferenceType string

const (
	StockReferenceTypeBill                StockReferenceType = "BL"
	StockReferenceTypeInvoice             StockReferenceType = "IV"
	StockReferenceTypeCreditNote          StockReferenceType = "CN"
	StockReferenceTypeInventoryAdjustment StockReferenceType = "IVAQ"
)

// OperationKind names the business transaction an operation executes.
type OperationKind string

const (
	OperationKindApplyInvoice  OperationKind = "APPLY_INVOICE"
	OperationKindCreateSale    OperationKind = "CREATE_SALE"
	OperationKindProcessReturn OperationKind = "PROCESS_RETURN"
	OperationKindManualAdjust  OperationKind = "MANUAL_ADJUST"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OperationKindApplyInvoice, OperationKindCreateSale, OperationKindProcessReturn, OperationKindManualAdjust:
		return true
	}
	return false
}

// ReferenceType maps an operation kind to the document code stamped on its
// ledger entries.
func (k OperationKind) ReferenceType() StockReferenceType {
	switch k {
	case OperationKindApplyInvoice:
		return StockReferenceTypeBill
	case OperationKindCreateSale:
		return StockReferenceTypeInvoice
	case OperationKindProcessReturn:
		return StockReferenceTypeCreditNote
	default:
		return StockReferenceTypeInventoryAdjustment
	}
}

// MovementKind maps an operation kind to the ledger movement kind of its
// entries. Manual adjustments stay MovementKindAdjustment in both directions.
func (k OperationKind) MovementKind() MovementKind {
	switch k {
	case OperationKindApplyInvoice:
		return MovementKindStockIn
	case OperationKindCreateSale:
		return MovementKindStockOut
	case OperationKindProcessReturn:
		return MovementKindReturn
	default:
		return MovementKindAdjustment
	}
}

// OperationState is the per-instance state machine of the transaction
// coordinator. Terminal states are never re-entered.
type OperationState string

const (
	OperationStateValidating OperationState = "VALIDATING"
	OperationStateApplying   OperationState = "APPLYING"
	OperationStateCommitted  OperationState = "COMMITTED"
	OperationStateRejected   OperationState = "REJECTED"
	OperationStateRolledBack OperationState = "ROLLED_BACK"
)

// SyncOutcomeStatus is the per-item result of a sync batch submission.
type SyncOutcomeStatus string

const (
	SyncOutcomeApplied   SyncOutcomeStatus = "APPLIED"
	SyncOutcomeDuplicate SyncOutcomeStatus = "DUPLICATE"
	SyncOutcomeConflict  SyncOutcomeStatus = "CONFLICT"
	SyncOutcomeRejected  SyncOutcomeStatus = "REJECTED"
)

// ConflictKind qualifies a CONFLICT outcome.
type ConflictKind string

const (
	ConflictKindStockShortage ConflictKind = "stock_shortage"
)

// Outbox publish lifecycle of an outbox event.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
