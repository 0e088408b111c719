package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntry is one row of the append-only inventory movements ledger, the
// system's source of truth for stock. Rows are never updated or deleted;
// corrections are new entries of kind ADJ.
type LedgerEntry struct {
	ID              string             `gorm:"size:36;primary_key" json:"id"` // uuid
	BusinessId      string             `gorm:"size:64;index:idx_ledger_biz_product_seq,priority:1;uniqueIndex:uniq_ledger_biz_seq,priority:1;not null" json:"business_id"`
	ProductId       int                `gorm:"index:idx_ledger_biz_product_seq,priority:2;not null" json:"product_id"`
	MovementKind    MovementKind       `gorm:"type:enum('IN','OUT','ADJ','RET');not null" json:"movement_kind"`
	Qty             decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"qty"` // signed, positive = increase
	UnitCost        decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	ReferenceType   StockReferenceType `gorm:"type:enum('BL','IV','CN','IVAQ');not null" json:"reference_type"`
	ReferenceNumber string             `gorm:"size:100" json:"reference_number"`
	OperationId     string             `gorm:"size:36;index;not null" json:"operation_id"`
	BatchNumber     string             `gorm:"size:100" json:"batch_number"`
	ExpiryDate      *time.Time         `json:"expiry_date"`
	Sequence        int64              `gorm:"index:idx_ledger_biz_product_seq,priority:3;uniqueIndex:uniq_ledger_biz_seq,priority:2;not null" json:"sequence"`
	EntryDate       time.Time          `gorm:"type:datetime(6);index;not null" json:"entry_date"` // server-assigned, monotonic per business; datetime(6) keeps microsecond spacing
	CreatedBy       int                `gorm:"index" json:"created_by"`
	CreatedByName   string             `gorm:"size:100" json:"created_by_name"`
	ClientOriginId  *string            `gorm:"size:255;index" json:"client_origin_id"`
	ClientOriginAt  *time.Time         `json:"client_origin_at"` // stored for audit, never used for ordering
	CreatedAt       time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeSave enforces internal invariants for the ledger.
//
// CRITICAL: the summary projector and rebuild replay classify movements by
// MovementKind and by the sign of Qty. A row whose sign disagrees with its
// kind would make the replay and the incremental path diverge, so the
// coherence is enforced at the lowest layer rather than trusted to callers.
func (e *LedgerEntry) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if e == nil {
		return nil
	}
	if e.Qty.IsZero() {
		return errors.New("ledger entry qty must be non-zero")
	}
	switch e.MovementKind {
	case MovementKindStockIn, MovementKindReturn:
		if e.Qty.IsNegative() {
			return errors.New("ledger entry qty must be positive for kind " + string(e.MovementKind))
		}
	case MovementKindStockOut:
		if e.Qty.IsPositive() {
			return errors.New("ledger entry qty must be negative for kind OUT")
		}
	case MovementKindAdjustment:
		// either direction
	default:
		return errors.New("invalid movement kind")
	}
	return nil
}

// BeforeUpdate rejects mutation outright: the ledger has no update in its
// public contract and none through gorm side doors either.
func (e *LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	_ = tx
	return errors.New("ledger entries are immutable")
}

func (e *LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	_ = tx
	return errors.New("ledger entries are append-only")
}

// AppendLedgerEntries persists the drafts as one durable unit with strictly
// increasing per-business sequence numbers and entry timestamps. All entries
// from one call become visible together or not at all; the caller owns the
// surrounding transaction.
func AppendLedgerEntries(tx *gorm.DB, businessId string, drafts []*LedgerEntry) ([]*LedgerEntry, error) {
	if len(drafts) == 0 {
		return nil, NewValidationError("append requires at least one entry")
	}
	if businessId == "" {
		return nil, NewValidationError("business id is required")
	}

	first, entryAt, err := reserveLedgerSequences(tx, businessId, len(drafts))
	if err != nil {
		tx.Rollback()
		return nil, NewStorageFailure("ledger.append.sequence", err)
	}

	for i, e := range drafts {
		e.ID = uuid.NewString()
		e.BusinessId = businessId
		e.Sequence = first + int64(i)
		e.EntryDate = entryAt.Add(time.Duration(i) * time.Microsecond)
	}
	if err := tx.Create(&drafts).Error; err != nil {
		tx.Rollback()
		return nil, NewStorageFailure("ledger.append", err)
	}
	return drafts, nil
}

// LedgerEntriesFor returns the committed entries for one product ordered
// oldest-first by sequence. Used by rebuild and by audit queries; the result
// is finite and the query is restartable at any time.
func LedgerEntriesFor(ctx context.Context, businessId string, productId int, from *time.Time, to *time.Time) ([]*LedgerEntry, error) {
	if businessId == "" {
		return nil, NewValidationError("business id is required")
	}
	db := config.GetDB()

	dbCtx := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where("product_id = ?", productId)
	if from != nil {
		dbCtx = dbCtx.Where("entry_date >= ?", *from)
	}
	if to != nil {
		dbCtx = dbCtx.Where("entry_date < ?", *to)
	}

	var entries []*LedgerEntry
	if err := dbCtx.Order("sequence ASC").Find(&entries).Error; err != nil {
		return nil, NewStorageFailure("ledger.entriesFor", err)
	}
	return entries, nil
}

// ledgerEntriesForUpdate is the transactional variant used by rebuild; it
// reads through the caller's transaction so the replay sees a stable view.
func ledgerEntriesForUpdate(tx *gorm.DB, businessId string, productId int) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	if err := tx.
		Where("business_id = ?", businessId).
		Where("product_id = ?", productId).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		return nil, NewStorageFailure("ledger.entriesFor", err)
	}
	return entries, nil
}

// LedgerProductIds lists the distinct products with ledger activity for a
// business; the reconciliation sweep iterates this set.
func LedgerProductIds(ctx context.Context, businessId string) ([]int, error) {
	if businessId == "" {
		return nil, NewValidationError("business id is required")
	}
	db := config.GetDB()
	var ids []int
	if err := db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("business_id = ?", businessId).
		Distinct("product_id").
		Order("product_id").
		Pluck("product_id", &ids).Error; err != nil {
		return nil, NewStorageFailure("ledger.productIds", err)
	}
	return utils.UniqueSlice(ids), nil
}
