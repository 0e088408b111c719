package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockSummary is the mutable per (business, product) cache derived from the
// ledger. quantity_on_hand must always equal the signed sum of the product's
// ledger entries; the summary can be rebuilt from the ledger at any time with
// no information loss.
type StockSummary struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	BusinessId          string          `gorm:"size:64;uniqueIndex:uniq_summary_biz_product,priority:1;not null" json:"business_id"`
	ProductId           int             `gorm:"uniqueIndex:uniq_summary_biz_product,priority:2;not null" json:"product_id"`
	QtyOnHand           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_on_hand"`
	QtyReserved         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_reserved"`
	QtyAvailable        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_available"`
	LastStockInAt       *time.Time      `json:"last_stock_in_at"`
	LastStockOutAt      *time.Time      `json:"last_stock_out_at"`
	LatestUnitCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"latest_unit_cost"`
	AvgUnitCost         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_unit_cost"`
	TotalValuation      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_valuation"`
	AppliesSinceRebuild int             `gorm:"default:0" json:"applies_since_rebuild"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// applyDelta mutates the summary in memory for one signed movement.
//
// Weighted-average cost only moves on stock-in:
//
//	new_avg = (old_avg*old_qty + unit_cost*qty_in) / (old_qty + qty_in)
//
// Every other movement changes quantity and valuation (qty * avg) but not the
// average cost. The same function drives both the incremental path and the
// rebuild replay, so the two cannot drift by construction of the math.
func (s *StockSummary) applyDelta(kind MovementKind, qty decimal.Decimal, unitCost decimal.Decimal, at time.Time, allowNegative bool) error {
	newQty := s.QtyOnHand.Add(qty)
	if newQty.IsNegative() && !allowNegative {
		return &NegativeStockError{ProductId: s.ProductId, Resulting: newQty}
	}

	if kind == MovementKindStockIn && qty.IsPositive() {
		if s.QtyOnHand.IsPositive() && !newQty.IsZero() {
			s.AvgUnitCost = s.AvgUnitCost.Mul(s.QtyOnHand).Add(unitCost.Mul(qty)).Div(newQty)
		} else {
			// Empty or negative position: the incoming cost resets the average.
			s.AvgUnitCost = unitCost
		}
		s.LatestUnitCost = unitCost
		t := at
		s.LastStockInAt = &t
	}
	if qty.IsNegative() {
		t := at
		s.LastStockOutAt = &t
	}

	s.QtyOnHand = newQty
	s.QtyAvailable = s.QtyOnHand.Sub(s.QtyReserved)
	s.TotalValuation = s.QtyOnHand.Mul(s.AvgUnitCost)
	return nil
}

// FirstOrCreateStockSummary finds or creates the summary row and locks it
// FOR UPDATE for the remainder of the transaction. The row lock is the only
// write serialization point in the system: concurrent operations on the same
// product queue here, operations on disjoint products do not contend.
func FirstOrCreateStockSummary(tx *gorm.DB, businessId string, productId int) (*StockSummary, bool, error) {
	isNew := false
	summary := StockSummary{
		BusinessId: businessId,
		ProductId:  productId,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		FirstOrCreate(&summary)
	if result.Error != nil {
		tx.Rollback()
		return nil, isNew, NewStorageFailure("summary.firstOrCreate", result.Error)
	}
	if result.RowsAffected == 1 {
		isNew = true
	}
	return &summary, isNew, nil
}

// ApplyStockDelta is the incremental projector path, invoked once per
// affected product inside a coordinator unit. It rejects a delta that would
// drive on-hand below zero unless allowNegative is set.
func ApplyStockDelta(tx *gorm.DB, businessId string, productId int, kind MovementKind, qty decimal.Decimal, unitCost decimal.Decimal, at time.Time, allowNegative bool) (*StockSummary, error) {
	summary, _, err := FirstOrCreateStockSummary(tx, businessId, productId)
	if err != nil {
		return nil, err
	}

	if err := summary.applyDelta(kind, qty, unitCost, at, allowNegative); err != nil {
		tx.Rollback()
		return nil, err
	}
	summary.AppliesSinceRebuild++

	if err := tx.Model(&StockSummary{}).
		Where("id = ?", summary.ID).
		Updates(map[string]interface{}{
			"qty_on_hand":           summary.QtyOnHand,
			"qty_available":         summary.QtyAvailable,
			"last_stock_in_at":      summary.LastStockInAt,
			"last_stock_out_at":     summary.LastStockOutAt,
			"latest_unit_cost":      summary.LatestUnitCost,
			"avg_unit_cost":         summary.AvgUnitCost,
			"total_valuation":       summary.TotalValuation,
			"applies_since_rebuild": summary.AppliesSinceRebuild,
		}).Error; err != nil {
		tx.Rollback()
		return nil, NewStorageFailure("summary.applyDelta", err)
	}
	return summary, nil
}

// ReplayLedgerEntries computes a summary from scratch by replaying entries in
// sequence order. Negative intermediate positions are allowed during replay:
// the ledger is the truth and already-committed history is never rejected.
func ReplayLedgerEntries(businessId string, productId int, entries []*LedgerEntry) *StockSummary {
	rebuilt := &StockSummary{
		BusinessId: businessId,
		ProductId:  productId,
	}
	for _, e := range entries {
		// applyDelta cannot fail with allowNegative=true.
		_ = rebuilt.applyDelta(e.MovementKind, e.Qty, e.UnitCost, e.EntryDate, true)
	}
	return rebuilt
}

// RebuildStockSummaryTx recomputes the summary from the full ledger for the
// product. Running it twice with no intervening ledger writes yields the same
// row. Drift between the cached and rebuilt values is returned so the caller
// can record it; no error is raised for drift, it is corrected quietly.
func RebuildStockSummaryTx(tx *gorm.DB, businessId string, productId int) (*StockSummary, *DriftEvent, error) {
	cached, _, err := FirstOrCreateStockSummary(tx, businessId, productId)
	if err != nil {
		return nil, nil, err
	}

	entries, err := ledgerEntriesForUpdate(tx, businessId, productId)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	rebuilt := ReplayLedgerEntries(businessId, productId, entries)
	// Reserved quantity is not ledger-derived; carry it over.
	rebuilt.QtyReserved = cached.QtyReserved
	rebuilt.QtyAvailable = rebuilt.QtyOnHand.Sub(rebuilt.QtyReserved)

	var drift *DriftEvent
	if !cached.QtyOnHand.Equal(rebuilt.QtyOnHand) || !cached.TotalValuation.Equal(rebuilt.TotalValuation) {
		drift = &DriftEvent{
			BusinessId:       businessId,
			ProductId:        productId,
			CachedQty:        cached.QtyOnHand,
			RebuiltQty:       rebuilt.QtyOnHand,
			CachedValuation:  cached.TotalValuation,
			RebuiltValuation: rebuilt.TotalValuation,
			DetectedAt:       time.Now().UTC(),
		}
	}

	if err := tx.Model(&StockSummary{}).
		Where("id = ?", cached.ID).
		Updates(map[string]interface{}{
			"qty_on_hand":           rebuilt.QtyOnHand,
			"qty_available":         rebuilt.QtyAvailable,
			"last_stock_in_at":      rebuilt.LastStockInAt,
			"last_stock_out_at":     rebuilt.LastStockOutAt,
			"latest_unit_cost":      rebuilt.LatestUnitCost,
			"avg_unit_cost":         rebuilt.AvgUnitCost,
			"total_valuation":       rebuilt.TotalValuation,
			"applies_since_rebuild": 0,
		}).Error; err != nil {
		tx.Rollback()
		return nil, nil, NewStorageFailure("summary.rebuild", err)
	}

	rebuilt.ID = cached.ID
	rebuilt.CreatedAt = cached.CreatedAt
	return rebuilt, drift, nil
}

// ReadStockSummary is the point lookup used by sale-time checks and by the
// read-only collaborators (forecasting, reorder, credit scoring).
func ReadStockSummary(ctx context.Context, businessId string, productId int) (*StockSummary, error) {
	if businessId == "" {
		return nil, NewValidationError("business id is required")
	}
	db := config.GetDB()
	var summary StockSummary
	err := db.WithContext(ctx).
		Where("business_id = ? AND product_id = ?", businessId, productId).
		First(&summary).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, NewStorageFailure("summary.read", err)
	}
	return &summary, nil
}

// StockSummariesBelowReorder range-scans the summaries sitting at or below
// their product's reorder level. Read path for the low-stock screen and the
// reorder collaborator.
func StockSummariesBelowReorder(ctx context.Context, businessId string) ([]*StockSummary, error) {
	if businessId == "" {
		return nil, NewValidationError("business id is required")
	}
	db := config.GetDB()
	var summaries []*StockSummary
	err := db.WithContext(ctx).
		Joins("JOIN products ON products.business_id = stock_summaries.business_id AND products.id = stock_summaries.product_id").
		Where("stock_summaries.business_id = ?", businessId).
		Where("products.reorder_level > 0").
		Where("stock_summaries.qty_available <= products.reorder_level").
		Order("stock_summaries.product_id").
		Find(&summaries).Error
	if err != nil {
		return nil, NewStorageFailure("summary.belowReorder", err)
	}
	return summaries, nil
}
