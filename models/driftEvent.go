package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DriftEvent records a divergence between the incrementally maintained
// summary and a full ledger replay. Drift is expected under concurrent
// writers; it is corrected quietly by the rebuild and recorded here for
// review, never surfaced to callers as an error.
type DriftEvent struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;index;not null" json:"business_id"`
	ProductId        int             `gorm:"index;not null" json:"product_id"`
	CachedQty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cached_qty"`
	RebuiltQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rebuilt_qty"`
	CachedValuation  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cached_valuation"`
	RebuiltValuation decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rebuilt_valuation"`
	BeyondTolerance  bool            `gorm:"default:false" json:"beyond_tolerance"`
	DetectedAt       time.Time       `gorm:"index;not null" json:"detected_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func CreateDriftEvent(tx *gorm.DB, event *DriftEvent) error {
	if err := tx.Create(event).Error; err != nil {
		tx.Rollback()
		return NewStorageFailure("drift.create", err)
	}
	return nil
}

// QtyDrift is the signed quantity divergence (rebuilt - cached).
func (d *DriftEvent) QtyDrift() decimal.Decimal {
	return d.RebuiltQty.Sub(d.CachedQty)
}

// ValuationDriftPercent returns the relative valuation divergence in percent
// against the rebuilt value; zero when the rebuilt valuation is zero.
func (d *DriftEvent) ValuationDriftPercent() decimal.Decimal {
	if d.RebuiltValuation.IsZero() {
		if d.CachedValuation.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return d.RebuiltValuation.Sub(d.CachedValuation).Abs().
		Div(d.RebuiltValuation.Abs()).
		Mul(decimal.NewFromInt(100))
}
