package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func acquireSummaryRebuildLock(tx *gorm.DB, businessId string, productId int) error {
	lockName := fmt.Sprintf("summary_rebuild:%s:%d", businessId, productId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire rebuild lock for business_id=%s product_id=%d", businessId, productId)
	}
	return nil
}

func releaseSummaryRebuildLock(tx *gorm.DB, businessId string, productId int) {
	lockName := fmt.Sprintf("summary_rebuild:%s:%d", businessId, productId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// RebuildStockSummaryForProduct replays the product's full ledger into a
// fresh summary and swaps it in atomically. Safe to run at any time and
// concurrently with live traffic: the summary row lock holds writers off for
// the duration of the replay. Returns the rebuilt summary and the drift event
// recorded, if any.
func RebuildStockSummaryForProduct(ctx context.Context, businessId string, productId int) (*models.StockSummary, *models.DriftEvent, error) {
	logger := config.GetLogger()
	logger.WithFields(logrus.Fields{
		"business_id": businessId,
		"product_id":  productId,
	}).Info("summary.rebuild.start")

	var (
		rebuilt *models.StockSummary
		drift   *models.DriftEvent
	)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireSummaryRebuildLock(tx, businessId, productId); err != nil {
			return models.NewStorageFailure("rebuild.lock", err)
		}
		defer releaseSummaryRebuildLock(tx, businessId, productId)

		var rebuildErr error
		rebuilt, drift, rebuildErr = models.RebuildStockSummaryTx(tx, businessId, productId)
		if rebuildErr != nil {
			return rebuildErr
		}
		if drift != nil {
			tolerance := decimal.NewFromInt(int64(config.DriftValuationTolerancePercent()))
			drift.BeyondTolerance = !drift.QtyDrift().IsZero() ||
				drift.ValuationDriftPercent().GreaterThan(tolerance)
			if err := models.CreateDriftEvent(tx, drift); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "RebuildStockSummaryForProduct", "rebuild failed", productId, err)
		return nil, nil, err
	}

	fields := logrus.Fields{
		"business_id": businessId,
		"product_id":  productId,
		"qty_on_hand": rebuilt.QtyOnHand,
		"drift":       drift != nil,
	}
	if drift != nil {
		fields["qty_drift"] = drift.QtyDrift()
		fields["beyond_tolerance"] = drift.BeyondTolerance
	}
	logger.WithFields(fields).Info("summary.rebuild.end")
	return rebuilt, drift, nil
}

// MaybeTriggerRebuild schedules a background rebuild for summaries whose
// incremental apply count crossed the configured threshold. Disabled when the
// threshold is zero; rebuild failures are logged, never propagated to the
// operation that triggered them.
func MaybeTriggerRebuild(ctx context.Context, businessId string, summaries map[int]*models.StockSummary) {
	threshold := config.RebuildAfterApplies()
	if threshold <= 0 {
		return
	}
	for productId, summary := range summaries {
		if summary == nil || summary.AppliesSinceRebuild < threshold {
			continue
		}
		go func(productId int) {
			// Detached from the request lifetime on purpose.
			if _, _, err := RebuildStockSummaryForProduct(context.Background(), businessId, productId); err != nil {
				config.LogError(config.GetLogger(), "workflow", "MaybeTriggerRebuild", "background rebuild failed", productId, err)
			}
		}(productId)
	}
	_ = ctx
}
